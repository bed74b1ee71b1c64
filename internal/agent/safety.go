package agent

import (
	"regexp"
	"strings"
)

// Deterministic safety overrides. These run outside the model so that a
// dead or misbehaving model can never suppress an escalation.

// EmergencyGuidance is the canned reply used whenever an emergency
// pattern fires.
const EmergencyGuidance = "If this is a medical emergency, please hang up and call 911 right away. I'm connecting you with a staff member now."

var emergencyPatterns = []string{
	"chest pain",
	"can't breathe",
	"cannot breathe",
	"trouble breathing",
	"difficulty breathing",
	"shortness of breath",
	"stroke",
	"unconscious",
	"passed out",
	"heart attack",
	"severe bleeding",
	"overdose",
	"suicidal",
	"emergency",
	"faint",
	"911",
}

// DetectEmergencyRisk scans an utterance for emergency language and
// returns the matched patterns.
func DetectEmergencyRisk(text string) (bool, []string) {
	t := strings.ToLower(text)
	var matches []string
	for _, p := range emergencyPatterns {
		if strings.Contains(t, p) {
			matches = append(matches, p)
		}
	}
	return len(matches) > 0, matches
}

var farewellRe = regexp.MustCompile(`(?i)\b(goodbye|good\s?bye|bye\s?bye|bye|gotta go|hang up|talk later|have to go|i('m|\s+am) done|that('s|\s+is) all)\b`)

// IsFarewell reports whether the utterance sounds like the patient is
// wrapping up the call.
func IsFarewell(text string) bool {
	return farewellRe.MatchString(text)
}
