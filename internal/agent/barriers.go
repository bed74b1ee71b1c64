package agent

import (
	"strings"

	"outreach-platform/internal/patients"
)

// Barrier detection over the transcript plus the patient record. A
// detected barrier always forces a follow-up in the deterministic
// cascade, and lifts post-call priority to at least medium.

type BarrierType string

const (
	BarrierFinancial      BarrierType = "financial"
	BarrierTransportation BarrierType = "transportation"
	BarrierScheduling     BarrierType = "scheduling"
	BarrierLanguage       BarrierType = "language"
)

type Barrier struct {
	Type     BarrierType `json:"type"`
	Priority string      `json:"priority"` // low, medium, high
	Evidence string      `json:"evidence,omitempty"`
}

var barrierKeywords = []struct {
	typ      BarrierType
	priority string
	words    []string
}{
	{BarrierFinancial, "high", []string{"afford", "expensive", "cost", "money", "insurance", "pay"}},
	{BarrierTransportation, "medium", []string{"ride", "transport", "get there", "no car", "bus", "drive"}},
	{BarrierScheduling, "medium", []string{"busy", "work", "time", "schedule", "conflict"}},
	{BarrierLanguage, "medium", []string{"understand", "english", "language", "translator"}},
}

// DetectBarriers matches transcript keywords and folds in any barriers
// already known on the patient record.
func DetectBarriers(transcript string, patient *patients.Patient) []Barrier {
	t := strings.ToLower(transcript)
	seen := map[BarrierType]bool{}
	var out []Barrier

	for _, group := range barrierKeywords {
		for _, w := range group.words {
			if strings.Contains(t, w) {
				if !seen[group.typ] {
					seen[group.typ] = true
					out = append(out, Barrier{Type: group.typ, Priority: group.priority, Evidence: w})
				}
				break
			}
		}
	}

	if patient != nil {
		for _, known := range strings.Split(patient.Metadata["known_barriers"], ",") {
			known = strings.TrimSpace(strings.ToLower(known))
			if known == "" {
				continue
			}
			typ := BarrierType(known)
			if seen[typ] {
				continue
			}
			switch typ {
			case BarrierFinancial, BarrierTransportation, BarrierScheduling, BarrierLanguage:
				seen[typ] = true
				out = append(out, Barrier{Type: typ, Priority: "medium", Evidence: "patient record"})
			}
		}
	}
	return out
}
