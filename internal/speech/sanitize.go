package speech

import (
	"regexp"
	"strings"
	"unicode"
)

// Transcript hygiene. Whisper-style models emit non-speech markers for
// music, noise, and silence; those must never reach the decision engine
// or the pending transcript buffer.

var (
	nonSpeechRe  = regexp.MustCompile(`(?i)\[(blank_audio|music|noise|silence|inaudible|applause|laughter)\]|\((laughs|laughter|music|noise|sighs|coughs|clears throat)\)|\*[^*]{0,40}\*`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	rolePrefixRe = regexp.MustCompile(`(?i)^(assistant|agent|ai|patient|user)\s*:\s*`)
	sentenceRe   = regexp.MustCompile(`[^.!?]+[.!?]*\s*`)
)

// SanitizeTranscript strips non-speech markers and collapses runs of
// whitespace.
func SanitizeTranscript(s string) string {
	s = nonSpeechRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// SanitizeReply cleans a model-produced assistant line before it is
// spoken: role prefixes and stray header lines are dropped, and the
// reply is capped at two sentences so playback stays conversational.
func SanitizeReply(s string) string {
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(rolePrefixRe.ReplaceAllString(strings.TrimSpace(line), ""))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.Join(kept, " ")

	sentences := sentenceRe.FindAllString(out, -1)
	if len(sentences) > 2 {
		out = strings.TrimSpace(sentences[0] + sentences[1])
	}
	return strings.TrimSpace(out)
}

// IsMeaningfulSpeech requires at least one alphabetic token of length
// two or more, filtering out stray punctuation and filler artifacts.
func IsMeaningfulSpeech(s string) bool {
	for _, tok := range strings.Fields(s) {
		letters := 0
		for _, r := range tok {
			if unicode.IsLetter(r) {
				letters++
			}
		}
		if letters >= 2 {
			return true
		}
	}
	return false
}
