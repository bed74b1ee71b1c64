package agent

import (
	"strings"

	"outreach-platform/internal/llm"
)

// Sliding-window conversation memory. Prompts get the last few turns
// verbatim; once the conversation grows past the compaction threshold,
// older turns are folded into a bounded rolling summary so prompt size
// stays flat on long calls.

const (
	recentWindow     = 10
	compactThreshold = 14
	summaryMaxChars  = 900
)

// SlidingWindow returns the rolling summary and the recent turns to
// include in the next prompt.
func SlidingWindow(turns []llm.Turn, prevSummary string) (string, []llm.Turn) {
	if len(turns) <= recentWindow {
		return prevSummary, turns
	}

	recent := turns[len(turns)-recentWindow:]
	if len(turns) <= compactThreshold {
		return prevSummary, recent
	}

	// The full prefix is in hand on every call, so the summary is
	// rebuilt from it rather than appended to prevSummary, which would
	// re-fold already summarized turns.
	summary := strings.TrimSpace(condense(turns[:len(turns)-recentWindow]))
	if len(summary) > summaryMaxChars {
		summary = summary[len(summary)-summaryMaxChars:]
	}
	return summary, recent
}

func condense(turns []llm.Turn) string {
	var parts []string
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		role := "Assistant"
		if t.Role == "patient" {
			role = "Patient"
		}
		parts = append(parts, role+": "+text)
	}
	return strings.Join(parts, " | ")
}
