package audio

import "strings"

// Transcript assembly helpers. Chunked transcription produces partials
// whose boundaries overlap, and an extended utterance often re-includes
// the text already buffered; both merges must avoid duplicating words.

const maxOverlapWords = 6

// MergePartials joins per-chunk partial transcripts, removing the
// longest word-level overlap (up to maxOverlapWords) between the tail
// of the accumulated text and the head of each new partial.
func MergePartials(partials []string) string {
	var result string
	for _, p := range partials {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if result == "" {
			result = p
			continue
		}
		result = appendWithOverlap(result, p)
	}
	return result
}

func appendWithOverlap(acc, next string) string {
	accWords := strings.Fields(acc)
	nextWords := strings.Fields(next)

	max := maxOverlapWords
	if len(accWords) < max {
		max = len(accWords)
	}
	if len(nextWords) < max {
		max = len(nextWords)
	}

	for k := max; k > 0; k-- {
		tail := accWords[len(accWords)-k:]
		head := nextWords[:k]
		if equalFoldWords(tail, head) {
			rest := nextWords[k:]
			if len(rest) == 0 {
				return acc
			}
			return acc + " " + strings.Join(rest, " ")
		}
	}
	return acc + " " + next
}

func equalFoldWords(a, b []string) bool {
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// MergePending folds a new utterance into the pending transcript
// buffer. An incoming transcript that extends the buffer replaces it; a
// shorter repeat is dropped; anything else is appended.
func MergePending(pending, incoming string) string {
	pending = strings.TrimSpace(pending)
	incoming = strings.TrimSpace(incoming)
	if pending == "" {
		return incoming
	}
	if incoming == "" {
		return pending
	}

	pl := strings.ToLower(pending)
	il := strings.ToLower(incoming)
	switch {
	case strings.HasPrefix(il, pl):
		return incoming
	case strings.Contains(pl, il):
		return pending
	default:
		return pending + " " + incoming
	}
}
