package embedding

import (
	"strings"
)

// taskTypeFor picks the GenAI embedding task type from the text shape.
// Questions embed as retrieval queries; everything else is a stored
// document. Matching spaces improves recall precision over using one
// task type for both sides.
func taskTypeFor(text string) string {
	if IsQueryLike(text) {
		return "RETRIEVAL_QUERY"
	}
	return "RETRIEVAL_DOCUMENT"
}

// IsQueryLike reports whether text reads as a search query or question
// rather than a stored memory body.
func IsQueryLike(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	if strings.HasSuffix(t, "?") {
		return true
	}
	for _, prefix := range []string{"what ", "how ", "why ", "when ", "where ", "who ", "which ", "find ", "search "} {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	// Very short texts without sentence punctuation read as queries.
	if len(t) < 40 && !strings.ContainsAny(t, ".!\n") && len(strings.Fields(t)) <= 5 {
		return true
	}
	return false
}
