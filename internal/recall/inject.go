package recall

import (
	"fmt"
	"strings"
)

// FormatInjection renders recall results as the compact block the
// hook surface hands back to harnesses for context injection. Empty
// results render to an empty string so callers can skip injection.
func FormatInjection(results []Result, engineName, query string) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Relevant memories (%d found, engine %s", len(results), engineName)
	if q := strings.TrimSpace(query); q != "" {
		fmt.Fprintf(&b, ", query %q", q)
	}
	b.WriteString(")\n")

	for _, r := range results {
		m := r.Memory
		fmt.Fprintf(&b, "- [%s]", m.Type)
		if m.Pinned {
			b.WriteString(" [pinned]")
		}
		b.WriteByte(' ')
		b.WriteString(singleLine(m.Content))
		if m.Who != "" {
			fmt.Fprintf(&b, " (who: %s)", m.Who)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
