package store

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeContent canonicalises memory text before hashing: trim,
// Unicode NFC, and collapse runs of whitespace to single spaces.
// Newlines are preserved as line boundaries so multi-line memories keep
// their shape.
func NormalizeContent(content string) string {
	content = norm.NFC.String(content)
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, strings.Join(strings.Fields(line), " "))
	}
	// Drop leading/trailing blank lines, keep interior ones.
	joined := strings.Join(out, "\n")
	return strings.Trim(joined, "\n ")
}

// HashContent returns the lowercase hex SHA-256 of normalised content.
// The content hash of a live row uniquely identifies its content.
func HashContent(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NormalizeTags canonicalises a tag set: lower-case, trimmed, deduped,
// sorted. Stored as a comma-separated string.
func NormalizeTags(tags []string) string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// SplitTags parses a stored comma-separated tag set.
func SplitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MergeTags unions two stored tag sets.
func MergeTags(a, b string) string {
	return NormalizeTags(append(SplitTags(a), SplitTags(b)...))
}

// CanonicalEntityName case-folds and whitespace-collapses an entity
// name. Punctuation is preserved.
func CanonicalEntityName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// ftsQuery turns free text into an FTS5 MATCH expression. Each token is
// double-quoted (with embedded quotes doubled) so user punctuation is
// literal text, never match syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		out = append(out, `"`+f+`"`)
	}
	return strings.Join(out, " ")
}

// ftsQueryAny is ftsQuery with OR joining, matching rows that share any
// token with the query.
func ftsQueryAny(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		out = append(out, `"`+f+`"`)
	}
	return strings.Join(out, " OR ")
}
