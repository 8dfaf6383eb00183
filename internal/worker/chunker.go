package worker

import (
	"strings"
)

// Chunking targets. Token counts are estimated at roughly four
// characters per token, the usual heuristic for English prose.
const (
	chunkTokenBudget = 512
	charsPerToken    = 4
	chunkCharBudget  = chunkTokenBudget * charsPerToken
)

// Chunk is one self-describing fragment of a document. Header carries
// the markdown heading path so retrieval returns fragments that
// explain where they came from.
type Chunk struct {
	Header string
	Text   string
}

// Body returns the embeddable text: the heading line, when present,
// prepended to the fragment.
func (c Chunk) Body() string {
	if c.Header == "" {
		return c.Text
	}
	return c.Header + "\n\n" + c.Text
}

// ChunkMarkdown splits a document hierarchically: first by markdown
// headers, then by blank-line paragraphs, then by sentences, and as a
// last resort by a hard character limit. Every chunk stays within the
// token budget.
func ChunkMarkdown(doc string) []Chunk {
	var out []Chunk
	for _, sec := range splitSections(doc) {
		body := strings.TrimSpace(sec.text)
		if body == "" {
			continue
		}
		for _, piece := range splitParagraphwise(body) {
			out = append(out, Chunk{Header: sec.header, Text: piece})
		}
	}
	return out
}

type section struct {
	header string
	text   string
}

// splitSections cuts on markdown heading lines, tracking the heading
// path so nested sections carry their parents' context.
func splitSections(doc string) []section {
	lines := strings.Split(doc, "\n")
	var out []section
	var cur strings.Builder

	// path[i] holds the most recent heading at level i+1.
	var path [6]string
	headerLine := ""

	flush := func() {
		if cur.Len() > 0 {
			out = append(out, section{header: headerLine, text: cur.String()})
			cur.Reset()
		}
	}

	for _, line := range lines {
		level := headingLevel(line)
		if level == 0 {
			cur.WriteString(line)
			cur.WriteByte('\n')
			continue
		}
		flush()
		path[level-1] = strings.TrimSpace(line)
		for i := level; i < len(path); i++ {
			path[i] = ""
		}
		parts := make([]string, 0, level)
		for i := 0; i < level; i++ {
			if path[i] != "" {
				parts = append(parts, path[i])
			}
		}
		headerLine = strings.Join(parts, " > ")
	}
	flush()
	return out
}

func headingLevel(line string) int {
	trimmed := strings.TrimLeft(line, " ")
	n := 0
	for n < len(trimmed) && trimmed[n] == '#' {
		n++
	}
	if n == 0 || n > 6 || n >= len(trimmed) || trimmed[n] != ' ' {
		return 0
	}
	return n
}

// splitParagraphwise packs blank-line paragraphs into budget-sized
// pieces, splitting oversized paragraphs further.
func splitParagraphwise(text string) []string {
	paragraphs := strings.Split(text, "\n\n")
	var out []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) > chunkCharBudget {
			flush()
			out = append(out, splitSentencewise(p)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(p)+2 > chunkCharBudget {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	flush()
	return out
}

// splitSentencewise packs sentences into budget-sized pieces; a
// pathologically long sentence is hard-split on the character limit.
func splitSentencewise(p string) []string {
	var out []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, sent := range splitSentences(p) {
		for len(sent) > chunkCharBudget {
			flush()
			out = append(out, strings.TrimSpace(sent[:chunkCharBudget]))
			sent = sent[chunkCharBudget:]
		}
		if strings.TrimSpace(sent) == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(sent)+1 > chunkCharBudget {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(strings.TrimSpace(sent))
	}
	flush()
	return out
}

// splitSentences cuts on sentence-final punctuation followed by a
// space. Good enough for prose; code blocks just become long
// "sentences" and fall through to the hard split.
func splitSentences(p string) []string {
	var out []string
	start := 0
	for i := 0; i < len(p)-1; i++ {
		if (p[i] == '.' || p[i] == '!' || p[i] == '?') && (p[i+1] == ' ' || p[i+1] == '\n') {
			out = append(out, p[start:i+1])
			start = i + 1
		}
	}
	if start < len(p) {
		out = append(out, p[start:])
	}
	return out
}

// EstimateTokens is the rough token count used for budget checks.
func EstimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}
