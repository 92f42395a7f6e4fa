package textutil

import (
	"regexp"
	"strings"
)

// The embedding model truncates around 256 tokens, so the highest-signal
// fields are front-loaded: title, tags, outcome, command, then body.
const embedBodyLimit = 800

var (
	outcomeSectionRe = regexp.MustCompile(`(?is)##\s*OUTCOME\s*\n(.*?)(\n##|\z)`)
	commandLineRe    = regexp.MustCompile(`(?im)^\s*Command:\s*(.+)$`)
)

// ExtractOutcome returns the body of the first "## OUTCOME" section, or "".
func ExtractOutcome(content string) string {
	m := outcomeSectionRe.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ExtractCommand returns the first "Command:" line's value, or "".
func ExtractCommand(content string) string {
	m := commandLineRe.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// EmbeddingInput builds the front-loaded text passed to the embedding model.
func EmbeddingInput(title string, tags []string, content string) string {
	var b strings.Builder
	b.WriteString("TITLE: ")
	b.WriteString(title)
	b.WriteByte('\n')
	if len(tags) > 0 {
		b.WriteString("TAGS: ")
		b.WriteString(strings.Join(tags, ", "))
		b.WriteByte('\n')
	}
	if outcome := ExtractOutcome(content); outcome != "" {
		b.WriteString("OUTCOME: ")
		b.WriteString(firstLine(outcome))
		b.WriteByte('\n')
	}
	if cmd := ExtractCommand(content); cmd != "" {
		b.WriteString("CMD: ")
		b.WriteString(cmd)
		b.WriteByte('\n')
	}
	body := content
	if len(body) > embedBodyLimit {
		body = body[:embedBodyLimit]
	}
	b.WriteString(body)
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
