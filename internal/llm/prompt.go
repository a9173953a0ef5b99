package llm

import (
	"strings"
)

// BuildSystemPrompt composes the system message: the allowed labels and the
// output rules.
func BuildSystemPrompt(req TagRequest) string {
	var labelLine string
	if len(req.Labels) > 0 {
		labelLine = "Every entity 'label' MUST be exactly one of: " + strings.Join(req.Labels, ", ") + ". " +
			"Use MISC for names that fit no other label."
	} else {
		labelLine = "Each 'label' is a short upper-case category such as PERSON, ORG, GPE, DATE or MONEY."
	}

	parts := []string{
		"You are a named-entity recognizer. Return ONLY JSON that matches the provided JSON Schema.",
		labelLine,
		"Copy each entity's 'text' exactly as it appears in the document, character for character.",
		"List an entity once even if it appears many times.",
		"Do not invent entities that are not in the text. Never output null.",
		"If there are no entities, return {\"entities\": []}.",
	}
	return strings.Join(parts, " ")
}

func BuildUserPrompt(req TagRequest) string {
	var b strings.Builder
	if h := strings.TrimSpace(req.Hint); h != "" {
		b.WriteString("Document: ")
		b.WriteString(h)
		b.WriteString("\n\n")
	}
	b.WriteString("Text:\n")
	b.WriteString(req.Text)
	return b.String()
}

// Chunk is a slice of a larger text. Offset is the code-point offset of the
// chunk's first character in the full text.
type Chunk struct {
	Text   string
	Offset int
}

// ChunkText splits text into pieces of at most maxRunes code points, breaking
// at the last blank line, newline or space inside the window when there is one.
func ChunkText(text string, maxRunes int) []Chunk {
	rs := []rune(text)
	if maxRunes <= 0 || len(rs) <= maxRunes {
		return []Chunk{{Text: text}}
	}
	var out []Chunk
	start := 0
	for start < len(rs) {
		end := start + maxRunes
		if end >= len(rs) {
			out = append(out, Chunk{Text: string(rs[start:]), Offset: start})
			break
		}
		end = breakPoint(rs, start, end)
		out = append(out, Chunk{Text: string(rs[start:end]), Offset: start})
		start = end
	}
	return out
}

func breakPoint(rs []rune, start, end int) int {
	floor := start + (end-start)/2
	for i := end - 1; i > floor; i-- {
		if rs[i] == '\n' && rs[i-1] == '\n' {
			return i + 1
		}
	}
	for i := end - 1; i > floor; i-- {
		if rs[i] == '\n' {
			return i + 1
		}
	}
	for i := end - 1; i > floor; i-- {
		if rs[i] == ' ' || rs[i] == '\t' {
			return i + 1
		}
	}
	return end
}
