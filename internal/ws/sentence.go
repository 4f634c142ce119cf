package ws

import "strings"

// sentenceBuffer collects streamed reply tokens and releases whole sentences
// so clients can render or speak them before the reply is finished.
type sentenceBuffer struct {
	buf strings.Builder
}

// Add appends a token and returns every sentence it completed, or "".
func (s *sentenceBuffer) Add(token string) string {
	s.buf.WriteString(token)
	complete, rest := splitAtSentence(s.buf.String())
	if complete == "" {
		return ""
	}
	s.buf.Reset()
	s.buf.WriteString(rest)
	return complete
}

// Flush returns whatever is left, trimmed.
func (s *sentenceBuffer) Flush() string {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return text
}

// splitAtSentence cuts text after the last [.!?] that is followed by
// whitespace.
func splitAtSentence(text string) (string, string) {
	last := -1
	for i := range len(text) - 1 {
		switch text[i] {
		case '.', '!', '?':
			if c := text[i+1]; c == ' ' || c == '\n' || c == '\t' {
				last = i + 1
			}
		}
	}
	if last < 0 {
		return "", text
	}
	return strings.TrimSpace(text[:last]), text[last:]
}
