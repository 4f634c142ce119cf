package normalize

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var sectionTitles = map[string]bool{
	"response":       true,
	"answer":         true,
	"final response": true,
	"final answer":   true,
}

var md = goldmark.New()

// markdownSection returns the body under a "Response" or "Answer" heading,
// up to the next heading of the same or higher level.
func markdownSection(src string) (string, bool) {
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || !sectionTitles[headingTitle(h, source)] {
			continue
		}
		var parts []string
		for s := h.NextSibling(); s != nil; s = s.NextSibling() {
			if next, ok := s.(*ast.Heading); ok && next.Level <= h.Level {
				break
			}
			if t := strings.TrimSpace(blockText(s, source)); t != "" {
				parts = append(parts, t)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n\n"), true
		}
	}
	return "", false
}

func headingTitle(h *ast.Heading, source []byte) string {
	title := strings.ToLower(strings.TrimSpace(linesText(h, source)))
	title = strings.Trim(title, "*_: ")
	return title
}

func linesText(n ast.Node, source []byte) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	return b.String()
}

// blockText flattens a block node. Leaf blocks carry their own lines;
// containers (lists, quotes) are walked child by child.
func blockText(n ast.Node, source []byte) string {
	if n.Type() == ast.TypeBlock && n.Lines().Len() > 0 {
		return linesText(n, source)
	}
	var parts []string
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t := strings.TrimSpace(blockText(c, source)); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}
