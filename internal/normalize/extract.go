package normalize

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/pretty"
)

// IsValidJSON reports whether text is syntactically valid JSON.
func IsValidJSON(text string) bool {
	return gjson.Valid(text)
}

// ExtractAndValidateJSON finds the first balanced JSON object or array in
// text that parses, after light repairs, and returns it compacted. The
// boolean is false when nothing in text can be made to parse; that is an
// ordinary outcome, not an error.
func ExtractAndValidateJSON(text string) (string, bool) {
	normalized := normalizeWhitespace(text)
	for _, cand := range balancedCandidates(normalized) {
		stripped := string(jsonc.ToJSON([]byte(cand)))
		for _, attempt := range []string{cand, stripped, repair(stripped)} {
			if gjson.Valid(attempt) {
				return string(pretty.Ugly([]byte(attempt))), true
			}
		}
	}
	return "", false
}

var quoteReplacer = strings.NewReplacer(
	"\r\n", "\n",
	"\r", "\n",
	" ", " ",
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

func normalizeWhitespace(text string) string {
	return strings.TrimSpace(quoteReplacer.Replace(text))
}

// balancedCandidates returns every outermost {...} or [...] span whose
// brackets balance, skipping brackets inside double-quoted strings.
func balancedCandidates(text string) []string {
	var out []string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		if end := matchBracket(text, i); end > i {
			out = append(out, text[i:end+1])
			i = end
		}
	}
	return out
}

func matchBracket(text string, start int) int {
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

var (
	singleQuoted  = regexp.MustCompile(`([{\[,:]\s*)'([^'"\\]*)'`)
	bareKey       = regexp.MustCompile(`([{,]\s*)([A-Za-z_$][A-Za-z0-9_$\-]*)\s*:`)
	bareValue     = regexp.MustCompile(`(:\s*)([A-Za-z_][^,}\]\n"]*?)(\s*[,}\]\n])`)
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

var jsonLiterals = map[string]bool{"true": true, "false": true, "null": true}

// repair applies the usual fixes for hand-written or model-written JSON:
// single quotes, unquoted keys, unquoted scalar values, trailing commas.
// It can produce valid JSON that differs from what the author meant.
func repair(s string) string {
	s = singleQuoted.ReplaceAllString(s, `$1"$2"`)
	s = bareKey.ReplaceAllString(s, `$1"$2":`)
	s = bareValue.ReplaceAllStringFunc(s, func(m string) string {
		g := bareValue.FindStringSubmatch(m)
		value := strings.TrimSpace(g[2])
		if jsonLiterals[value] {
			return m
		}
		return g[1] + `"` + value + `"` + g[3]
	})
	return trailingComma.ReplaceAllString(s, "$1")
}
