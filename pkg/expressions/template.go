package expressions

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholder matches {{ expression }}
var placeholder = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// Template fills {{ expression }} placeholders in probe urls and headers from credential fields
type Template struct {
	evaluator *Evaluator
}

func NewTemplate(evaluator *Evaluator) *Template {
	return &Template{evaluator: evaluator}
}

// Render substitutes every placeholder. On the first failing expression the rendering stops and
// the error is returned.
func (t *Template) Render(text string, data any) (string, error) {
	matches := placeholder.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		expression := text[m[2]:m[3]]
		value, err := t.evaluator.EvaluateString(expression, data)
		if err != nil {
			return text, fmt.Errorf("failed to render %q: %w", expression, err)
		}
		b.WriteString(text[last:m[0]])
		b.WriteString(value)
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

// RenderMap renders each value of input into a new map
func (t *Template) RenderMap(input map[string]string, data any) (map[string]string, error) {
	out := make(map[string]string, len(input))
	for key, value := range input {
		rendered, err := t.Render(value, data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = rendered
	}
	return out, nil
}

// ExtractExpressions lists the placeholder expressions of text in order
func ExtractExpressions(text string) []string {
	var out []string
	for _, m := range placeholder.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}
