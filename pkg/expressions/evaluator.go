package expressions

import (
	"fmt"

	"github.com/jmespath/go-jmespath"
	"github.com/puzpuzpuz/xsync/v4"
)

// Evaluator runs JMESPath expressions against decoded JSON. Probe definitions reuse a handful of
// expressions on every check, so compiled programs are cached by source text.
type Evaluator struct {
	programs *xsync.Map[string, *jmespath.JMESPath]
}

func NewEvaluator() *Evaluator {
	return &Evaluator{programs: xsync.NewMap[string, *jmespath.JMESPath]()}
}

// Validate reports whether expression compiles
func (e *Evaluator) Validate(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Evaluator) Evaluate(expression string, data any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	out, err := program.Search(data)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expression, err)
	}
	return out, nil
}

// EvaluateString formats the result with %v; null renders as ""
func (e *Evaluator) EvaluateString(expression string, data any) (string, error) {
	out, err := e.Evaluate(expression, data)
	if err != nil || out == nil {
		return "", err
	}
	if s, ok := out.(string); ok {
		return s, nil
	}
	return fmt.Sprint(out), nil
}

// EvaluateBool applies JMESPath truthiness to the result: null, false, "", 0 and empty
// collections are false
func (e *Evaluator) EvaluateBool(expression string, data any) (bool, error) {
	out, err := e.Evaluate(expression, data)
	if err != nil {
		return false, err
	}
	return truthy(out), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func (e *Evaluator) compile(expression string) (*jmespath.JMESPath, error) {
	if program, ok := e.programs.Load(expression); ok {
		return program, nil
	}
	program, err := jmespath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}
	e.programs.Store(expression, program)
	return program, nil
}
