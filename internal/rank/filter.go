package rank

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled CEL predicate over a ranking candidate. Expressions
// see two variables: label (string) and score (double), for example
// `score > 0.5 && !label.startsWith("background")`.
type Filter struct {
	expr string
	prg  cel.Program
}

// NewFilter compiles expr. An empty expression yields a nil filter, which
// keeps everything.
func NewFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("label", cel.StringType),
		cel.Variable("score", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("filter env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &InvalidArgumentError{Arg: "filter", Reason: issues.Err().Error()}
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, &InvalidArgumentError{
			Arg:    "filter",
			Reason: fmt.Sprintf("expression must return bool, got %s", ast.OutputType()),
		}
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("filter program: %w", err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Keep reports whether the candidate passes. A nil filter keeps everything.
func (f *Filter) Keep(label string, score float32) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, _, err := f.prg.Eval(map[string]any{
		"label": label,
		"score": float64(score),
	})
	if err != nil {
		return false, fmt.Errorf("filter %q on %q: %w", f.expr, label, err)
	}
	keep, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q returned %T", f.expr, out.Value())
	}
	return keep, nil
}
