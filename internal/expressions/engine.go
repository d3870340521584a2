package expressions

import (
	"context"

	"github.com/rendis/chainops/pkg/schema"
)

// Engine evaluates expressions against a data map.
// Three implementations: CEL (step conditions), GoJQ (output transforms), Expr (trigger predicates).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvalBool evaluates expression and requires a boolean result.
func EvalBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s expression %q returned %T, want bool", e.Name(), expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}
