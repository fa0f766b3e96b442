package expressions

import (
	"context"
	"fmt"

	"github.com/371-Minds/credvault/pkg/schema"
)

// Engine evaluates expressions against a data map.
// Three implementations: CEL (access rules), Expr (audit filters), GoJQ (output shaping).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates expression with e and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q must evaluate to bool, got %s", e.Name(), expression, fmt.Sprintf("%T", out)).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}
