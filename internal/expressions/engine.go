package expressions

import "context"

// Engine evaluates a single expression against a data document.
// Three implementations: jq (default), CEL and Expr.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data any) (any, error)
}
