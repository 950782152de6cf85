package functions

import (
	"context"
	"maps"

	"github.com/rendis/cadenza/internal/expressions"
	"github.com/rendis/cadenza/pkg/schema"
)

// ExpressionFunction evaluates the function operation as an expression.
// The language comes from the "lang" metadata entry.
type ExpressionFunction struct {
	provider *expressions.Provider
}

// NewExpressionFunction creates an expression function backed by provider.
func NewExpressionFunction(provider *expressions.Provider) *ExpressionFunction {
	return &ExpressionFunction{provider: provider}
}

func (f *ExpressionFunction) Type() schema.FunctionType { return schema.FunctionTypeExpression }

// Invoke evaluates the operation against the input. Arguments are overlaid
// on an object input, or replace a non-object input entirely.
func (f *ExpressionFunction) Invoke(ctx context.Context, call Call) (any, error) {
	if f.provider == nil {
		return nil, schema.NewError(schema.ErrCodeProcessorFault, "expression functions are not configured")
	}
	ev, err := f.provider.Get(stringParam(call.Function.Metadata, "lang", ""))
	if err != nil {
		return nil, err
	}
	data, err := expressions.Normalize(call.Input)
	if err != nil {
		return nil, err
	}
	if len(call.Arguments) > 0 {
		if obj, ok := data.(map[string]any); ok {
			merged := maps.Clone(obj)
			maps.Copy(merged, call.Arguments)
			data = merged
		} else {
			data = call.Arguments
		}
	}
	return ev.Evaluate(ctx, call.Function.Operation, data)
}
