package functions

import (
	"context"

	"github.com/rendis/cadenza/pkg/schema"
)

// Function performs the effect of every workflow function of one type.
type Function interface {
	Type() schema.FunctionType
	Invoke(ctx context.Context, call Call) (any, error)
}

// Invoker runs the function referenced by an action.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (any, error)
}

// Call is a single function invocation.
type Call struct {
	Function  schema.FunctionDefinition
	Arguments map[string]any // already evaluated against the state data
	Input     any            // state data seen by the action
}

// Info is a summary of a registered function type for listing.
type Info struct {
	Type        schema.FunctionType `json:"type"`
	Description string              `json:"description,omitempty"`
}

// GoFunc is an embedder-provided implementation of a custom function.
type GoFunc func(ctx context.Context, args map[string]any, input any) (any, error)
