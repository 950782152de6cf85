package functions

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rendis/cadenza/pkg/schema"
)

// CustomFunctions holds Go functions addressed by a custom function's
// operation (or its name when the operation is empty).
type CustomFunctions struct {
	mu    sync.RWMutex
	funcs map[string]GoFunc
}

// NewCustomFunctions creates an empty set of custom functions.
func NewCustomFunctions() *CustomFunctions {
	return &CustomFunctions{funcs: make(map[string]GoFunc)}
}

// Register binds fn to operation. Returns error on a duplicate operation.
func (c *CustomFunctions) Register(operation string, fn GoFunc) error {
	if operation == "" || fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "custom function needs an operation and an implementation")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.funcs[operation]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "custom function %q already registered", operation)
	}
	c.funcs[operation] = fn
	return nil
}

// Operations lists the registered operations.
func (c *CustomFunctions) Operations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ops := make([]string, 0, len(c.funcs))
	for op := range c.funcs {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (c *CustomFunctions) Type() schema.FunctionType { return schema.FunctionTypeCustom }

func (c *CustomFunctions) Invoke(ctx context.Context, call Call) (any, error) {
	op := call.Function.Operation
	if op == "" {
		op = call.Function.Name
	}
	c.mu.RLock()
	fn, ok := c.funcs[op]
	c.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "custom function %q not registered", op)
	}
	return fn(ctx, call.Arguments, call.Input)
}

// asFault wraps a non-structured failure of function name as a processor
// fault. Cancellation is passed through untouched.
func asFault(name string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ce *schema.CadenzaError
	if errors.As(err, &ce) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeProcessorFault, "function %s: %v", name, err).WithCause(err)
}
