package functions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/cadenza/internal/expressions"
	"github.com/rendis/cadenza/pkg/schema"
)

// Registry is the thread-safe Invoker that dispatches a call to the Function
// registered for its type.
type Registry struct {
	mu       sync.RWMutex
	funcs    map[schema.FunctionType]Function
	descs    map[schema.FunctionType]string
	breakers *Breakers
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[schema.FunctionType]Function),
		descs: make(map[schema.FunctionType]string),
	}
}

// NewDefaultRegistry registers the rest, expression and custom function types.
func NewDefaultRegistry(cfg RestConfig, provider *expressions.Provider, custom *CustomFunctions) *Registry {
	r := NewRegistry()
	if custom == nil {
		custom = NewCustomFunctions()
	}
	_ = r.Register(NewRestFunction(cfg), "HTTP request against the function operation URL.")
	_ = r.Register(NewExpressionFunction(provider), "Expression evaluated against the state data.")
	_ = r.Register(custom, "Go function registered by the embedder.")
	return r
}

// UseBreakers guards every invocation with the per-function circuits of b.
func (r *Registry) UseBreakers(b *Breakers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = b
}

// Register adds a function type. Returns error on a duplicate type.
func (r *Registry) Register(fn Function, description string) error {
	if fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "function is nil")
	}
	typ := fn.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "function type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "function type %q already registered", typ)
	}
	r.funcs[typ] = fn
	r.descs[typ] = description
	return nil
}

// Get retrieves the function registered for typ. An empty type means rest.
func (r *Registry) Get(typ schema.FunctionType) (Function, error) {
	if typ == "" {
		typ = schema.FunctionTypeRest
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[typ]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "function type %q not registered", typ)
	}
	return fn, nil
}

// Has checks if a function type is registered.
func (r *Registry) Has(typ schema.FunctionType) bool {
	_, err := r.Get(typ)
	return err == nil
}

// List returns info for all registered function types, sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.funcs))
	for typ := range r.funcs {
		infos = append(infos, Info{Type: typ, Description: r.descs[typ]})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Invoke implements Invoker. Failures that are not already a CadenzaError
// are reported as processor faults.
func (r *Registry) Invoke(ctx context.Context, call Call) (any, error) {
	fn, err := r.Get(call.Function.Type)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	breakers := r.breakers
	r.mu.RUnlock()

	if breakers != nil {
		if err := breakers.Allow(call.Function.Name); err != nil {
			return nil, err
		}
	}
	out, err := fn.Invoke(ctx, call)
	if err != nil {
		if breakers != nil && ctx.Err() == nil {
			breakers.Failure(call.Function.Name)
		}
		return nil, asFault(call.Function.Name, err)
	}
	if breakers != nil {
		breakers.Success(call.Function.Name)
	}
	return out, nil
}

var _ Invoker = (*Registry)(nil)
