package runtime

import (
	"context"

	"github.com/rendis/cadenza/pkg/schema"
)

// InjectProcessor merges the state's data, evaluated as an expression
// object against the current output, into that output. A non-object output
// only passes through when there is nothing to inject.
type InjectProcessor struct {
	stateBase
}

func (p *InjectProcessor) Process(ctx context.Context) error {
	injected, err := p.rc.Evaluator.EvaluateObject(ctx, p.state.Data, p.activity.Output)
	if err != nil {
		return p.OnNext(ctx, Faulted(p.activity, err))
	}
	obj, ok := injected.(map[string]any)
	if !ok && injected != nil {
		return p.OnNext(ctx, Faulted(p.activity,
			schema.NewErrorf(schema.ErrCodeProcessorFault, "inject state %q data is not an object", p.state.Name)))
	}
	current, ok := p.activity.Output.(map[string]any)
	if !ok && p.activity.Output != nil {
		if len(obj) == 0 {
			return p.complete(ctx, p, p.activity.Output, p.transition())
		}
		return p.OnNext(ctx, Faulted(p.activity,
			schema.NewErrorf(schema.ErrCodeProcessorFault, "inject state %q needs object state data, got %T", p.state.Name, p.activity.Output)))
	}
	return p.complete(ctx, p, deepMerge(current, obj), p.transition())
}
