package runtime

import (
	"context"
	"fmt"

	"github.com/rendis/cadenza/internal/functions"
	"github.com/rendis/cadenza/pkg/schema"
)

// ActionProcessor runs one action: an optional delay, the guard condition,
// the function effect, then an optional delay before the completion is
// forwarded.
type ActionProcessor struct {
	base
	def *schema.ActionDefinition
}

// NewActionProcessor creates the processor for def. parentID links the
// activity to its enclosing state activity.
func NewActionProcessor(rc *Context, parent Sink, parentID string, def *schema.ActionDefinition, input any) *ActionProcessor {
	name := def.Name
	if name == "" && def.FunctionRef != nil {
		name = def.FunctionRef.RefName
	}
	return &ActionProcessor{
		base: base{
			rc:       rc,
			activity: rc.newActivity(parentID, schema.ActivityTypeAction, name, input),
			parent:   parent,
		},
		def: def,
	}
}

func (p *ActionProcessor) Process(ctx context.Context) error {
	if p.def.Sleep != nil {
		if err := p.rc.sleep(ctx, p.def.Sleep.Before.Std()); err != nil {
			return err
		}
	}

	// The guard sees the current output, which upstream states may have changed.
	current := p.activity.Output
	if p.def.Condition != "" {
		ok, err := p.rc.Evaluator.EvaluateCondition(ctx, p.def.Condition, current)
		if err != nil {
			return p.OnNext(ctx, Faulted(p.activity, err))
		}
		if !ok {
			return p.OnNext(ctx, Skipped(p.activity))
		}
	}

	result, err := p.invoke(ctx, current)
	if err != nil {
		if cancelled(ctx, err) {
			return ctx.Err()
		}
		return p.OnNext(ctx, Faulted(p.activity, err))
	}
	return p.OnNext(ctx, Completed(p.activity, result, ""))
}

// OnNext applies sleep.after to the own completion before forwarding it.
func (p *ActionProcessor) OnNext(ctx context.Context, sig Signal) error {
	if sig.Activity == p.activity && sig.Status == schema.ActivityStatusCompleted && p.def.Sleep != nil {
		if err := p.rc.sleep(ctx, p.def.Sleep.After.Std()); err != nil {
			return err
		}
	}
	return p.forward(ctx, sig)
}

func (p *ActionProcessor) invoke(ctx context.Context, current any) (any, error) {
	ref := p.def.FunctionRef
	if ref == nil {
		return current, nil
	}
	fn, ok := p.rc.Definition.Function(ref.RefName)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "function %q is not declared", ref.RefName)
	}

	var args map[string]any
	if len(ref.Arguments) > 0 {
		evaluated, err := p.rc.Evaluator.EvaluateObject(ctx, ref.Arguments, current)
		if err != nil {
			return nil, err
		}
		m, ok := evaluated.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("arguments of %q evaluated to %T", ref.RefName, evaluated)
		}
		args = m
	}

	if p.rc.Functions == nil {
		return nil, schema.NewError(schema.ErrCodeProcessorFault, "no function invoker configured")
	}
	result, err := p.rc.Functions.Invoke(ctx, functions.Call{Function: *fn, Arguments: args, Input: current})
	if err != nil {
		return nil, err
	}

	if f := p.def.ActionDataFilter; f != nil && f.Results != "" {
		return p.rc.Evaluator.Evaluate(ctx, f.Results, result)
	}
	return result, nil
}
