package runtime

import (
	"context"

	"github.com/rendis/cadenza/pkg/schema"
)

// SwitchProcessor selects the next state from the first data condition that
// holds, or from the default condition.
type SwitchProcessor struct {
	stateBase
}

func (p *SwitchProcessor) Process(ctx context.Context) error {
	data := p.activity.Output
	for _, c := range p.state.DataConditions {
		ok, err := p.rc.Evaluator.EvaluateCondition(ctx, c.Condition, data)
		if err != nil {
			return p.OnNext(ctx, Faulted(p.activity, err))
		}
		if ok {
			return p.complete(ctx, p, data, nextOf(c.Transition, c.End))
		}
	}
	if d := p.state.DefaultCondition; d != nil {
		return p.complete(ctx, p, data, nextOf(d.Transition, d.End))
	}
	return p.OnNext(ctx, Faulted(p.activity,
		schema.NewErrorf(schema.ErrCodeProcessorFault, "switch state %q: no condition matched", p.state.Name)))
}

func nextOf(transition string, end bool) string {
	if end {
		return ""
	}
	return transition
}
