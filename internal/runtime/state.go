package runtime

import (
	"context"

	"github.com/rendis/cadenza/pkg/schema"
)

// stateBase adds state data filters and transitions to base.
type stateBase struct {
	base
	state *schema.StateDefinition
}

// Initialize applies the state input filter to the current output.
func (s *stateBase) Initialize(ctx context.Context) error {
	f := s.state.StateDataFilter
	if f == nil || f.Input == "" {
		return nil
	}
	out, err := s.rc.Evaluator.Evaluate(ctx, f.Input, s.activity.Output)
	if err != nil {
		return err
	}
	s.activity.Output = out
	return nil
}

// transition returns the configured next state, empty when the state ends.
func (s *stateBase) transition() string {
	if s.state.End {
		return ""
	}
	return s.state.Transition
}

// complete applies the state output filter and emits a completion to self.
func (s *stateBase) complete(ctx context.Context, self Sink, output any, next string) error {
	if f := s.state.StateDataFilter; f != nil && f.Output != "" {
		out, err := s.rc.Evaluator.Evaluate(ctx, f.Output, output)
		if err != nil {
			return self.OnNext(ctx, Faulted(s.activity, err))
		}
		output = out
	}
	return self.OnNext(ctx, Completed(s.activity, output, next))
}

// NewStateProcessor builds the processor for a workflow state.
func NewStateProcessor(rc *Context, parent Sink, state *schema.StateDefinition, input any) (Processor, error) {
	sb := stateBase{
		base:  base{rc: rc, parent: parent},
		state: state,
	}
	switch state.Type {
	case schema.StateTypeInject:
		sb.activity = rc.newActivity("", schema.ActivityTypeInject, state.Name, input)
		return &InjectProcessor{stateBase: sb}, nil
	case schema.StateTypeOperation:
		sb.activity = rc.newActivity("", schema.ActivityTypeOperation, state.Name, input)
		return &OperationProcessor{stateBase: sb}, nil
	case schema.StateTypeSwitch:
		sb.activity = rc.newActivity("", schema.ActivityTypeSwitch, state.Name, input)
		return &SwitchProcessor{stateBase: sb}, nil
	case schema.StateTypeSleep:
		sb.activity = rc.newActivity("", schema.ActivityTypeSleep, state.Name, input)
		return &SleepProcessor{stateBase: sb}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "state %q has unsupported type %q", state.Name, state.Type)
	}
}
