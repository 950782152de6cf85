package runtime

import (
	"context"

	"github.com/rendis/cadenza/pkg/schema"
)

// StartProcessor is the entry point of an instance. It forwards the instance
// input unchanged and selects the start state.
type StartProcessor struct {
	base
}

// NewStartProcessor creates the start activity of an instance.
func NewStartProcessor(rc *Context, parent Sink, input any) *StartProcessor {
	return &StartProcessor{base: base{
		rc:       rc,
		activity: rc.newActivity("", schema.ActivityTypeStart, "start", input),
		parent:   parent,
	}}
}

func (p *StartProcessor) Process(ctx context.Context) error {
	return p.OnNext(ctx, Completed(p.activity, p.activity.Input, p.rc.Definition.StartStateName()))
}
