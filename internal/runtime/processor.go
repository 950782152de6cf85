package runtime

import (
	"context"
	"errors"

	"github.com/rendis/cadenza/pkg/schema"
)

// Signal is the terminal outcome of an activity, forwarded up the chain.
type Signal struct {
	Activity *Activity
	Status   schema.ActivityStatus
	Output   any
	Next     string // state to run next; empty ends the instance
	Err      error
}

// Completed builds a completion signal.
func Completed(a *Activity, output any, next string) Signal {
	return Signal{Activity: a, Status: schema.ActivityStatusCompleted, Output: output, Next: next}
}

// Skipped builds a skip signal.
func Skipped(a *Activity) Signal {
	return Signal{Activity: a, Status: schema.ActivityStatusSkipped, Output: a.Output}
}

// Faulted builds a fault signal. err is reported as a processor fault unless
// it already carries a code.
func Faulted(a *Activity, err error) Signal {
	return Signal{Activity: a, Status: schema.ActivityStatusFaulted, Err: processorFault(a, err)}
}

// Sink receives signals forwarded by a processor: its parent processor, or
// the instance-level observer for top-level activities.
type Sink interface {
	OnNext(ctx context.Context, sig Signal) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, sig Signal) error

func (f SinkFunc) OnNext(ctx context.Context, sig Signal) error { return f(ctx, sig) }

// Processor executes one activity. Process must end every path with exactly
// one terminal signal passed to OnNext, or by delegating to a child that does.
// OnCompleted runs on every exit path.
type Processor interface {
	Sink
	Activity() *Activity
	Initialize(ctx context.Context) error
	Process(ctx context.Context) error
	OnCompleted(ctx context.Context)
}

// base implements the forwarding shared by all variants.
type base struct {
	rc       *Context
	activity *Activity
	parent   Sink
}

func (b *base) Activity() *Activity                  { return b.activity }
func (b *base) Initialize(ctx context.Context) error { return nil }
func (b *base) OnCompleted(ctx context.Context)      {}

// OnNext settles the own activity, journals it and forwards the signal.
func (b *base) OnNext(ctx context.Context, sig Signal) error {
	return b.forward(ctx, sig)
}

func (b *base) forward(ctx context.Context, sig Signal) error {
	if sig.Activity == b.activity {
		if err := b.activity.settle(sig); err != nil {
			return err
		}
		if b.rc.Journal != nil {
			if err := b.rc.Journal.ActivitySettled(ctx, b.activity); err != nil {
				return err
			}
		}
		b.rc.Metrics.ActivitySettled(string(b.activity.Type), string(sig.Status))
	}
	if b.parent == nil {
		return nil
	}
	return b.parent.OnNext(ctx, sig)
}

func processorFault(a *Activity, err error) error {
	if err == nil {
		return schema.NewError(schema.ErrCodeProcessorFault, "activity faulted").WithActivity(a.ID)
	}
	var ce *schema.CadenzaError
	if errors.As(err, &ce) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeProcessorFault, "%v", err).WithActivity(a.ID).WithCause(err)
}
