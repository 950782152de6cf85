package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rendis/cadenza/internal/expressions"
	"github.com/rendis/cadenza/internal/functions"
	"github.com/rendis/cadenza/internal/logging"
	"github.com/rendis/cadenza/internal/metrics"
	"github.com/rendis/cadenza/pkg/schema"
)

// Journal records the lifecycle of activities for an instance.
type Journal interface {
	ActivityCreated(ctx context.Context, a *Activity) error
	ActivitySettled(ctx context.Context, a *Activity) error
}

// Context carries the capabilities every processor of one instance run
// shares. Cancellation travels separately in the context.Context.
type Context struct {
	InstanceID string
	Definition *schema.WorkflowDefinition
	Evaluator  *expressions.Evaluator
	Functions  functions.Invoker
	Journal    Journal
	Clock      clockwork.Clock
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

func (c *Context) clock() clockwork.Clock {
	if c.Clock == nil {
		return clockwork.NewRealClock()
	}
	return c.Clock
}

func (c *Context) logger(ctx context.Context) *slog.Logger {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}
	return logging.LogWith(ctx, l)
}

// sleep waits for d on the context clock. It returns ctx.Err() when
// cancelled first.
func (c *Context) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := c.clock().NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Context) newActivity(parentID string, typ schema.ActivityType, name string, input any) *Activity {
	return NewActivity(uuid.NewString(), parentID, typ, name, input)
}

// Execute drives p through its lifecycle: journal creation, Initialize,
// Process, and always OnCompleted. A processor that returns without a
// terminal signal is faulted, unless the run was cancelled: a cancelled
// activity is abandoned and emits nothing.
func (c *Context) Execute(ctx context.Context, p Processor) error {
	defer p.OnCompleted(ctx)

	a := p.Activity()
	ctx = logging.WithActivityID(ctx, a.ID)
	if c.Journal != nil {
		if err := c.Journal.ActivityCreated(ctx, a); err != nil {
			return err
		}
	}

	if err := a.fire(triggerInitialize); err != nil {
		return err
	}
	if err := p.Initialize(ctx); err != nil {
		if cancelled(ctx, err) {
			return ctx.Err()
		}
		return p.OnNext(ctx, Faulted(a, err))
	}

	if err := a.fire(triggerProcess); err != nil {
		return err
	}
	err := p.Process(ctx)
	switch {
	case cancelled(ctx, err):
		c.logger(ctx).DebugContext(ctx, "activity abandoned", slog.String("name", a.Name))
		return ctx.Err()
	case a.Status().Terminal():
		return err
	case err != nil:
		return p.OnNext(ctx, Faulted(a, err))
	default:
		return p.OnNext(ctx, Faulted(a, schema.NewError(schema.ErrCodeProcessorFault, "processor returned without a terminal signal")))
	}
}

func cancelled(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return err != nil && errors.Is(err, context.Canceled)
}
