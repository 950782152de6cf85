package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rendis/cadenza/internal/aggregate"
	"github.com/rendis/cadenza/internal/engine"
	"github.com/rendis/cadenza/internal/expressions"
	"github.com/rendis/cadenza/internal/functions"
	"github.com/rendis/cadenza/internal/logging"
	"github.com/rendis/cadenza/internal/metrics"
	"github.com/rendis/cadenza/internal/store"
	"github.com/rendis/cadenza/pkg/schema"
)

// DefaultPoolSize is the default number of instances run concurrently.
const DefaultPoolSize = 10

// journalRetry bounds optimistic-concurrency retries when journaling; parallel
// actions of one instance contend for the same stream.
var journalRetry = engine.RetryPolicy{MaxRetries: 10, BaseDelay: 5 * time.Millisecond, MaxDelay: 200 * time.Millisecond}

// Definitions resolves workflow definitions by "id[:version]" reference.
type Definitions interface {
	Get(ctx context.Context, ref string) (*schema.WorkflowDefinition, error)
}

// FinishedFunc is called after an instance reached a terminal status.
type FinishedFunc func(ctx context.Context, w *aggregate.WorkflowInstance)

// RunnerConfig holds configuration for the runner.
type RunnerConfig struct {
	PoolSize int
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Runner is the instance-level observer: it drives running instances from
// state to state, journals every activity into the instance aggregate and
// completes or faults the instance at the end of its path.
type Runner struct {
	store   store.Store
	defs    Definitions
	exprs   *expressions.Provider
	funcs   functions.Invoker
	pool    *engine.WorkerPool
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	runs       map[string]*activeRun
	onFinished FinishedFunc
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a runner with its own worker pool.
func NewRunner(s store.Store, defs Definitions, exprs *expressions.Provider, funcs functions.Invoker, cfg RunnerConfig) *Runner {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:   s,
		defs:    defs,
		exprs:   exprs,
		funcs:   funcs,
		pool:    engine.NewWorkerPool("instances", cfg.PoolSize, cfg.Logger),
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*activeRun),
	}
}

// OnFinished sets the hook called when an instance finishes.
func (r *Runner) OnFinished(fn FinishedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFinished = fn
}

// Run schedules the running instance for execution on the pool. A run
// already in progress for the instance is left alone. ctx bounds only the
// wait for a free worker.
func (r *Runner) Run(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	if _, ok := r.runs[instanceID]; ok {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(r.ctx)
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	r.runs[instanceID] = ar
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.runs, instanceID)
		r.mu.Unlock()
		cancel()
		close(ar.done)
	}

	err := r.pool.Submit(ctx, func(context.Context) error {
		defer release()
		return r.execute(runCtx, instanceID)
	})
	if err != nil {
		release()
		return err
	}
	return nil
}

// Stop cancels the run of an instance and waits for it to exit or for ctx.
// The abandoned activity stays non-terminal and is re-run on resume.
func (r *Runner) Stop(ctx context.Context, instanceID string) bool {
	r.mu.Lock()
	ar, ok := r.runs[instanceID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	ar.cancel()
	select {
	case <-ar.done:
	case <-ctx.Done():
	}
	return true
}

// Wait blocks until the run of instanceID exits, or ctx is done.
func (r *Runner) Wait(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	ar, ok := r.runs[instanceID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a run is in progress for instanceID.
func (r *Runner) Running(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[instanceID]
	return ok
}

// Recover restarts every instance persisted as running, typically after a
// process restart. It returns the number of runs scheduled.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	recs, err := r.store.ListInstances(ctx, store.InstanceFilter{
		Statuses: []schema.InstanceStatus{schema.InstanceStatusRunning},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if err := r.Run(ctx, rec.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "recovered running instances", slog.Int("count", n))
	}
	return n, nil
}

// Shutdown cancels every run and waits for the pool to drain.
func (r *Runner) Shutdown() {
	r.cancel()
	r.pool.Shutdown()
}

type step struct {
	start bool
	state string
	input any
}

type outcome struct {
	output any
	err    error
}

func (r *Runner) execute(ctx context.Context, id string) error {
	ctx = logging.WithInstanceID(ctx, id)
	logger := logging.LogWith(ctx, r.logger)

	w, err := r.instances().Find(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != schema.InstanceStatusRunning {
		logger.DebugContext(ctx, "instance is not running", slog.String("status", string(w.Status)))
		return nil
	}

	def, err := r.defs.Get(ctx, w.WorkflowID)
	if err != nil {
		return r.finish(ctx, id, outcome{err: err})
	}
	ev, err := r.exprs.Get(def.ExpressionLang)
	if err != nil {
		return r.finish(ctx, id, outcome{err: err})
	}

	var last *Signal
	sink := SinkFunc(func(_ context.Context, sig Signal) error {
		last = &sig
		return nil
	})
	rc := &Context{
		InstanceID: id,
		Definition: def,
		Evaluator:  ev,
		Functions:  r.funcs,
		Journal:    &journal{runner: r, instanceID: id},
		Clock:      r.clock,
		Logger:     r.logger,
		Metrics:    r.metrics,
	}

	cur, out := resumeFrom(w)
	for cur != nil {
		var p Processor
		if cur.start {
			p = NewStartProcessor(rc, sink, cur.input)
		} else {
			state, ok := def.State(cur.state)
			if !ok {
				return r.finish(ctx, id, outcome{err: schema.NewErrorf(schema.ErrCodeValidation, "state %q is not defined", cur.state)})
			}
			if p, err = NewStateProcessor(rc, sink, state, cur.input); err != nil {
				return r.finish(ctx, id, outcome{err: err})
			}
		}

		last = nil
		if err := rc.Execute(ctx, p); err != nil {
			return r.interrupted(ctx, logger, err)
		}
		if last == nil {
			return r.interrupted(ctx, logger, ctx.Err())
		}

		logger.DebugContext(ctx, "activity settled",
			slog.String("name", p.Activity().Name),
			slog.String("status", string(last.Status)))

		switch {
		case last.Status == schema.ActivityStatusFaulted:
			cur, out = nil, &outcome{err: last.Err}
		case last.Status == schema.ActivityStatusCompleted && last.Next != "":
			cur = &step{state: last.Next, input: last.Output}
		default:
			cur, out = nil, &outcome{output: last.Output}
		}
	}
	return r.finish(ctx, id, *out)
}

// resumeFrom picks up where the journal of top-level activities ends.
func resumeFrom(w *aggregate.WorkflowInstance) (*step, *outcome) {
	var last *aggregate.ActivityRecord
	for i := range w.Activities {
		if w.Activities[i].ParentID == "" {
			last = &w.Activities[i]
		}
	}
	if last == nil {
		return &step{start: true, input: w.InputData}, nil
	}
	switch last.Status {
	case schema.ActivityStatusCompleted:
		if last.Next == "" {
			return nil, &outcome{output: last.Output}
		}
		return &step{state: last.Next, input: last.Output}, nil
	case schema.ActivityStatusFaulted:
		return nil, &outcome{err: faultError(last.Error)}
	case schema.ActivityStatusSkipped:
		return nil, &outcome{output: last.Input}
	default:
		if last.Type == schema.ActivityTypeStart {
			return &step{start: true, input: last.Input}, nil
		}
		return &step{state: last.Name, input: last.Input}, nil
	}
}

func faultError(f *aggregate.Fault) error {
	if f == nil {
		return schema.NewError(schema.ErrCodeProcessorFault, "activity faulted")
	}
	return schema.NewError(f.Code, f.Message)
}

// interrupted classifies an error that ended a run early. Cancellation and
// an instance that left the running status end the run quietly.
func (r *Runner) interrupted(ctx context.Context, logger *slog.Logger, err error) error {
	if ctx.Err() != nil {
		logger.InfoContext(ctx, "run stopped")
		return nil
	}
	if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
		logger.InfoContext(ctx, "instance left running status", slog.String("reason", err.Error()))
		return nil
	}
	logger.ErrorContext(ctx, "run interrupted", slog.String("error", err.Error()))
	return err
}

func (r *Runner) finish(ctx context.Context, id string, out outcome) error {
	w, err := r.mutate(ctx, id, func(w *aggregate.WorkflowInstance, now time.Time) error {
		if out.err != nil {
			return w.Fault(now, out.err)
		}
		return w.Complete(now, out.output)
	})
	if err != nil {
		return r.interrupted(ctx, logging.LogWith(ctx, r.logger), err)
	}

	r.metrics.InstanceFinished(string(w.Status))
	attrs := []any{slog.String("status", string(w.Status))}
	if out.err != nil {
		attrs = append(attrs, slog.String("error", out.err.Error()))
	}
	logging.LogWith(ctx, r.logger).InfoContext(ctx, "instance finished", attrs...)

	r.mu.Lock()
	hook := r.onFinished
	r.mu.Unlock()
	if hook != nil {
		hook(ctx, w)
	}
	return nil
}

func (r *Runner) instances() *store.Repository[*aggregate.WorkflowInstance] {
	return store.NewRepository[*aggregate.WorkflowInstance](r.store, aggregate.TypeInstance)
}

// mutate loads the instance, applies fn and saves it, reloading and
// reapplying on version conflicts.
func (r *Runner) mutate(ctx context.Context, id string, fn func(w *aggregate.WorkflowInstance, now time.Time) error) (*aggregate.WorkflowInstance, error) {
	var out *aggregate.WorkflowInstance
	err := engine.Retry(ctx, journalRetry, func(ctx context.Context) error {
		repo := r.instances()
		w, err := repo.Find(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(w, r.clock.Now()); err != nil {
			return err
		}
		if err := repo.Update(ctx, w); err != nil {
			return err
		}
		if err := repo.SaveChanges(ctx); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

// journal records activities of one instance run.
type journal struct {
	runner     *Runner
	instanceID string
}

func (j *journal) ActivityCreated(ctx context.Context, a *Activity) error {
	_, err := j.runner.mutate(ctx, j.instanceID, func(w *aggregate.WorkflowInstance, now time.Time) error {
		return w.CreateActivity(now, aggregate.ActivityCreated{
			ActivityID: a.ID,
			ParentID:   a.ParentID,
			Type:       a.Type,
			Name:       a.Name,
			Input:      a.Input,
		})
	})
	return err
}

func (j *journal) ActivitySettled(ctx context.Context, a *Activity) error {
	_, err := j.runner.mutate(ctx, j.instanceID, func(w *aggregate.WorkflowInstance, now time.Time) error {
		switch a.Status() {
		case schema.ActivityStatusCompleted:
			return w.CompleteActivity(now, a.ID, a.Output, a.Next)
		case schema.ActivityStatusSkipped:
			return w.SkipActivity(now, a.ID)
		default:
			return w.FaultActivity(now, a.ID, a.Err)
		}
	})
	return err
}
