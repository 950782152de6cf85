package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rendis/cadenza/internal/aggregate"
	"github.com/rendis/cadenza/internal/engine"
	"github.com/rendis/cadenza/internal/logging"
	"github.com/rendis/cadenza/internal/metrics"
	"github.com/rendis/cadenza/internal/store"
	"github.com/rendis/cadenza/pkg/schema"
)

// DefaultPoolSize is the default number of schedule fires run concurrently.
const DefaultPoolSize = 4

// FireFunc executes the trigger intent of a due schedule. dueAt is the time
// the schedule was armed for. It returns the schedule as loaded, or nil when
// it could not be loaded.
type FireFunc func(ctx context.Context, scheduleID string, dueAt time.Time) (*aggregate.Schedule, error)

// Armed describes one armed schedule.
type Armed struct {
	ScheduleID string    `json:"schedule_id"`
	At         time.Time `json:"at"`
}

// Config holds configuration for the trigger engine.
type Config struct {
	PoolSize int
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Retry    engine.RetryPolicy
}

type opKind int

const (
	opArm opKind = iota
	opDisarm
	opSnapshot
)

type op struct {
	kind  opKind
	id    string
	at    time.Time
	reply chan []Armed
}

// Engine arms schedules at their next occurrence and fires them when due.
// A single loop goroutine owns the timer queue; Schedule and Unschedule only
// send it messages.
type Engine struct {
	store   store.Store
	fire    FireFunc
	pool    *engine.WorkerPool
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	retry   engine.RetryPolicy

	queue *timerQueue
	ops   chan op

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently firing (dedup)
	deferred   map[string]time.Time
}

// New creates a trigger engine. It does nothing until Start.
func New(s store.Store, fire FireFunc, cfg Config) *Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = engine.DefaultRetryPolicy
	}
	return &Engine{
		store:    s,
		fire:     fire,
		pool:     engine.NewWorkerPool("schedules", cfg.PoolSize, cfg.Logger),
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		retry:    cfg.Retry,
		queue:    newTimerQueue(),
		ops:      make(chan op, 64),
		inflight: make(map[string]struct{}),
		deferred: make(map[string]time.Time),
	}
}

// Start arms every active schedule that has a next occurrence and launches
// the loop. Overdue schedules fire on the first iteration.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("trigger engine already started")
	}

	records, err := e.store.ListSchedules(ctx, store.ScheduleFilter{
		Statuses: []schema.ScheduleStatus{schema.ScheduleStatusActive},
	})
	if err != nil {
		return fmt.Errorf("list active schedules: %w", err)
	}
	for _, r := range records {
		if r.NextOccurenceAt != nil {
			e.queue.arm(r.ID, *r.NextOccurenceAt)
		}
	}
	e.metrics.SetArmed(e.queue.Len())

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true

	go e.loop(loopCtx)
	e.logger.Info("trigger engine started", slog.Int("armed", e.queue.Len()))
	return nil
}

// Schedule arms id to fire at at, replacing any existing timer for it.
func (e *Engine) Schedule(id string, at time.Time) {
	e.send(op{kind: opArm, id: id, at: at})
}

// Unschedule disarms id. A fire already in progress is not interrupted.
func (e *Engine) Unschedule(id string) {
	e.inflightMu.Lock()
	delete(e.deferred, id)
	e.inflightMu.Unlock()
	e.send(op{kind: opDisarm, id: id})
}

// Snapshot lists the armed schedules ordered by due time.
func (e *Engine) Snapshot(ctx context.Context) ([]Armed, error) {
	e.mu.Lock()
	if !e.started {
		defer e.mu.Unlock()
		return e.queue.snapshot(), nil
	}
	done := e.done
	e.mu.Unlock()

	reply := make(chan []Armed, 1)
	select {
	case e.ops <- op{kind: opSnapshot, reply: reply}:
	case <-done:
		return nil, fmt.Errorf("trigger engine stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case armed := <-reply:
		return armed, nil
	case <-done:
		return nil, fmt.Errorf("trigger engine stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send applies o directly before Start and hands it to the loop afterwards.
// Messages sent after Stop are dropped.
func (e *Engine) send(o op) {
	e.mu.Lock()
	if !e.started {
		e.apply(o)
		e.mu.Unlock()
		return
	}
	done := e.done
	e.mu.Unlock()

	select {
	case e.ops <- o:
	case <-done:
	}
}

func (e *Engine) apply(o op) {
	switch o.kind {
	case opArm:
		e.queue.arm(o.id, o.at)
		e.logger.Debug("schedule armed", slog.String("schedule_id", o.id), slog.Time("at", o.at))
	case opDisarm:
		if e.queue.disarm(o.id) {
			e.logger.Debug("schedule disarmed", slog.String("schedule_id", o.id))
		}
	case opSnapshot:
		o.reply <- e.queue.snapshot()
		return
	}
	e.metrics.SetArmed(e.queue.Len())
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	for {
		for _, due := range e.queue.popDue(e.clock.Now()) {
			e.dispatch(ctx, due.id, due.at)
		}
		e.metrics.SetArmed(e.queue.Len())

		var (
			timer clockwork.Timer
			wake  <-chan time.Time
		)
		if next, ok := e.queue.peek(); ok {
			timer = e.clock.NewTimer(next.at.Sub(e.clock.Now()))
			wake = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case o := <-e.ops:
			e.apply(o)
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// dispatch submits the fire of id to the pool. A schedule that is already
// firing is deferred and re-armed once the running fire returns.
func (e *Engine) dispatch(ctx context.Context, id string, at time.Time) {
	if !e.tryAcquire(id, at) {
		e.logger.Debug("schedule already firing, deferred", slog.String("schedule_id", id))
		return
	}

	go func() {
		err := e.pool.Submit(ctx, func(ctx context.Context) error {
			defer e.release(id)
			e.execute(ctx, id, at)
			return nil
		})
		if err != nil {
			e.release(id)
		}
	}()
}

func (e *Engine) execute(ctx context.Context, id string, at time.Time) {
	ctx = logging.WithScheduleID(ctx, id)
	logger := logging.LogWith(ctx, e.logger)
	started := e.clock.Now()

	var sch *aggregate.Schedule
	err := engine.Retry(ctx, e.retry, func(ctx context.Context) error {
		var err error
		sch, err = e.fire(ctx, id, at)
		return err
	})

	action := "unknown"
	if sch != nil {
		action = string(sch.ActionType)
	}
	outcome := "ok"
	switch {
	case err == nil:
		logger.Info("schedule fired", slog.String("action", action), slog.Time("due_at", at))
	case schema.IsCode(err, schema.ErrCodeSchedulingFault):
		outcome = "skipped"
		logger.Info("schedule fire skipped", slog.String("reason", err.Error()))
	default:
		outcome = "error"
		logger.Error("schedule fire failed", slog.String("error", err.Error()))
	}
	e.metrics.ScheduleFired(action, outcome, e.clock.Since(started).Seconds())
}

// tryAcquire marks id as firing. If it already is, at is remembered for
// release.
func (e *Engine) tryAcquire(id string, at time.Time) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, ok := e.inflight[id]; ok {
		e.deferred[id] = at
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.inflightMu.Lock()
	delete(e.inflight, id)
	at, ok := e.deferred[id]
	delete(e.deferred, id)
	e.inflightMu.Unlock()

	if ok {
		e.Schedule(id, at)
	}
}

// Stop ends the loop and waits for running fires to finish. Armed timers
// are dropped; the next Start reloads them from the store.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started || e.cancel == nil {
		e.mu.Unlock()
		return
	}
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	<-done
	e.pool.Shutdown()
	e.logger.Info("trigger engine stopped")
}
