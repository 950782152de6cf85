// Package commands implements the write side of the runtime: every change to
// a schedule or workflow instance goes through a Service method that loads
// the aggregate, applies a mutator and saves the new events.
package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rendis/cadenza/internal/aggregate"
	"github.com/rendis/cadenza/internal/engine"
	"github.com/rendis/cadenza/internal/expressions"
	"github.com/rendis/cadenza/internal/store"
	"github.com/rendis/cadenza/pkg/schema"
)

// maxIDAttempts bounds id regeneration when a random id is already taken.
const maxIDAttempts = 5

// Definitions resolves workflow definitions.
type Definitions interface {
	Get(ctx context.Context, ref string) (*schema.WorkflowDefinition, error)
	Latest() []*schema.WorkflowDefinition
}

// Runner executes running instances.
type Runner interface {
	Run(ctx context.Context, instanceID string) error
	Stop(ctx context.Context, instanceID string) bool
}

// Timers arms and disarms schedules in the trigger engine.
type Timers interface {
	Schedule(scheduleID string, at time.Time)
	Unschedule(scheduleID string)
}

// InputValidator checks instance input against a definition's data input
// schema.
type InputValidator interface {
	ValidateInput(input any, inputSchema map[string]any) error
}

// Deps holds the collaborators of a Service. Runner, Timers and Validator
// are optional.
type Deps struct {
	Store       store.Store
	Definitions Definitions
	Expressions *expressions.Provider
	Runner      Runner
	Timers      Timers
	Validator   InputValidator
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Retry       engine.RetryPolicy
}

// Service dispatches schedule and instance commands.
type Service struct {
	store     store.Store
	defs      Definitions
	exprs     *expressions.Provider
	runner    Runner
	timers    Timers
	validator InputValidator
	clock     clockwork.Clock
	logger    *slog.Logger
	retry     engine.RetryPolicy
}

// NewService creates a command service.
func NewService(d Deps) (*Service, error) {
	if d.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "commands: store is required")
	}
	if d.Definitions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "commands: definitions are required")
	}
	if d.Expressions == nil {
		exprs, err := expressions.NewProvider("")
		if err != nil {
			return nil, err
		}
		d.Expressions = exprs
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Retry.MaxRetries == 0 {
		d.Retry = engine.DefaultRetryPolicy
	}
	return &Service{
		store:     d.Store,
		defs:      d.Definitions,
		exprs:     d.Expressions,
		runner:    d.Runner,
		timers:    d.Timers,
		validator: d.Validator,
		clock:     d.Clock,
		logger:    d.Logger,
		retry:     d.Retry,
	}, nil
}

func (s *Service) schedules() *store.Repository[*aggregate.Schedule] {
	return store.NewRepository[*aggregate.Schedule](s.store, aggregate.TypeSchedule)
}

func (s *Service) instances() *store.Repository[*aggregate.WorkflowInstance] {
	return store.NewRepository[*aggregate.WorkflowInstance](s.store, aggregate.TypeInstance)
}

// update loads an aggregate, applies fn and saves it. Conflicts reload and
// retry.
func update[A aggregate.Aggregate](ctx context.Context, s *Service, repo func() *store.Repository[A], id string, fn func(a A, now time.Time) error) (A, error) {
	var out A
	err := engine.Retry(ctx, s.retry, func(ctx context.Context) error {
		r := repo()
		a, err := r.Find(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(a, s.clock.Now()); err != nil {
			return err
		}
		if err := r.Update(ctx, a); err != nil {
			return err
		}
		if err := r.SaveChanges(ctx); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// GetSchedule loads a schedule.
func (s *Service) GetSchedule(ctx context.Context, id string) (*aggregate.Schedule, error) {
	return s.schedules().Find(ctx, id)
}

// GetWorkflowInstance loads a workflow instance.
func (s *Service) GetWorkflowInstance(ctx context.Context, id string) (*aggregate.WorkflowInstance, error) {
	return s.instances().Find(ctx, id)
}
