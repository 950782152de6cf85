package store

import (
	"context"

	"github.com/rendis/cadenza/internal/aggregate"
)

// Store defines the persistence layer contract: an append-only event log per
// aggregate plus queryable projections of schedules and instances.
// All implementations must be safe for concurrent use.
type Store interface {
	// Event Sourcing (append-only)

	// Save appends the aggregate's pending events, expecting the stream to be
	// at PersistedVersion, and refreshes its projection in the same write.
	// A stream that moved on fails with schema.ErrCodeConflict. On success the
	// pending events are cleared.
	Save(ctx context.Context, agg aggregate.Aggregate) error
	Load(ctx context.Context, aggregateType, id string) ([]aggregate.Event, error)
	Exists(ctx context.Context, aggregateType, id string) (bool, error)

	// Projections
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*ScheduleRecord, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
