package store

import (
	"context"
	"sync"

	"github.com/rendis/cadenza/internal/aggregate"
	"github.com/rendis/cadenza/pkg/schema"
)

// Repository is a unit of work over one aggregate type. Added and updated
// aggregates are written by SaveChanges. A Repository is meant to live for a
// single command.
type Repository[A aggregate.Aggregate] struct {
	store Store
	kind  string

	mu      sync.Mutex
	tracked []A
}

// NewRepository creates a repository for aggregates of kind.
func NewRepository[A aggregate.Aggregate](s Store, kind string) *Repository[A] {
	return &Repository[A]{store: s, kind: kind}
}

// Find loads and replays the aggregate with id.
func (r *Repository[A]) Find(ctx context.Context, id string) (A, error) {
	var zero A
	events, err := r.store.Load(ctx, r.kind, id)
	if err != nil {
		return zero, err
	}
	blank, err := aggregate.New(r.kind)
	if err != nil {
		return zero, err
	}
	a, ok := blank.(A)
	if !ok {
		return zero, schema.NewErrorf(schema.ErrCodeStore, "aggregate type %q does not match repository", r.kind)
	}
	return aggregate.Replay(a, events), nil
}

// Contains reports whether an aggregate with id exists.
func (r *Repository[A]) Contains(ctx context.Context, id string) (bool, error) {
	return r.store.Exists(ctx, r.kind, id)
}

// Add tracks a new aggregate. It fails with ErrCodeConflict if the id is taken.
func (r *Repository[A]) Add(ctx context.Context, a A) error {
	exists, err := r.Contains(ctx, a.AggregateID())
	if err != nil {
		return err
	}
	if exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %s already exists", r.kind, a.AggregateID())
	}
	r.track(a)
	return nil
}

// Update tracks a modified aggregate.
func (r *Repository[A]) Update(ctx context.Context, a A) error {
	r.track(a)
	return nil
}

func (r *Repository[A]) track(a A) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tracked {
		if t.AggregateID() == a.AggregateID() {
			return
		}
	}
	r.tracked = append(r.tracked, a)
}

// SaveChanges persists every tracked aggregate in tracking order. It stops at
// the first failure; aggregates saved before it stay saved.
func (r *Repository[A]) SaveChanges(ctx context.Context) error {
	r.mu.Lock()
	tracked := r.tracked
	r.tracked = nil
	r.mu.Unlock()

	for _, a := range tracked {
		if err := r.store.Save(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
