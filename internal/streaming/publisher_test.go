package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadenza/internal/aggregate"
	"github.com/rendis/cadenza/internal/store"
	"github.com/rendis/cadenza/pkg/schema"
)

func TestPublishingStore_PublishesCommittedEvents(t *testing.T) {
	ctx := context.Background()
	inner, err := store.NewMemoryStore()
	require.NoError(t, err)
	hub := NewMemoryHub()
	s := NewPublishingStore(inner, hub, nil)

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{AggregateType: aggregate.TypeSchedule})
	require.NoError(t, err)
	defer cancel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, err := aggregate.NewSchedule(now, schema.ActivationExplicit,
		&schema.ScheduleDefinition{Interval: schema.Duration(time.Minute)}, "greeting", schema.ScheduleActionInstantiate)
	require.NoError(t, err)
	require.NoError(t, sched.Suspend(now))
	require.NoError(t, s.Save(ctx, sched))

	first := receive(t, ch)
	assert.Equal(t, sched.ID, first.AggregateID)
	assert.Equal(t, schema.EventScheduleCreated, first.Kind)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, schema.EventScheduleSuspended, receive(t, ch).Kind)
	assertEmpty(t, ch)
}

func TestPublishingStore_ConflictPublishesNothing(t *testing.T) {
	ctx := context.Background()
	inner, err := store.NewMemoryStore()
	require.NoError(t, err)
	hub := NewMemoryHub()
	s := NewPublishingStore(inner, hub, nil)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, err := aggregate.NewSchedule(now, schema.ActivationExplicit,
		&schema.ScheduleDefinition{Interval: schema.Duration(time.Minute)}, "greeting", schema.ScheduleActionInstantiate)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, sched))

	a := loadSchedule(t, s, sched.ID)
	b := loadSchedule(t, s, sched.ID)
	require.NoError(t, a.Suspend(now))
	require.NoError(t, s.Save(ctx, a))

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Retire(now))
	err = s.Save(ctx, b)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	assertEmpty(t, ch)
}

func loadSchedule(t *testing.T, s store.Store, id string) *aggregate.Schedule {
	t.Helper()
	sched, err := store.NewRepository[*aggregate.Schedule](s, aggregate.TypeSchedule).Find(context.Background(), id)
	require.NoError(t, err)
	return sched
}
