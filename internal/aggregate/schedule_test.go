package aggregate

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cadenza/pkg/schema"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func intervalDef(d time.Duration) *schema.ScheduleDefinition {
	return &schema.ScheduleDefinition{Interval: schema.Duration(d)}
}

func cronDef(expr string) *schema.ScheduleDefinition {
	return &schema.ScheduleDefinition{Cron: &schema.CronDefinition{Expression: expr}}
}

func newInterval(t *testing.T) *Schedule {
	t.Helper()
	s, err := NewSchedule(t0, schema.ActivationExplicit, intervalDef(time.Hour), "greeting:1.0.0", schema.ScheduleActionInstantiate)
	require.NoError(t, err)
	return s
}

func newCron(t *testing.T) *Schedule {
	t.Helper()
	s, err := NewSchedule(t0, schema.ActivationImplicit, cronDef("*/10 * * * *"), "greeting:1.0.0", schema.ScheduleActionInstantiate)
	require.NoError(t, err)
	return s
}

func assertNextInvariant(t *testing.T, s *Schedule) {
	t.Helper()
	if s.NextOccurenceAt != nil {
		assert.Equal(t, schema.ScheduleStatusActive, s.Status, "next occurrence set on a non-active schedule")
	}
}

func TestNewSchedule(t *testing.T) {
	s := newInterval(t)

	assert.True(t, strings.HasPrefix(s.ID, "greeting:1.0.0-"))
	assert.Equal(t, schema.ScheduleStatusActive, s.Status)
	assert.Equal(t, schema.ActivationExplicit, s.ActivationType)
	assert.Equal(t, schema.ScheduleActionInstantiate, s.ActionType)
	require.NotNil(t, s.NextOccurenceAt)
	assert.Equal(t, t0.Add(time.Hour), *s.NextOccurenceAt)
	assert.Equal(t, int64(1), s.Version())
	assert.Equal(t, int64(0), s.PersistedVersion())
	assert.Equal(t, t0, s.CreatedAt)

	events := s.PendingEvents(true)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventScheduleCreated, events[0].Kind)
	assert.Empty(t, s.PendingEvents(false))
	assert.Equal(t, int64(1), s.PersistedVersion())
}

func TestNewSchedule_Validation(t *testing.T) {
	_, err := NewSchedule(t0, schema.ActivationExplicit, nil, "wf", schema.ScheduleActionInstantiate)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = NewSchedule(t0, schema.ActivationExplicit, intervalDef(time.Hour), "", schema.ScheduleActionInstantiate)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = NewSchedule(t0, schema.ActivationExplicit, intervalDef(time.Hour), "wf", "explode")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = NewSchedule(t0, schema.ActivationExplicit, cronDef("bogus"), "wf", schema.ScheduleActionInstantiate)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestScheduleIDUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := BuildScheduleID("wf")
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
		assert.Equal(t, strings.ToLower(id), id)
		assert.NotContains(t, id, "/")
		assert.NotContains(t, id, "+")
		assert.NotContains(t, id, "=")
	}
}

func TestIntervalSchedule_NextAfterCompletion(t *testing.T) {
	s := newInterval(t)

	fired := t0.Add(time.Hour)
	require.NoError(t, s.Occur(fired, "inst-1"))
	assert.Nil(t, s.NextOccurenceAt, "interval waits for completion")
	assert.Equal(t, fired, *s.LastOccuredAt)
	assert.Equal(t, "inst-1", s.LastInstanceID)

	done := fired.Add(15 * time.Minute)
	require.NoError(t, s.CompleteOccurence(done, "inst-1"))
	require.NotNil(t, s.NextOccurenceAt)
	assert.Equal(t, done.Add(time.Hour), *s.NextOccurenceAt)
	assert.Equal(t, done, *s.LastCompletedAt)
}

func TestCronSchedule_NextOnOccur(t *testing.T) {
	s := newCron(t)
	require.NotNil(t, s.NextOccurenceAt)
	assert.Equal(t, t0.Add(10*time.Minute), *s.NextOccurenceAt)

	fired := t0.Add(10 * time.Minute)
	require.NoError(t, s.Occur(fired, "inst-1"))
	require.NotNil(t, s.NextOccurenceAt)
	assert.Equal(t, t0.Add(20*time.Minute), *s.NextOccurenceAt)

	require.NoError(t, s.CompleteOccurence(fired.Add(3*time.Minute), "inst-1"))
	require.NotNil(t, s.NextOccurenceAt)
	assert.Equal(t, t0.Add(20*time.Minute), *s.NextOccurenceAt, "completion leaves cron cadence untouched")
}

func TestSchedule_OccurRequiresActive(t *testing.T) {
	s := newCron(t)
	require.NoError(t, s.Suspend(t0))
	before := s.Version()

	err := s.Occur(t0, "inst-1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	err = s.CompleteOccurence(t0, "inst-1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, before, s.Version(), "rejected mutators emit nothing")

	assert.True(t, schema.IsCode(s.Occur(t0, ""), schema.ErrCodeValidation))
}

func TestSchedule_SuspendResume(t *testing.T) {
	s := newInterval(t)

	require.NoError(t, s.Suspend(t0.Add(time.Minute)))
	assert.Equal(t, schema.ScheduleStatusSuspended, s.Status)
	assert.Nil(t, s.NextOccurenceAt)
	assert.NotNil(t, s.SuspendedAt)
	assert.True(t, schema.IsCode(s.Suspend(t0), schema.ErrCodeInvalidTransition))

	resumed := t0.Add(2 * time.Hour)
	require.NoError(t, s.Resume(resumed))
	assert.Equal(t, schema.ScheduleStatusActive, s.Status)
	assert.Nil(t, s.SuspendedAt)
	require.NotNil(t, s.NextOccurenceAt)
	assert.Equal(t, resumed.Add(time.Hour), *s.NextOccurenceAt)
	assert.True(t, schema.IsCode(s.Resume(t0), schema.ErrCodeInvalidTransition))
}

func TestSchedule_MonotonicStatus(t *testing.T) {
	t.Run("retired", func(t *testing.T) {
		s := newInterval(t)
		require.NoError(t, s.Retire(t0))
		assert.Equal(t, schema.ScheduleStatusRetired, s.Status)
		assert.Nil(t, s.NextOccurenceAt)
		assert.NotNil(t, s.RetiredAt)

		assert.True(t, schema.IsCode(s.Retire(t0), schema.ErrCodeInvalidTransition))
		assert.True(t, schema.IsCode(s.MakeObsolete(t0), schema.ErrCodeInvalidTransition))
		assert.True(t, schema.IsCode(s.Resume(t0), schema.ErrCodeInvalidTransition))
		assert.True(t, schema.IsCode(s.SetDefinition(t0, intervalDef(time.Minute)), schema.ErrCodeInvalidTransition))
		assert.Equal(t, schema.ScheduleStatusRetired, s.Status)
	})

	t.Run("obsolete from suspended", func(t *testing.T) {
		s := newCron(t)
		require.NoError(t, s.Suspend(t0))
		require.NoError(t, s.MakeObsolete(t0))
		assert.Equal(t, schema.ScheduleStatusObsolete, s.Status)
		assert.NotNil(t, s.ObsoletedAt)
		assert.True(t, schema.IsCode(s.Retire(t0), schema.ErrCodeInvalidTransition))
		assert.True(t, schema.IsCode(s.Delete(t0), schema.ErrCodeInvalidTransition))
	})
}

func TestSchedule_Delete(t *testing.T) {
	s := newInterval(t)
	require.NoError(t, s.Delete(t0))

	assert.True(t, s.Deleted())
	assert.Nil(t, s.NextOccurenceAt)
	assert.Equal(t, schema.ScheduleStatusActive, s.Status, "delete does not change status")
	assert.True(t, schema.IsCode(s.Occur(t0, "inst"), schema.ErrCodeInvalidTransition))
	assert.True(t, schema.IsCode(s.Delete(t0), schema.ErrCodeInvalidTransition))
}

func TestSchedule_SetDefinition(t *testing.T) {
	s := newInterval(t)
	fired := t0.Add(time.Hour)
	require.NoError(t, s.Occur(fired, "inst-1"))

	later := fired.Add(20 * time.Minute)
	require.NoError(t, s.SetDefinition(later, intervalDef(30*time.Minute)))
	require.NotNil(t, s.NextOccurenceAt)
	assert.Equal(t, fired.Add(30*time.Minute), *s.NextOccurenceAt, "anchored at the last occurrence")

	require.NoError(t, s.Suspend(later))
	require.NoError(t, s.SetDefinition(later, intervalDef(time.Minute)))
	assert.Nil(t, s.NextOccurenceAt, "suspended schedules never carry a next occurrence")
	assert.Equal(t, schema.Duration(time.Minute), s.Definition.Interval)

	assert.True(t, schema.IsCode(s.SetDefinition(later, nil), schema.ErrCodeValidation))
}

func TestSchedule_NextOccurrenceInvariant(t *testing.T) {
	s := newInterval(t)
	steps := []func() error{
		func() error { return s.Occur(t0.Add(time.Hour), "a") },
		func() error { return s.CompleteOccurence(t0.Add(2*time.Hour), "a") },
		func() error { return s.Suspend(t0.Add(3 * time.Hour)) },
		func() error { return s.SetDefinition(t0.Add(3*time.Hour), intervalDef(time.Minute)) },
		func() error { return s.Resume(t0.Add(4 * time.Hour)) },
		func() error { return s.Retire(t0.Add(5 * time.Hour)) },
	}
	for _, step := range steps {
		require.NoError(t, step())
		assertNextInvariant(t, s)
	}
}

func TestSchedule_ReplayEquivalence(t *testing.T) {
	s := newInterval(t)
	require.NoError(t, s.Occur(t0.Add(time.Hour), "inst-1"))
	require.NoError(t, s.CompleteOccurence(t0.Add(90*time.Minute), "inst-1"))
	require.NoError(t, s.SetDefinition(t0.Add(2*time.Hour), intervalDef(2*time.Hour)))
	require.NoError(t, s.Suspend(t0.Add(3*time.Hour)))
	require.NoError(t, s.Resume(t0.Add(4*time.Hour)))
	require.NoError(t, s.MakeObsolete(t0.Add(5*time.Hour)))

	events := s.PendingEvents(true)
	require.Len(t, events, 7)

	replayed := Replay(&Schedule{}, events)
	assert.Equal(t, s.ScheduleState, replayed.ScheduleState)
	assert.Equal(t, s.ID, replayed.ID)
	assert.Equal(t, s.Version(), replayed.Version())
	assert.Equal(t, s.LastModified, replayed.LastModified)
	assert.Empty(t, replayed.PendingEvents(false))
}

func TestSchedule_ReplayFromStoredPayloads(t *testing.T) {
	s := newCron(t)
	require.NoError(t, s.Occur(t0.Add(10*time.Minute), "inst-1"))
	require.NoError(t, s.Retire(t0.Add(11*time.Minute)))

	var decoded []Event
	for _, e := range s.PendingEvents(true) {
		raw, err := json.Marshal(e.Payload)
		require.NoError(t, err)
		payload, err := DecodePayload(e.Kind, raw)
		require.NoError(t, err)
		e.Payload = payload
		decoded = append(decoded, e)
	}

	replayed := Replay(&Schedule{}, decoded)
	assert.Equal(t, s.Status, replayed.Status)
	assert.Equal(t, s.LastOccuredAt, replayed.LastOccuredAt)
	assert.Equal(t, s.Definition.Cron.Expression, replayed.Definition.Cron.Expression)
	assert.Equal(t, s.LastInstanceID, replayed.LastInstanceID)
}

func TestApply_MissingHandlerPanics(t *testing.T) {
	s := &Schedule{}
	assert.Panics(t, func() {
		s.Apply(Event{AggregateID: "x", Kind: "schedule_exploded"})
	})
}

func TestDecodePayload_UnknownKind(t *testing.T) {
	_, err := DecodePayload("nope", json.RawMessage(`{}`))
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestNew(t *testing.T) {
	a, err := New(TypeSchedule)
	require.NoError(t, err)
	assert.IsType(t, &Schedule{}, a)

	a, err = New(TypeInstance)
	require.NoError(t, err)
	assert.IsType(t, &WorkflowInstance{}, a)

	_, err = New("order")
	assert.Error(t, err)
}
