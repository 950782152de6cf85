package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/cadenza/internal/aggregate"
	"github.com/rendis/cadenza/pkg/schema"
)

// ScheduleRecord is the queryable projection of a schedule aggregate.
type ScheduleRecord struct {
	ID              string                    `json:"id"`
	WorkflowID      string                    `json:"workflow_id"`
	ActivationType  schema.ActivationType     `json:"activation_type"`
	ActionType      schema.ScheduleActionType `json:"action_type"`
	Status          schema.ScheduleStatus     `json:"status"`
	NextOccurenceAt *time.Time                `json:"next_occurence_at,omitempty"`
	Deleted         bool                      `json:"deleted"`
	Version         int64                     `json:"version"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// ScheduleFilter controls schedule listing. Zero fields match everything;
// deleted schedules are excluded unless IncludeDeleted is set.
type ScheduleFilter struct {
	Statuses       []schema.ScheduleStatus
	WorkflowID     string
	ActionType     schema.ScheduleActionType
	ActivationType schema.ActivationType
	IncludeDeleted bool
	Limit          int
}

// InstanceRecord is the queryable projection of a workflow instance aggregate.
type InstanceRecord struct {
	ID         string                `json:"id"`
	WorkflowID string                `json:"workflow_id"`
	Key        string                `json:"key"`
	Status     schema.InstanceStatus `json:"status"`
	ParentID   string                `json:"parent_id,omitempty"`
	ScheduleID string                `json:"schedule_id,omitempty"`
	Version    int64                 `json:"version"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// InstanceFilter controls instance listing.
type InstanceFilter struct {
	Statuses   []schema.InstanceStatus
	WorkflowID string
	ParentID   string
	Limit      int
}

func scheduleRecord(s *aggregate.Schedule) *ScheduleRecord {
	return &ScheduleRecord{
		ID:              s.ID,
		WorkflowID:      s.WorkflowID,
		ActivationType:  s.ActivationType,
		ActionType:      s.ActionType,
		Status:          s.Status,
		NextOccurenceAt: s.NextOccurenceAt,
		Deleted:         s.Deleted(),
		Version:         s.Version(),
		UpdatedAt:       s.LastModified,
	}
}

func instanceRecord(w *aggregate.WorkflowInstance) *InstanceRecord {
	return &InstanceRecord{
		ID:         w.ID,
		WorkflowID: w.WorkflowID,
		Key:        w.Key,
		Status:     w.Status,
		ParentID:   w.ParentID,
		ScheduleID: w.ScheduleID,
		Version:    w.Version(),
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.LastModified,
	}
}

// storedEvent is the serialized form of an aggregate.Event.
type storedEvent struct {
	AggregateType string
	AggregateID   string
	Sequence      int64
	Kind          string
	Payload       json.RawMessage
	CreatedAt     time.Time
}

func encodeEvent(aggregateType string, e aggregate.Event) (*storedEvent, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "marshal %s payload", e.Kind).WithCause(err)
	}
	return &storedEvent{
		AggregateType: aggregateType,
		AggregateID:   e.AggregateID,
		Sequence:      e.Sequence,
		Kind:          e.Kind,
		Payload:       payload,
		CreatedAt:     e.CreatedAt.UTC(),
	}, nil
}

func (se *storedEvent) decode() (aggregate.Event, error) {
	payload, err := aggregate.DecodePayload(se.Kind, se.Payload)
	if err != nil {
		return aggregate.Event{}, err
	}
	return aggregate.Event{
		AggregateID: se.AggregateID,
		Kind:        se.Kind,
		Sequence:    se.Sequence,
		CreatedAt:   se.CreatedAt.UTC(),
		Payload:     payload,
	}, nil
}

// validateSequence rejects streams with gaps or reordering.
func validateSequence(aggregateID string, events []aggregate.Event) error {
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in aggregate %s: expected %d, got %d", aggregateID, expected, e.Sequence)
		}
	}
	return nil
}

// pendingBatch validates and encodes the pending events of agg.
func pendingBatch(agg aggregate.Aggregate) (expected int64, batch []*storedEvent, err error) {
	pending := agg.PendingEvents(false)
	expected = agg.Version() - int64(len(pending))
	for i, e := range pending {
		if e.Sequence != expected+int64(i)+1 {
			return 0, nil, schema.NewErrorf(schema.ErrCodeStore,
				"pending event %d of %s has sequence %d, want %d", i, agg.AggregateID(), e.Sequence, expected+int64(i)+1)
		}
		se, err := encodeEvent(agg.AggregateType(), e)
		if err != nil {
			return 0, nil, err
		}
		batch = append(batch, se)
	}
	return expected, batch, nil
}

func conflict(aggregateType, id string, expected, actual int64) error {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"%s %s was modified concurrently: expected version %d, found %d", aggregateType, id, expected, actual).
		WithDetails(map[string]any{"aggregate": aggregateType, "id": id, "expected": expected, "actual": actual})
}

func storeNotFound(resource, id string) *schema.CadenzaError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *schema.CadenzaError
	if errors.As(err, &ce) {
		return err
	}
	return schema.NewError(schema.ErrCodeStore, fmt.Sprintf("%s: %s", op, err.Error())).WithCause(err)
}
