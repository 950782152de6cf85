package aggregate

import (
	"time"

	"github.com/rendis/cadenza/internal/occurrence"
	"github.com/rendis/cadenza/pkg/schema"
)

// ScheduleCreated is the payload of schema.EventScheduleCreated.
type ScheduleCreated struct {
	ActivationType  schema.ActivationType     `json:"activation_type"`
	Definition      schema.ScheduleDefinition `json:"definition"`
	WorkflowID      string                    `json:"workflow_id"`
	ActionType      schema.ScheduleActionType `json:"action_type"`
	NextOccurenceAt *time.Time                `json:"next_occurence_at,omitempty"`
}

// ScheduleDefinitionChanged is the payload of schema.EventScheduleDefinitionChanged.
type ScheduleDefinitionChanged struct {
	Definition      schema.ScheduleDefinition `json:"definition"`
	NextOccurenceAt *time.Time                `json:"next_occurence_at,omitempty"`
}

// ScheduleOccured is the payload of schema.EventScheduleOccured.
type ScheduleOccured struct {
	InstanceID      string     `json:"instance_id"`
	NextOccurenceAt *time.Time `json:"next_occurence_at,omitempty"`
}

// ScheduleOccurenceCompleted is the payload of schema.EventScheduleOccurenceCompleted.
type ScheduleOccurenceCompleted struct {
	InstanceID      string     `json:"instance_id"`
	NextOccurenceAt *time.Time `json:"next_occurence_at,omitempty"`
}

// ScheduleResumed is the payload of schema.EventScheduleResumed.
type ScheduleResumed struct {
	NextOccurenceAt *time.Time `json:"next_occurence_at,omitempty"`
}

// ScheduleSignal is the empty payload of the suspend, retire, obsolete and
// delete events.
type ScheduleSignal struct{}

func init() {
	registerPayload[ScheduleCreated](schema.EventScheduleCreated)
	registerPayload[ScheduleDefinitionChanged](schema.EventScheduleDefinitionChanged)
	registerPayload[ScheduleOccured](schema.EventScheduleOccured)
	registerPayload[ScheduleOccurenceCompleted](schema.EventScheduleOccurenceCompleted)
	registerPayload[ScheduleSignal](schema.EventScheduleSuspended)
	registerPayload[ScheduleResumed](schema.EventScheduleResumed)
	registerPayload[ScheduleSignal](schema.EventScheduleRetired)
	registerPayload[ScheduleSignal](schema.EventScheduleObsoleted)
	registerPayload[ScheduleSignal](schema.EventScheduleDeleted)
}

// ScheduleState is the state derived from a schedule's event history.
type ScheduleState struct {
	ActivationType  schema.ActivationType     `json:"activation_type"`
	Status          schema.ScheduleStatus     `json:"status"`
	Definition      schema.ScheduleDefinition `json:"definition"`
	WorkflowID      string                    `json:"workflow_id"`
	ActionType      schema.ScheduleActionType `json:"action_type"`
	LastInstanceID  string                    `json:"last_instance_id,omitempty"`
	SuspendedAt     *time.Time                `json:"suspended_at,omitempty"`
	RetiredAt       *time.Time                `json:"retired_at,omitempty"`
	ObsoletedAt     *time.Time                `json:"obsoleted_at,omitempty"`
	DeletedAt       *time.Time                `json:"deleted_at,omitempty"`
	LastOccuredAt   *time.Time                `json:"last_occured_at,omitempty"`
	LastCompletedAt *time.Time                `json:"last_completed_at,omitempty"`
	NextOccurenceAt *time.Time                `json:"next_occurence_at,omitempty"`
}

var scheduleHandlers = handlers[ScheduleState]{
	schema.EventScheduleCreated: func(s ScheduleState, e Event) ScheduleState {
		p := payloadOf[ScheduleCreated](e)
		s.ActivationType = p.ActivationType
		s.Status = schema.ScheduleStatusActive
		s.Definition = p.Definition
		s.WorkflowID = p.WorkflowID
		s.ActionType = p.ActionType
		s.NextOccurenceAt = p.NextOccurenceAt
		return s
	},
	schema.EventScheduleDefinitionChanged: func(s ScheduleState, e Event) ScheduleState {
		p := payloadOf[ScheduleDefinitionChanged](e)
		s.Definition = p.Definition
		s.NextOccurenceAt = p.NextOccurenceAt
		return s
	},
	schema.EventScheduleOccured: func(s ScheduleState, e Event) ScheduleState {
		p := payloadOf[ScheduleOccured](e)
		s.LastInstanceID = p.InstanceID
		s.LastOccuredAt = timePtr(e.CreatedAt)
		s.NextOccurenceAt = p.NextOccurenceAt
		return s
	},
	schema.EventScheduleOccurenceCompleted: func(s ScheduleState, e Event) ScheduleState {
		p := payloadOf[ScheduleOccurenceCompleted](e)
		s.LastCompletedAt = timePtr(e.CreatedAt)
		s.NextOccurenceAt = p.NextOccurenceAt
		return s
	},
	schema.EventScheduleSuspended: func(s ScheduleState, e Event) ScheduleState {
		s.Status = schema.ScheduleStatusSuspended
		s.SuspendedAt = timePtr(e.CreatedAt)
		s.NextOccurenceAt = nil
		return s
	},
	schema.EventScheduleResumed: func(s ScheduleState, e Event) ScheduleState {
		p := payloadOf[ScheduleResumed](e)
		s.Status = schema.ScheduleStatusActive
		s.SuspendedAt = nil
		s.NextOccurenceAt = p.NextOccurenceAt
		return s
	},
	schema.EventScheduleRetired: func(s ScheduleState, e Event) ScheduleState {
		s.Status = schema.ScheduleStatusRetired
		s.RetiredAt = timePtr(e.CreatedAt)
		s.NextOccurenceAt = nil
		return s
	},
	schema.EventScheduleObsoleted: func(s ScheduleState, e Event) ScheduleState {
		s.Status = schema.ScheduleStatusObsolete
		s.ObsoletedAt = timePtr(e.CreatedAt)
		s.NextOccurenceAt = nil
		return s
	},
	schema.EventScheduleDeleted: func(s ScheduleState, e Event) ScheduleState {
		s.DeletedAt = timePtr(e.CreatedAt)
		s.NextOccurenceAt = nil
		return s
	},
}

// Schedule is the event-sourced aggregate that decides when a workflow is
// instantiated or an instance is suspended.
type Schedule struct {
	Root
	ScheduleState
}

// NewSchedule creates an Active schedule whose first occurrence is computed
// from now.
func NewSchedule(now time.Time, activation schema.ActivationType, def *schema.ScheduleDefinition, workflowID string, action schema.ScheduleActionType) (*Schedule, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule definition is required")
	}
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	switch action {
	case schema.ScheduleActionInstantiate, schema.ScheduleActionSuspend:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown schedule action type %q", action)
	}
	if activation == "" {
		activation = schema.ActivationExplicit
	}

	next, err := occurrence.Next(*def, now)
	if err != nil {
		return nil, err
	}

	s := &Schedule{Root: Root{ID: BuildScheduleID(workflowID)}}
	s.register(schema.EventScheduleCreated, now, ScheduleCreated{
		ActivationType:  activation,
		Definition:      *def,
		WorkflowID:      workflowID,
		ActionType:      action,
		NextOccurenceAt: next,
	})
	return s, nil
}

// AggregateType implements Aggregate.
func (s *Schedule) AggregateType() string { return TypeSchedule }

// Apply implements Aggregate.
func (s *Schedule) Apply(e Event) {
	s.ScheduleState = scheduleHandlers.apply(s.ScheduleState, e)
	s.advance(e)
}

func (s *Schedule) register(kind string, now time.Time, payload any) {
	s.Apply(s.raise(kind, now, payload))
}

// Deleted reports whether the schedule has been deleted.
func (s *Schedule) Deleted() bool { return s.DeletedAt != nil }

// guard rejects any mutation of a deleted or terminal schedule.
func (s *Schedule) guard(op string) error {
	if s.Deleted() {
		return invalidTransition(TypeSchedule, s.ID, op, map[string]any{"deleted": true})
	}
	if s.Status.Terminal() {
		return invalidTransition(TypeSchedule, s.ID, op, map[string]any{"status": s.Status.String()})
	}
	return nil
}

func (s *Schedule) requireStatus(op string, want schema.ScheduleStatus) error {
	if err := s.guard(op); err != nil {
		return err
	}
	if s.Status != want {
		return invalidTransition(TypeSchedule, s.ID, op, map[string]any{"status": s.Status.String()})
	}
	return nil
}

// SetDefinition replaces the definition. The next occurrence is anchored at
// the last occurrence so interval schedules keep their cadence.
func (s *Schedule) SetDefinition(now time.Time, def *schema.ScheduleDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "schedule definition is required")
	}
	if err := s.guard("set definition"); err != nil {
		return err
	}
	anchor := now
	if s.LastOccuredAt != nil {
		anchor = *s.LastOccuredAt
	}
	next, err := occurrence.Next(*def, anchor)
	if err != nil {
		return err
	}
	if s.Status != schema.ScheduleStatusActive {
		next = nil
	}
	s.register(schema.EventScheduleDefinitionChanged, now, ScheduleDefinitionChanged{Definition: *def, NextOccurenceAt: next})
	return nil
}

// Occur records that the schedule fired and produced instanceID. Cron
// schedules compute their next tick here; interval schedules wait for
// CompleteOccurence.
func (s *Schedule) Occur(now time.Time, instanceID string) error {
	if instanceID == "" {
		return schema.NewError(schema.ErrCodeValidation, "instance id is required")
	}
	if err := s.requireStatus("occur", schema.ScheduleStatusActive); err != nil {
		return err
	}
	var next *time.Time
	if s.Definition.IsCron() {
		var err error
		if next, err = occurrence.Next(s.Definition, now); err != nil {
			return err
		}
	}
	s.register(schema.EventScheduleOccured, now, ScheduleOccured{InstanceID: instanceID, NextOccurenceAt: next})
	return nil
}

// CompleteOccurence records that the instance created by an occurrence has
// finished. Interval schedules compute their next tick from now; cron
// schedules keep the tick set by Occur.
func (s *Schedule) CompleteOccurence(now time.Time, instanceID string) error {
	if instanceID == "" {
		return schema.NewError(schema.ErrCodeValidation, "instance id is required")
	}
	if err := s.requireStatus("complete occurence", schema.ScheduleStatusActive); err != nil {
		return err
	}
	next := s.NextOccurenceAt
	if !s.Definition.IsCron() {
		var err error
		if next, err = occurrence.Next(s.Definition, now); err != nil {
			return err
		}
	}
	s.register(schema.EventScheduleOccurenceCompleted, now, ScheduleOccurenceCompleted{InstanceID: instanceID, NextOccurenceAt: next})
	return nil
}

// Suspend moves an Active schedule to Suspended.
func (s *Schedule) Suspend(now time.Time) error {
	if err := s.requireStatus("suspend", schema.ScheduleStatusActive); err != nil {
		return err
	}
	s.register(schema.EventScheduleSuspended, now, ScheduleSignal{})
	return nil
}

// Resume moves a Suspended schedule back to Active.
func (s *Schedule) Resume(now time.Time) error {
	if err := s.requireStatus("resume", schema.ScheduleStatusSuspended); err != nil {
		return err
	}
	next, err := occurrence.Next(s.Definition, now)
	if err != nil {
		return err
	}
	s.register(schema.EventScheduleResumed, now, ScheduleResumed{NextOccurenceAt: next})
	return nil
}

// Retire ends the schedule.
func (s *Schedule) Retire(now time.Time) error {
	if err := s.guard("retire"); err != nil {
		return err
	}
	s.register(schema.EventScheduleRetired, now, ScheduleSignal{})
	return nil
}

// MakeObsolete ends the schedule.
func (s *Schedule) MakeObsolete(now time.Time) error {
	if err := s.guard("make obsolete"); err != nil {
		return err
	}
	s.register(schema.EventScheduleObsoleted, now, ScheduleSignal{})
	return nil
}

// Delete removes the schedule from active scheduling. Status is unchanged.
func (s *Schedule) Delete(now time.Time) error {
	if err := s.guard("delete"); err != nil {
		return err
	}
	s.register(schema.EventScheduleDeleted, now, ScheduleSignal{})
	return nil
}
