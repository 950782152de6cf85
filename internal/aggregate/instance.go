package aggregate

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/rendis/cadenza/pkg/schema"
)

// InstanceCreated is the payload of schema.EventInstanceCreated.
type InstanceCreated struct {
	WorkflowID         string                `json:"workflow_id"`
	Key                string                `json:"key"`
	ActivationType     schema.ActivationType `json:"activation_type"`
	InputData          any                   `json:"input_data,omitempty"`
	CorrelationContext map[string]any        `json:"correlation_context,omitempty"`
	ParentID           string                `json:"parent_id,omitempty"`
	ScheduleID         string                `json:"schedule_id,omitempty"`
}

// InstanceCompleted is the payload of schema.EventInstanceCompleted.
type InstanceCompleted struct {
	Output any `json:"output,omitempty"`
}

// InstanceFaulted is the payload of schema.EventInstanceFaulted.
type InstanceFaulted struct {
	Error Fault `json:"error"`
}

// InstanceSignal is the empty payload of the start, suspend, resume and
// cancel events.
type InstanceSignal struct{}

// ActivityCreated is the payload of schema.EventActivityCreated.
type ActivityCreated struct {
	ActivityID string              `json:"activity_id"`
	ParentID   string              `json:"parent_id,omitempty"`
	Type       schema.ActivityType `json:"type"`
	Name       string              `json:"name"`
	Input      any                 `json:"input,omitempty"`
}

// ActivityCompleted is the payload of schema.EventActivityCompleted.
type ActivityCompleted struct {
	ActivityID string `json:"activity_id"`
	Output     any    `json:"output,omitempty"`
	Next       string `json:"next,omitempty"` // state selected by the activity, if any
}

// ActivitySkipped is the payload of schema.EventActivitySkipped.
type ActivitySkipped struct {
	ActivityID string `json:"activity_id"`
}

// ActivityFaulted is the payload of schema.EventActivityFaulted.
type ActivityFaulted struct {
	ActivityID string `json:"activity_id"`
	Error      Fault  `json:"error"`
}

// Fault is a serializable error description.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FaultFrom converts err into a Fault, keeping the code of a CadenzaError.
func FaultFrom(err error) Fault {
	var ce *schema.CadenzaError
	if errors.As(err, &ce) {
		return Fault{Code: ce.Code, Message: ce.Error()}
	}
	return Fault{Code: schema.ErrCodeProcessorFault, Message: err.Error()}
}

func init() {
	registerPayload[InstanceCreated](schema.EventInstanceCreated)
	registerPayload[InstanceSignal](schema.EventInstanceStarted)
	registerPayload[InstanceSignal](schema.EventInstanceSuspended)
	registerPayload[InstanceSignal](schema.EventInstanceResumed)
	registerPayload[InstanceCompleted](schema.EventInstanceCompleted)
	registerPayload[InstanceFaulted](schema.EventInstanceFaulted)
	registerPayload[InstanceSignal](schema.EventInstanceCancelled)
	registerPayload[ActivityCreated](schema.EventActivityCreated)
	registerPayload[ActivityCompleted](schema.EventActivityCompleted)
	registerPayload[ActivitySkipped](schema.EventActivitySkipped)
	registerPayload[ActivityFaulted](schema.EventActivityFaulted)
}

// ActivityRecord is the journaled view of one executed activity.
type ActivityRecord struct {
	ID         string                `json:"id"`
	ParentID   string                `json:"parent_id,omitempty"`
	Type       schema.ActivityType   `json:"type"`
	Name       string                `json:"name"`
	Status     schema.ActivityStatus `json:"status"`
	Input      any                   `json:"input,omitempty"`
	Output     any                   `json:"output,omitempty"`
	Next       string                `json:"next,omitempty"`
	Error      *Fault                `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	ExecutedAt *time.Time            `json:"executed_at,omitempty"`
}

// InstanceState is the state derived from an instance's event history.
type InstanceState struct {
	WorkflowID         string                `json:"workflow_id"`
	Key                string                `json:"key"`
	ActivationType     schema.ActivationType `json:"activation_type"`
	InputData          any                   `json:"input_data,omitempty"`
	CorrelationContext map[string]any        `json:"correlation_context,omitempty"`
	ParentID           string                `json:"parent_id,omitempty"`
	ScheduleID         string                `json:"schedule_id,omitempty"`
	Status             schema.InstanceStatus `json:"status"`
	StartedAt          *time.Time            `json:"started_at,omitempty"`
	SuspendedAt        *time.Time            `json:"suspended_at,omitempty"`
	ExecutedAt         *time.Time            `json:"executed_at,omitempty"`
	Output             any                   `json:"output,omitempty"`
	Error              *Fault                `json:"error,omitempty"`
	Activities         []ActivityRecord      `json:"activities,omitempty"`
}

// ValidInstanceTransitions defines the allowed instance status transitions.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusPending: {
		schema.InstanceStatusRunning,
		schema.InstanceStatusSuspended,
		schema.InstanceStatusCancelled,
	},
	schema.InstanceStatusRunning: {
		schema.InstanceStatusSuspended,
		schema.InstanceStatusCompleted,
		schema.InstanceStatusFaulted,
		schema.InstanceStatusCancelled,
	},
	schema.InstanceStatusSuspended: {
		schema.InstanceStatusRunning,
		schema.InstanceStatusCancelled,
	},
}

func isValidInstanceTransition(from, to schema.InstanceStatus) bool {
	return slices.Contains(ValidInstanceTransitions[from], to)
}

// withActivity returns a copy of activities where the record with id has been
// passed through fn. The input slice is never modified.
func withActivity(activities []ActivityRecord, id string, fn func(*ActivityRecord)) []ActivityRecord {
	out := slices.Clone(activities)
	for i := range out {
		if out[i].ID == id {
			fn(&out[i])
			break
		}
	}
	return out
}

func finishActivity(s InstanceState, e Event, id string, fn func(*ActivityRecord)) InstanceState {
	s.Activities = withActivity(s.Activities, id, func(a *ActivityRecord) {
		a.ExecutedAt = timePtr(e.CreatedAt)
		fn(a)
	})
	return s
}

var instanceHandlers = handlers[InstanceState]{
	schema.EventInstanceCreated: func(s InstanceState, e Event) InstanceState {
		p := payloadOf[InstanceCreated](e)
		s.WorkflowID = p.WorkflowID
		s.Key = p.Key
		s.ActivationType = p.ActivationType
		s.InputData = p.InputData
		s.CorrelationContext = p.CorrelationContext
		s.ParentID = p.ParentID
		s.ScheduleID = p.ScheduleID
		s.Status = schema.InstanceStatusPending
		return s
	},
	schema.EventInstanceStarted: func(s InstanceState, e Event) InstanceState {
		s.Status = schema.InstanceStatusRunning
		s.StartedAt = timePtr(e.CreatedAt)
		return s
	},
	schema.EventInstanceSuspended: func(s InstanceState, e Event) InstanceState {
		s.Status = schema.InstanceStatusSuspended
		s.SuspendedAt = timePtr(e.CreatedAt)
		return s
	},
	schema.EventInstanceResumed: func(s InstanceState, e Event) InstanceState {
		s.Status = schema.InstanceStatusRunning
		s.SuspendedAt = nil
		if s.StartedAt == nil {
			s.StartedAt = timePtr(e.CreatedAt)
		}
		return s
	},
	schema.EventInstanceCompleted: func(s InstanceState, e Event) InstanceState {
		p := payloadOf[InstanceCompleted](e)
		s.Status = schema.InstanceStatusCompleted
		s.Output = p.Output
		s.ExecutedAt = timePtr(e.CreatedAt)
		return s
	},
	schema.EventInstanceFaulted: func(s InstanceState, e Event) InstanceState {
		p := payloadOf[InstanceFaulted](e)
		s.Status = schema.InstanceStatusFaulted
		s.Error = &p.Error
		s.ExecutedAt = timePtr(e.CreatedAt)
		return s
	},
	schema.EventInstanceCancelled: func(s InstanceState, e Event) InstanceState {
		s.Status = schema.InstanceStatusCancelled
		s.ExecutedAt = timePtr(e.CreatedAt)
		return s
	},
	schema.EventActivityCreated: func(s InstanceState, e Event) InstanceState {
		p := payloadOf[ActivityCreated](e)
		s.Activities = append(slices.Clone(s.Activities), ActivityRecord{
			ID:        p.ActivityID,
			ParentID:  p.ParentID,
			Type:      p.Type,
			Name:      p.Name,
			Status:    schema.ActivityStatusPending,
			Input:     p.Input,
			CreatedAt: e.CreatedAt,
		})
		return s
	},
	schema.EventActivityCompleted: func(s InstanceState, e Event) InstanceState {
		p := payloadOf[ActivityCompleted](e)
		return finishActivity(s, e, p.ActivityID, func(a *ActivityRecord) {
			a.Status = schema.ActivityStatusCompleted
			a.Output = p.Output
			a.Next = p.Next
		})
	},
	schema.EventActivitySkipped: func(s InstanceState, e Event) InstanceState {
		p := payloadOf[ActivitySkipped](e)
		return finishActivity(s, e, p.ActivityID, func(a *ActivityRecord) {
			a.Status = schema.ActivityStatusSkipped
			a.Output = a.Input
		})
	},
	schema.EventActivityFaulted: func(s InstanceState, e Event) InstanceState {
		p := payloadOf[ActivityFaulted](e)
		return finishActivity(s, e, p.ActivityID, func(a *ActivityRecord) {
			a.Status = schema.ActivityStatusFaulted
			fault := p.Error
			a.Error = &fault
		})
	},
}

// WorkflowInstance is the event-sourced aggregate for one execution of a
// workflow definition.
type WorkflowInstance struct {
	Root
	InstanceState
}

// BuildInstanceID derives the instance id from its definition id and key.
func BuildInstanceID(definitionID, key string) string {
	return strings.ToLower(definitionID + "-" + key)
}

// NewInstanceParams holds the attributes of a new instance.
type NewInstanceParams struct {
	DefinitionID       string
	WorkflowRef        string
	Key                string
	ActivationType     schema.ActivationType
	InputData          any
	CorrelationContext map[string]any
	ParentID           string
	ScheduleID         string
}

// NewWorkflowInstance creates a Pending instance.
func NewWorkflowInstance(now time.Time, p NewInstanceParams) (*WorkflowInstance, error) {
	if p.DefinitionID == "" || p.WorkflowRef == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	if p.Key == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "instance key is required")
	}
	if p.ActivationType == "" {
		p.ActivationType = schema.ActivationExplicit
	}
	w := &WorkflowInstance{Root: Root{ID: BuildInstanceID(p.DefinitionID, p.Key)}}
	w.register(schema.EventInstanceCreated, now, InstanceCreated{
		WorkflowID:         p.WorkflowRef,
		Key:                strings.ToLower(p.Key),
		ActivationType:     p.ActivationType,
		InputData:          p.InputData,
		CorrelationContext: p.CorrelationContext,
		ParentID:           p.ParentID,
		ScheduleID:         p.ScheduleID,
	})
	return w, nil
}

// AggregateType implements Aggregate.
func (w *WorkflowInstance) AggregateType() string { return TypeInstance }

// Apply implements Aggregate.
func (w *WorkflowInstance) Apply(e Event) {
	w.InstanceState = instanceHandlers.apply(w.InstanceState, e)
	w.advance(e)
}

func (w *WorkflowInstance) register(kind string, now time.Time, payload any) {
	w.Apply(w.raise(kind, now, payload))
}

func (w *WorkflowInstance) transition(now time.Time, to schema.InstanceStatus, kind string, payload any) error {
	if !isValidInstanceTransition(w.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", w.Status, to).
			WithDetails(map[string]any{"instance_id": w.ID, "from": string(w.Status), "to": string(to)})
	}
	w.register(kind, now, payload)
	return nil
}

// Start moves a Pending instance to Running.
func (w *WorkflowInstance) Start(now time.Time) error {
	if w.Status != schema.InstanceStatusPending {
		return invalidTransition(TypeInstance, w.ID, "start", map[string]any{"status": string(w.Status)})
	}
	return w.transition(now, schema.InstanceStatusRunning, schema.EventInstanceStarted, InstanceSignal{})
}

// Suspend pauses the instance.
func (w *WorkflowInstance) Suspend(now time.Time) error {
	return w.transition(now, schema.InstanceStatusSuspended, schema.EventInstanceSuspended, InstanceSignal{})
}

// Resume moves a Suspended instance back to Running.
func (w *WorkflowInstance) Resume(now time.Time) error {
	if w.Status != schema.InstanceStatusSuspended {
		return invalidTransition(TypeInstance, w.ID, "resume", map[string]any{"status": string(w.Status)})
	}
	return w.transition(now, schema.InstanceStatusRunning, schema.EventInstanceResumed, InstanceSignal{})
}

// Complete finishes the instance with output.
func (w *WorkflowInstance) Complete(now time.Time, output any) error {
	return w.transition(now, schema.InstanceStatusCompleted, schema.EventInstanceCompleted, InstanceCompleted{Output: output})
}

// Fault finishes the instance with an error.
func (w *WorkflowInstance) Fault(now time.Time, err error) error {
	return w.transition(now, schema.InstanceStatusFaulted, schema.EventInstanceFaulted, InstanceFaulted{Error: FaultFrom(err)})
}

// Cancel aborts the instance.
func (w *WorkflowInstance) Cancel(now time.Time) error {
	return w.transition(now, schema.InstanceStatusCancelled, schema.EventInstanceCancelled, InstanceSignal{})
}

// Activity returns the journaled activity with id.
func (w *WorkflowInstance) Activity(id string) (*ActivityRecord, bool) {
	for i := range w.Activities {
		if w.Activities[i].ID == id {
			return &w.Activities[i], true
		}
	}
	return nil, false
}

func (w *WorkflowInstance) requireRunning(op string) error {
	if w.Status != schema.InstanceStatusRunning {
		return invalidTransition(TypeInstance, w.ID, op, map[string]any{"status": string(w.Status)})
	}
	return nil
}

func (w *WorkflowInstance) openActivity(op, id string) error {
	if err := w.requireRunning(op); err != nil {
		return err
	}
	a, ok := w.Activity(id)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "activity %s not found", id).
			WithDetails(map[string]any{"instance_id": w.ID})
	}
	if a.Status.Terminal() {
		return invalidTransition(TypeInstance, w.ID, op, map[string]any{"activity_id": id, "activity_status": string(a.Status)})
	}
	return nil
}

// CreateActivity journals a new Pending activity.
func (w *WorkflowInstance) CreateActivity(now time.Time, p ActivityCreated) error {
	if p.ActivityID == "" {
		return schema.NewError(schema.ErrCodeValidation, "activity id is required")
	}
	if err := w.requireRunning("create activity"); err != nil {
		return err
	}
	if _, exists := w.Activity(p.ActivityID); exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "activity %s already exists", p.ActivityID)
	}
	w.register(schema.EventActivityCreated, now, p)
	return nil
}

// CompleteActivity journals the completion of an activity.
func (w *WorkflowInstance) CompleteActivity(now time.Time, id string, output any, next string) error {
	if err := w.openActivity("complete activity", id); err != nil {
		return err
	}
	w.register(schema.EventActivityCompleted, now, ActivityCompleted{ActivityID: id, Output: output, Next: next})
	return nil
}

// SkipActivity journals that an activity's guard evaluated to false.
func (w *WorkflowInstance) SkipActivity(now time.Time, id string) error {
	if err := w.openActivity("skip activity", id); err != nil {
		return err
	}
	w.register(schema.EventActivitySkipped, now, ActivitySkipped{ActivityID: id})
	return nil
}

// FaultActivity journals the failure of an activity.
func (w *WorkflowInstance) FaultActivity(now time.Time, id string, err error) error {
	if openErr := w.openActivity("fault activity", id); openErr != nil {
		return openErr
	}
	w.register(schema.EventActivityFaulted, now, ActivityFaulted{ActivityID: id, Error: FaultFrom(err)})
	return nil
}
