package runtime

import (
	"github.com/qmuntal/stateless"

	"github.com/rendis/cadenza/pkg/schema"
)

type trigger string

const (
	triggerInitialize trigger = "initialize"
	triggerProcess    trigger = "process"
	triggerComplete   trigger = "complete"
	triggerSkip       trigger = "skip"
	triggerFault      trigger = "fault"
)

// Activity is one executing workflow state or action. Its lifecycle is
// Pending -> Initializing -> Processing -> Completed | Skipped | Faulted and
// is enforced by a state machine: a terminal activity accepts no signal.
type Activity struct {
	ID       string
	ParentID string
	Type     schema.ActivityType
	Name     string
	Input    any
	Output   any
	Next     string
	Err      error

	fsm *stateless.StateMachine
}

// NewActivity creates a Pending activity whose current output is its input.
func NewActivity(id, parentID string, typ schema.ActivityType, name string, input any) *Activity {
	a := &Activity{
		ID:       id,
		ParentID: parentID,
		Type:     typ,
		Name:     name,
		Input:    input,
		Output:   input,
	}

	a.fsm = stateless.NewStateMachine(schema.ActivityStatusPending)
	a.fsm.Configure(schema.ActivityStatusPending).
		Permit(triggerInitialize, schema.ActivityStatusInitializing)

	a.fsm.Configure(schema.ActivityStatusInitializing).
		Permit(triggerProcess, schema.ActivityStatusProcessing).
		Permit(triggerFault, schema.ActivityStatusFaulted)

	a.fsm.Configure(schema.ActivityStatusProcessing).
		Permit(triggerComplete, schema.ActivityStatusCompleted).
		Permit(triggerSkip, schema.ActivityStatusSkipped).
		Permit(triggerFault, schema.ActivityStatusFaulted)

	a.fsm.Configure(schema.ActivityStatusCompleted)
	a.fsm.Configure(schema.ActivityStatusSkipped)
	a.fsm.Configure(schema.ActivityStatusFaulted)
	return a
}

// Status returns the current lifecycle status.
func (a *Activity) Status() schema.ActivityStatus {
	return a.fsm.MustState().(schema.ActivityStatus)
}

func (a *Activity) fire(t trigger) error {
	from := a.Status()
	if err := a.fsm.Fire(t); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"activity %s cannot %s while %s", a.ID, t, from).
			WithActivity(a.ID).
			WithCause(err)
	}
	return nil
}

// settle moves the activity to the terminal status carried by sig.
func (a *Activity) settle(sig Signal) error {
	var t trigger
	switch sig.Status {
	case schema.ActivityStatusCompleted:
		t = triggerComplete
	case schema.ActivityStatusSkipped:
		t = triggerSkip
	case schema.ActivityStatusFaulted:
		t = triggerFault
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "%s is not a terminal signal", sig.Status).WithActivity(a.ID)
	}
	if err := a.fire(t); err != nil {
		return err
	}
	switch sig.Status {
	case schema.ActivityStatusCompleted:
		a.Output = sig.Output
		a.Next = sig.Next
	case schema.ActivityStatusFaulted:
		a.Err = sig.Err
	}
	return nil
}
