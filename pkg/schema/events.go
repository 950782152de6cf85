package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event kind constants for the aggregate event log.
const (
	EventScheduleCreated            = "schedule_created"
	EventScheduleDefinitionChanged  = "schedule_definition_changed"
	EventScheduleOccured            = "schedule_occured"
	EventScheduleOccurenceCompleted = "schedule_occurence_completed"
	EventScheduleSuspended          = "schedule_suspended"
	EventScheduleResumed            = "schedule_resumed"
	EventScheduleRetired            = "schedule_retired"
	EventScheduleObsoleted          = "schedule_obsoleted"
	EventScheduleDeleted            = "schedule_deleted"

	EventInstanceCreated   = "instance_created"
	EventInstanceStarted   = "instance_started"
	EventInstanceSuspended = "instance_suspended"
	EventInstanceResumed   = "instance_resumed"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFaulted   = "instance_faulted"
	EventInstanceCancelled = "instance_cancelled"

	EventActivityCreated   = "activity_created"
	EventActivityCompleted = "activity_completed"
	EventActivitySkipped   = "activity_skipped"
	EventActivityFaulted   = "activity_faulted"
)

// ScheduleStatus is the lifecycle position of a schedule. The order is
// significant: Retired and Obsolete are terminal and every status at or above
// Retired rejects further transitions.
type ScheduleStatus int

const (
	ScheduleStatusActive ScheduleStatus = iota
	ScheduleStatusSuspended
	ScheduleStatusRetired
	ScheduleStatusObsolete
)

var scheduleStatusNames = [...]string{"active", "suspended", "retired", "obsolete"}

func (s ScheduleStatus) String() string {
	if s < 0 || int(s) >= len(scheduleStatusNames) {
		return fmt.Sprintf("ScheduleStatus(%d)", int(s))
	}
	return scheduleStatusNames[s]
}

// Terminal reports whether no further transition is accepted.
func (s ScheduleStatus) Terminal() bool {
	return s >= ScheduleStatusRetired
}

func (s ScheduleStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *ScheduleStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseScheduleStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseScheduleStatus parses the lowercase status name.
func ParseScheduleStatus(name string) (ScheduleStatus, error) {
	for i, n := range scheduleStatusNames {
		if strings.EqualFold(n, name) {
			return ScheduleStatus(i), nil
		}
	}
	return 0, NewErrorf(ErrCodeValidation, "unknown schedule status %q", name)
}

// ActivationType records who owns a schedule or instance.
type ActivationType string

const (
	// ActivationExplicit marks entities created by a command.
	ActivationExplicit ActivationType = "explicit"
	// ActivationImplicit marks entities derived from a workflow definition.
	ActivationImplicit ActivationType = "implicit"
)

// ScheduleActionType is the intent executed when a schedule fires.
type ScheduleActionType string

const (
	ScheduleActionInstantiate ScheduleActionType = "instantiate"
	ScheduleActionSuspend     ScheduleActionType = "suspend"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusSuspended InstanceStatus = "suspended"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFaulted   InstanceStatus = "faulted"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the instance has finished.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFaulted, InstanceStatusCancelled:
		return true
	}
	return false
}

// ActivityStatus represents the lifecycle state of an activity.
type ActivityStatus string

const (
	ActivityStatusPending      ActivityStatus = "pending"
	ActivityStatusInitializing ActivityStatus = "initializing"
	ActivityStatusProcessing   ActivityStatus = "processing"
	ActivityStatusCompleted    ActivityStatus = "completed"
	ActivityStatusSkipped      ActivityStatus = "skipped"
	ActivityStatusFaulted      ActivityStatus = "faulted"
)

// Terminal reports whether the activity emitted its final signal.
func (s ActivityStatus) Terminal() bool {
	switch s {
	case ActivityStatusCompleted, ActivityStatusSkipped, ActivityStatusFaulted:
		return true
	}
	return false
}

// ActivityType identifies the processor variant that runs an activity.
type ActivityType string

const (
	ActivityTypeStart     ActivityType = "start"
	ActivityTypeInject    ActivityType = "inject"
	ActivityTypeOperation ActivityType = "operation"
	ActivityTypeSwitch    ActivityType = "switch"
	ActivityTypeSleep     ActivityType = "sleep"
	ActivityTypeAction    ActivityType = "action"
)
