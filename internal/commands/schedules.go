package commands

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/rendis/cadenza/internal/aggregate"
	"github.com/rendis/cadenza/internal/logging"
	"github.com/rendis/cadenza/internal/store"
	"github.com/rendis/cadenza/pkg/schema"
)

// CreateScheduleCommand creates a schedule. For instantiate schedules
// WorkflowID is a workflow reference; for suspend schedules it is the id of
// the instance to suspend.
type CreateScheduleCommand struct {
	ActivationType schema.ActivationType
	Definition     *schema.ScheduleDefinition
	WorkflowID     string
	ActionType     schema.ScheduleActionType
}

// SetScheduleDefinitionCommand replaces the definition of a schedule.
type SetScheduleDefinitionCommand struct {
	ScheduleID string
	Definition *schema.ScheduleDefinition
}

// TriggerScheduleCommand executes the action of a schedule. DueAt is the
// occurrence the trigger engine armed; a schedule whose next occurrence moved
// since is not triggered. A nil DueAt triggers unconditionally.
type TriggerScheduleCommand struct {
	ScheduleID string
	DueAt      *time.Time
}

// CreateSchedule creates an Active schedule and arms it.
func (s *Service) CreateSchedule(ctx context.Context, cmd CreateScheduleCommand) (*aggregate.Schedule, error) {
	if cmd.Definition != nil {
		if err := cmd.Definition.Validate(); err != nil {
			return nil, err
		}
	}
	if err := s.checkScheduleTarget(ctx, cmd); err != nil {
		return nil, err
	}
	return s.createSchedule(ctx, cmd, s.clock.Now())
}

func (s *Service) checkScheduleTarget(ctx context.Context, cmd CreateScheduleCommand) error {
	switch cmd.ActionType {
	case schema.ScheduleActionInstantiate:
		_, err := s.defs.Get(ctx, cmd.WorkflowID)
		return err
	case schema.ScheduleActionSuspend:
		ok, err := s.instances().Contains(ctx, cmd.WorkflowID)
		if err != nil {
			return err
		}
		if !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "workflow instance %q not found", cmd.WorkflowID)
		}
	}
	return nil
}

// createSchedule regenerates the id while it is taken.
func (s *Service) createSchedule(ctx context.Context, cmd CreateScheduleCommand, now time.Time) (*aggregate.Schedule, error) {
	var lastErr error
	for range maxIDAttempts {
		sch, err := aggregate.NewSchedule(now, cmd.ActivationType, cmd.Definition, cmd.WorkflowID, cmd.ActionType)
		if err != nil {
			return nil, err
		}
		repo := s.schedules()
		if err := repo.Add(ctx, sch); err != nil {
			if schema.IsCode(err, schema.ErrCodeConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if err := repo.SaveChanges(ctx); err != nil {
			if schema.IsCode(err, schema.ErrCodeConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		s.syncTimer(sch)
		s.logger.Info("schedule created",
			slog.String("schedule_id", sch.ID),
			slog.String("workflow_id", sch.WorkflowID),
			slog.String("action", string(sch.ActionType)))
		return sch, nil
	}
	return nil, lastErr
}

// SetScheduleDefinition replaces the definition and re-arms the schedule.
func (s *Service) SetScheduleDefinition(ctx context.Context, cmd SetScheduleDefinitionCommand) (*aggregate.Schedule, error) {
	if cmd.Definition != nil {
		if err := cmd.Definition.Validate(); err != nil {
			return nil, err
		}
	}
	return s.updateSchedule(ctx, cmd.ScheduleID, func(sch *aggregate.Schedule, now time.Time) error {
		return sch.SetDefinition(now, cmd.Definition)
	})
}

// SuspendSchedule suspends an Active schedule.
func (s *Service) SuspendSchedule(ctx context.Context, id string) (*aggregate.Schedule, error) {
	return s.updateSchedule(ctx, id, (*aggregate.Schedule).Suspend)
}

// ResumeSchedule resumes a Suspended schedule and arms its next occurrence.
func (s *Service) ResumeSchedule(ctx context.Context, id string) (*aggregate.Schedule, error) {
	return s.updateSchedule(ctx, id, (*aggregate.Schedule).Resume)
}

// RetireSchedule retires a schedule.
func (s *Service) RetireSchedule(ctx context.Context, id string) (*aggregate.Schedule, error) {
	return s.updateSchedule(ctx, id, (*aggregate.Schedule).Retire)
}

// MakeScheduleObsolete makes a schedule obsolete.
func (s *Service) MakeScheduleObsolete(ctx context.Context, id string) (*aggregate.Schedule, error) {
	return s.updateSchedule(ctx, id, (*aggregate.Schedule).MakeObsolete)
}

// DeleteSchedule deletes a schedule.
func (s *Service) DeleteSchedule(ctx context.Context, id string) (*aggregate.Schedule, error) {
	return s.updateSchedule(ctx, id, (*aggregate.Schedule).Delete)
}

func (s *Service) updateSchedule(ctx context.Context, id string, fn func(*aggregate.Schedule, time.Time) error) (*aggregate.Schedule, error) {
	sch, err := update(ctx, s, s.schedules, id, fn)
	if err != nil {
		return nil, err
	}
	s.syncTimer(sch)
	return sch, nil
}

// syncTimer arms the schedule at its next occurrence or disarms it.
func (s *Service) syncTimer(sch *aggregate.Schedule) {
	if s.timers == nil {
		return
	}
	if sch.NextOccurenceAt != nil && sch.Status == schema.ScheduleStatusActive && !sch.Deleted() {
		s.timers.Schedule(sch.ID, *sch.NextOccurenceAt)
		return
	}
	s.timers.Unschedule(sch.ID)
}

// Fire adapts TriggerSchedule to the trigger engine.
func (s *Service) Fire(ctx context.Context, scheduleID string, dueAt time.Time) (*aggregate.Schedule, error) {
	return s.TriggerSchedule(ctx, TriggerScheduleCommand{ScheduleID: scheduleID, DueAt: &dueAt})
}

// TriggerSchedule executes the action of a due schedule. A schedule that is
// deleted, not Active or no longer due at DueAt fails with a scheduling
// fault and is left untouched. The loaded schedule is returned with the
// error when it could be loaded.
func (s *Service) TriggerSchedule(ctx context.Context, cmd TriggerScheduleCommand) (*aggregate.Schedule, error) {
	ctx = logging.WithScheduleID(ctx, cmd.ScheduleID)
	sch, err := s.schedules().Find(ctx, cmd.ScheduleID)
	if err != nil {
		return nil, err
	}
	if err := triggerable(sch, cmd.DueAt); err != nil {
		return sch, err
	}

	switch sch.ActionType {
	case schema.ScheduleActionInstantiate:
		return s.instantiate(ctx, sch)
	case schema.ScheduleActionSuspend:
		return s.suspendTarget(ctx, sch)
	default:
		return sch, schema.NewErrorf(schema.ErrCodeSchedulingFault, "unknown schedule action %q", sch.ActionType)
	}
}

func triggerable(sch *aggregate.Schedule, dueAt *time.Time) error {
	fault := func(reason string) error {
		return schema.NewErrorf(schema.ErrCodeSchedulingFault, "schedule %s not triggered: %s", sch.ID, reason).
			WithDetails(map[string]any{"schedule_id": sch.ID, "status": sch.Status.String()})
	}
	switch {
	case sch.Deleted():
		return fault("deleted")
	case sch.Status != schema.ScheduleStatusActive:
		return fault("not active")
	case dueAt != nil && (sch.NextOccurenceAt == nil || !sch.NextOccurenceAt.Equal(*dueAt)):
		return fault("stale occurrence")
	}
	return nil
}

// instantiate creates the instance of an occurrence, records the occurrence
// and only then starts the instance, so its completion can never be seen
// before the occurrence.
func (s *Service) instantiate(ctx context.Context, sch *aggregate.Schedule) (*aggregate.Schedule, error) {
	inst, err := s.CreateWorkflowInstance(ctx, CreateWorkflowInstanceCommand{
		WorkflowID:     sch.WorkflowID,
		ActivationType: sch.ActivationType,
		ScheduleID:     sch.ID,
	})
	if err != nil {
		return sch, err
	}

	occurred, err := s.updateSchedule(ctx, sch.ID, func(sch *aggregate.Schedule, now time.Time) error {
		return sch.Occur(now, inst.ID)
	})
	if err != nil {
		if _, cerr := s.updateInstance(ctx, inst.ID, (*aggregate.WorkflowInstance).Cancel); cerr != nil {
			logging.LogWith(ctx, s.logger).Warn("cancel orphaned instance",
				slog.String("instance_id", inst.ID), slog.String("error", cerr.Error()))
		}
		return sch, err
	}

	if _, err := s.StartWorkflowInstance(ctx, inst.ID); err != nil {
		cancelled, cerr := s.updateInstance(ctx, inst.ID, (*aggregate.WorkflowInstance).Cancel)
		if cerr != nil {
			logging.LogWith(ctx, s.logger).Warn("cancel unstarted instance",
				slog.String("instance_id", inst.ID), slog.String("error", cerr.Error()))
			s.completeOccurrence(ctx, inst)
		} else {
			s.InstanceFinished(ctx, cancelled)
		}
		if reloaded, ferr := s.schedules().Find(ctx, sch.ID); ferr == nil {
			occurred = reloaded
		}
		return occurred, err
	}
	return occurred, nil
}

// suspendTarget suspends the instance a timeout schedule targets and makes
// the schedule obsolete. An instance that already left Running or Pending is
// not an error. A suspended instance no longer holds the occurrence of the
// schedule that created it, so that schedule is re-armed.
func (s *Service) suspendTarget(ctx context.Context, sch *aggregate.Schedule) (*aggregate.Schedule, error) {
	suspended, err := s.SuspendWorkflowInstance(ctx, sch.WorkflowID)
	switch {
	case err == nil:
		s.completeOccurrence(logging.WithInstanceID(ctx, suspended.ID), suspended)
	case schema.IsCode(err, schema.ErrCodeInvalidTransition), schema.IsCode(err, schema.ErrCodeNotFound):
		logging.LogWith(ctx, s.logger).Info("timeout target not suspendable",
			slog.String("instance_id", sch.WorkflowID), slog.String("reason", err.Error()))
	default:
		return sch, err
	}
	return s.updateSchedule(ctx, sch.ID, (*aggregate.Schedule).MakeObsolete)
}

// EnsureImplicitSchedules reconciles the implicit schedules with the
// start.schedule of the latest workflow definitions: missing ones are
// created, changed ones get the new definition, and those whose workflow no
// longer declares a schedule are retired. It returns the number of
// schedules created.
func (s *Service) EnsureImplicitSchedules(ctx context.Context) (int, error) {
	live, err := s.store.ListSchedules(ctx, store.ScheduleFilter{
		ActivationType: schema.ActivationImplicit,
		ActionType:     schema.ScheduleActionInstantiate,
		Statuses:       []schema.ScheduleStatus{schema.ScheduleStatusActive, schema.ScheduleStatusSuspended},
	})
	if err != nil {
		return 0, err
	}
	byWorkflow := make(map[string][]*store.ScheduleRecord)
	for _, r := range live {
		byWorkflow[r.WorkflowID] = append(byWorkflow[r.WorkflowID], r)
	}

	created := 0
	for _, def := range s.defs.Latest() {
		records := byWorkflow[def.ID]
		delete(byWorkflow, def.ID)
		if def.Start == nil || def.Start.Schedule == nil {
			s.retireAll(ctx, records)
			continue
		}
		if len(records) == 0 {
			if _, err := s.createSchedule(ctx, CreateScheduleCommand{
				ActivationType: schema.ActivationImplicit,
				Definition:     def.Start.Schedule,
				WorkflowID:     def.ID,
				ActionType:     schema.ScheduleActionInstantiate,
			}, s.clock.Now()); err != nil {
				return created, err
			}
			created++
			continue
		}
		for _, r := range records {
			sch, err := s.GetSchedule(ctx, r.ID)
			if err != nil {
				return created, err
			}
			if reflect.DeepEqual(sch.Definition, *def.Start.Schedule) {
				continue
			}
			if _, err := s.SetScheduleDefinition(ctx, SetScheduleDefinitionCommand{ScheduleID: r.ID, Definition: def.Start.Schedule}); err != nil {
				return created, err
			}
		}
	}
	for _, records := range byWorkflow {
		s.retireAll(ctx, records)
	}
	return created, nil
}

func (s *Service) retireAll(ctx context.Context, records []*store.ScheduleRecord) {
	for _, r := range records {
		if _, err := s.RetireSchedule(ctx, r.ID); err != nil {
			s.logger.Warn("retire implicit schedule",
				slog.String("schedule_id", r.ID), slog.String("error", err.Error()))
		}
	}
}
