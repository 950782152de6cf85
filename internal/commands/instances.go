package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/cadenza/internal/aggregate"
	"github.com/rendis/cadenza/internal/logging"
	"github.com/rendis/cadenza/internal/store"
	"github.com/rendis/cadenza/pkg/schema"
)

// CreateWorkflowInstanceCommand creates an instance of a workflow
// definition. WorkflowID is an "id[:version]" reference.
type CreateWorkflowInstanceCommand struct {
	WorkflowID         string
	ActivationType     schema.ActivationType
	InputData          any
	CorrelationContext map[string]any
	AutoStart          bool
	ParentID           string
	ScheduleID         string
}

// CreateWorkflowInstance creates a Pending instance, or a Running one when
// AutoStart is set. A definition with an execution timeout gets a suspend
// schedule firing once the timeout elapsed from creation.
func (s *Service) CreateWorkflowInstance(ctx context.Context, cmd CreateWorkflowInstanceCommand) (*aggregate.WorkflowInstance, error) {
	def, err := s.defs.Get(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, err
	}
	if cmd.ParentID != "" {
		ok, err := s.instances().Contains(ctx, cmd.ParentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "parent instance %q not found", cmd.ParentID)
		}
	}
	if s.validator != nil && len(def.DataInputSchema) > 0 {
		if err := s.validator.ValidateInput(cmd.InputData, def.DataInputSchema); err != nil {
			return nil, err
		}
	}

	key, fixed, err := s.instanceKey(ctx, def, cmd.InputData)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var inst *aggregate.WorkflowInstance
	for attempt := 0; ; attempt++ {
		inst, err = s.addInstance(ctx, now, def, key, cmd)
		if err == nil {
			break
		}
		if !schema.IsCode(err, schema.ErrCodeConflict) || fixed || attempt+1 >= maxIDAttempts {
			return nil, err
		}
		key = aggregate.RandomToken()
	}

	ctx = logging.WithInstanceID(ctx, inst.ID)
	logger := logging.LogWith(ctx, s.logger)
	logger.Info("workflow instance created",
		slog.String("workflow", inst.WorkflowID),
		slog.String("status", string(inst.Status)))

	if timeout := def.ExecTimeout(); timeout > 0 {
		if _, err := s.createSchedule(ctx, CreateScheduleCommand{
			ActivationType: schema.ActivationExplicit,
			Definition:     &schema.ScheduleDefinition{Interval: timeout},
			WorkflowID:     inst.ID,
			ActionType:     schema.ScheduleActionSuspend,
		}, now); err != nil {
			if _, cerr := s.updateInstance(ctx, inst.ID, (*aggregate.WorkflowInstance).Cancel); cerr != nil {
				logger.Warn("cancel instance without timeout schedule", slog.String("error", cerr.Error()))
			}
			return inst, fmt.Errorf("provision execution timeout: %w", err)
		}
	}

	if cmd.AutoStart {
		s.run(ctx, inst.ID)
	}
	return inst, nil
}

func (s *Service) addInstance(ctx context.Context, now time.Time, def *schema.WorkflowDefinition, key string, cmd CreateWorkflowInstanceCommand) (*aggregate.WorkflowInstance, error) {
	inst, err := aggregate.NewWorkflowInstance(now, aggregate.NewInstanceParams{
		DefinitionID:       def.ID,
		WorkflowRef:        def.Ref(),
		Key:                key,
		ActivationType:     cmd.ActivationType,
		InputData:          cmd.InputData,
		CorrelationContext: cmd.CorrelationContext,
		ParentID:           cmd.ParentID,
		ScheduleID:         cmd.ScheduleID,
	})
	if err != nil {
		return nil, err
	}
	if cmd.AutoStart {
		if err := inst.Start(now); err != nil {
			return nil, err
		}
	}
	repo := s.instances()
	if err := repo.Add(ctx, inst); err != nil {
		return nil, err
	}
	if err := repo.SaveChanges(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// instanceKey evaluates the definition's key expression over input. Without
// one a random token is used. fixed reports whether the key came from the
// expression and must not be regenerated.
func (s *Service) instanceKey(ctx context.Context, def *schema.WorkflowDefinition, input any) (key string, fixed bool, err error) {
	if def.Key == "" {
		return aggregate.RandomToken(), false, nil
	}
	ev, err := s.exprs.Get(def.ExpressionLang)
	if err != nil {
		return "", false, err
	}
	out, err := ev.Evaluate(ctx, def.Key, input)
	if err != nil {
		return "", false, err
	}
	switch v := out.(type) {
	case nil:
		return "", false, schema.NewErrorf(schema.ErrCodeValidation, "key expression %q produced no value", def.Key)
	case string:
		if v == "" {
			return "", false, schema.NewErrorf(schema.ErrCodeValidation, "key expression %q produced an empty key", def.Key)
		}
		return v, true, nil
	default:
		return fmt.Sprint(v), true, nil
	}
}

// StartWorkflowInstance starts a Pending instance.
func (s *Service) StartWorkflowInstance(ctx context.Context, id string) (*aggregate.WorkflowInstance, error) {
	inst, err := s.updateInstance(ctx, id, (*aggregate.WorkflowInstance).Start)
	if err != nil {
		return nil, err
	}
	s.run(ctx, id)
	return inst, nil
}

// SuspendWorkflowInstance suspends an instance and stops its run. The
// abandoned activity is re-run on resume.
func (s *Service) SuspendWorkflowInstance(ctx context.Context, id string) (*aggregate.WorkflowInstance, error) {
	inst, err := s.updateInstance(ctx, id, (*aggregate.WorkflowInstance).Suspend)
	if err != nil {
		return nil, err
	}
	if s.runner != nil {
		s.runner.Stop(ctx, id)
	}
	logging.LogWith(logging.WithInstanceID(ctx, id), s.logger).Info("workflow instance suspended")
	return inst, nil
}

// ResumeWorkflowInstance resumes a Suspended instance from its last activity.
func (s *Service) ResumeWorkflowInstance(ctx context.Context, id string) (*aggregate.WorkflowInstance, error) {
	inst, err := s.updateInstance(ctx, id, (*aggregate.WorkflowInstance).Resume)
	if err != nil {
		return nil, err
	}
	s.run(ctx, id)
	return inst, nil
}

// CancelWorkflowInstance cancels an instance and stops its run.
func (s *Service) CancelWorkflowInstance(ctx context.Context, id string) (*aggregate.WorkflowInstance, error) {
	inst, err := s.updateInstance(ctx, id, (*aggregate.WorkflowInstance).Cancel)
	if err != nil {
		return nil, err
	}
	if s.runner != nil {
		s.runner.Stop(ctx, id)
	}
	s.InstanceFinished(ctx, inst)
	return inst, nil
}

func (s *Service) updateInstance(ctx context.Context, id string, fn func(*aggregate.WorkflowInstance, time.Time) error) (*aggregate.WorkflowInstance, error) {
	return update(ctx, s, s.instances, id, fn)
}

func (s *Service) run(ctx context.Context, id string) {
	if s.runner == nil {
		return
	}
	if err := s.runner.Run(context.WithoutCancel(ctx), id); err != nil {
		logging.LogWith(ctx, s.logger).Error("run workflow instance",
			slog.String("instance_id", id), slog.String("error", err.Error()))
	}
}

// InstanceFinished completes the occurrence that created the instance and
// makes its execution-timeout schedules obsolete. It is wired as the runner's
// finish hook and called on cancellation.
func (s *Service) InstanceFinished(ctx context.Context, inst *aggregate.WorkflowInstance) {
	ctx = logging.WithInstanceID(ctx, inst.ID)
	logger := logging.LogWith(ctx, s.logger)

	s.completeOccurrence(ctx, inst)

	timeouts, err := s.store.ListSchedules(ctx, store.ScheduleFilter{
		WorkflowID: inst.ID,
		ActionType: schema.ScheduleActionSuspend,
		Statuses:   []schema.ScheduleStatus{schema.ScheduleStatusActive, schema.ScheduleStatusSuspended},
	})
	if err != nil {
		logger.Error("list timeout schedules", slog.String("error", err.Error()))
		return
	}
	for _, r := range timeouts {
		if _, err := s.MakeScheduleObsolete(ctx, r.ID); err != nil {
			logger.Error("obsolete timeout schedule",
				slog.String("schedule_id", r.ID), slog.String("error", err.Error()))
		}
	}
}

// completeOccurrence completes the occurrence of the schedule that created
// inst. It is a no-op for an instance that is not the schedule's outstanding
// occurrence, so a suspended instance finishing later does not complete twice.
func (s *Service) completeOccurrence(ctx context.Context, inst *aggregate.WorkflowInstance) {
	if inst.ScheduleID == "" {
		return
	}
	logger := logging.LogWith(ctx, s.logger)
	_, err := s.updateSchedule(ctx, inst.ScheduleID, func(sch *aggregate.Schedule, now time.Time) error {
		if sch.LastInstanceID != inst.ID || (!sch.Definition.IsCron() && sch.NextOccurenceAt != nil) {
			return nil
		}
		return sch.CompleteOccurence(now, inst.ID)
	})
	switch {
	case err == nil:
	case schema.IsCode(err, schema.ErrCodeInvalidTransition):
		logger.Debug("occurrence not completed, schedule no longer active",
			slog.String("schedule_id", inst.ScheduleID))
	default:
		logger.Error("complete occurrence",
			slog.String("schedule_id", inst.ScheduleID), slog.String("error", err.Error()))
	}
}
