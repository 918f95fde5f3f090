package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/pulsecrm/engine/internal/domain"
	"github.com/pulsecrm/engine/internal/domain/models"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
)

// armCheckTimeout schedules a CheckTimeout job for a parked step. The job
// records the instance's lock version at arming time; any progress since then
// moves the version and voids the timeout.
func (s *EngineService) armCheckTimeout(ctx context.Context, inst *models.WorkflowInstance, stepKey string, fireAt time.Time) error {
	payload, err := json.Marshal(models.ExecuteStepPayload{
		StepKey:          stepKey,
		ArmedLockVersion: inst.LockVersion,
	})
	if err != nil {
		return err
	}
	return s.jobs.Enqueue(ctx, &models.WorkflowJob{
		JobType:     models.JobTypeCheckTimeout,
		InstanceID:  &inst.ID,
		StepKey:     &stepKey,
		ScheduledAt: fireAt,
		Payload:     string(payload),
	})
}

// handleCheckTimeout fires when a parked step's deadline passes. For Delay
// steps firing is the happy path (wake up and advance); for everything else
// the step's timeout action applies.
func (s *EngineService) handleCheckTimeout(ctx context.Context, job *models.WorkflowJob) error {
	var payload models.ExecuteStepPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return apperrors.NewConfigurationError("", fmt.Sprintf("malformed CheckTimeout payload: %v", err))
	}
	if job.InstanceID == nil {
		return apperrors.NewConfigurationError("", "CheckTimeout job has no instance")
	}

	inst, err := s.instances.Get(ctx, *job.InstanceID)
	if err != nil {
		return err
	}
	if inst.IsTerminal() || inst.Status == models.InstanceStatusPaused {
		return nil
	}

	// The lock version moved since arming: the step completed, the task was
	// acted on, or an operator intervened. The timeout is void.
	if inst.LockVersion != payload.ArmedLockVersion {
		log.Printf("⏰ [Engine] Timeout for step %s on instance %s voided by progress", payload.StepKey, inst.ID)
		return nil
	}

	def, err := s.resolveDefinition(ctx, inst)
	if err != nil {
		return err
	}
	step := def.StepByKey(payload.StepKey)
	if step == nil {
		return apperrors.NewConfigurationError(payload.StepKey, "step not in definition")
	}

	if step.StepType == models.StepTypeDelay {
		return s.wakeFromDelay(ctx, inst, def, step)
	}
	return s.applyTimeoutAction(ctx, inst, def, step)
}

// wakeFromDelay resumes a Suspended instance whose delay elapsed
func (s *EngineService) wakeFromDelay(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.Step) error {
	updated, err := s.updateInstance(ctx, inst.ID, func(cur *models.WorkflowInstance) error {
		status, err := s.sm.Transition(cur.Status, domain.TransitionResume)
		if err != nil {
			return apperrors.NewConflictError(err.Error())
		}
		cur.Status = status
		return nil
	})
	if err != nil {
		return err
	}
	*inst = *updated

	s.logEvent(ctx, inst.ID, models.EventWorkflowResumed, &step.StepKey, SystemActor, nil, models.SeverityInfo)
	log.Printf("⏰ [Engine] Instance %s woke from delay at %s", inst.ID, step.StepKey)

	env, err := s.buildEnv(ctx, inst.ID)
	if err != nil {
		return err
	}
	return s.completeAndAdvance(ctx, inst, def, step, env)
}

// applyTimeoutAction runs the step's configured timeout policy
func (s *EngineService) applyTimeoutAction(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.Step) error {
	s.logEvent(ctx, inst.ID, models.EventStepTimedOut, &step.StepKey, SystemActor, nil, models.SeverityWarning)

	action := step.TimeoutAction
	if action == "" {
		action = models.TimeoutActionFail
	}

	switch action {
	case models.TimeoutActionFail:
		if step.StepType == models.StepTypeUserAction {
			if err := s.tasks.ExpireForStep(ctx, inst.ID, step.StepKey); err != nil {
				log.Printf("⚠️ [Engine] Failed to expire task for %s/%s: %v", inst.ID, step.StepKey, err)
			}
		}
		return s.failInstance(ctx, inst.ID, &step.StepKey,
			fmt.Sprintf("step %s timed out after %d minutes", step.StepKey, step.TimeoutMinutes))

	case models.TimeoutActionSkip:
		if step.StepType == models.StepTypeUserAction {
			if err := s.tasks.ExpireForStep(ctx, inst.ID, step.StepKey); err != nil {
				log.Printf("⚠️ [Engine] Failed to expire task for %s/%s: %v", inst.ID, step.StepKey, err)
			}
		}
		s.logEvent(ctx, inst.ID, models.EventStepSkipped, &step.StepKey, SystemActor, nil, models.SeverityWarning)
		updated, err := s.updateInstance(ctx, inst.ID, func(cur *models.WorkflowInstance) error {
			if cur.Status != models.InstanceStatusRunning {
				status, err := s.sm.Transition(cur.Status, domain.TransitionResume)
				if err != nil {
					return apperrors.NewConflictError(err.Error())
				}
				cur.Status = status
			}
			return nil
		})
		if err != nil {
			return err
		}
		*inst = *updated
		env, err := s.buildEnv(ctx, inst.ID)
		if err != nil {
			return err
		}
		return s.completeAndAdvance(ctx, inst, def, step, env)

	case models.TimeoutActionRetry:
		if step.StepType == models.StepTypeUserAction {
			if err := s.tasks.ExpireForStep(ctx, inst.ID, step.StepKey); err != nil {
				log.Printf("⚠️ [Engine] Failed to expire task for %s/%s: %v", inst.ID, step.StepKey, err)
			}
		}
		updated, err := s.updateInstance(ctx, inst.ID, func(cur *models.WorkflowInstance) error {
			if cur.Status != models.InstanceStatusRunning {
				status, err := s.sm.Transition(cur.Status, domain.TransitionResume)
				if err != nil {
					return apperrors.NewConflictError(err.Error())
				}
				cur.Status = status
			}
			return nil
		})
		if err != nil {
			return err
		}
		*inst = *updated
		log.Printf("🔄 [Engine] Step %s on instance %s timed out, re-executing", step.StepKey, inst.ID)
		return s.enqueueStepJob(ctx, inst, def, step.StepKey, "")

	case models.TimeoutActionEscalate:
		if step.StepType != models.StepTypeUserAction {
			return apperrors.NewConfigurationError(step.StepKey, "escalate timeout action requires a UserAction step")
		}
		if err := s.tasks.EscalateForStep(ctx, inst.ID, step.StepKey); err != nil {
			return err
		}
		// Re-arm: escalation keeps the task open on a fresh deadline
		updated, err := s.updateInstance(ctx, inst.ID, func(cur *models.WorkflowInstance) error {
			// Touch bumps the lock version so the old timeout stays void
			return nil
		})
		if err != nil {
			return err
		}
		*inst = *updated
		wake := s.clock.Now().Add(time.Duration(step.TimeoutMinutes) * time.Minute)
		return s.armCheckTimeout(ctx, inst, step.StepKey, wake)

	default:
		return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("unknown timeout action %q", action))
	}
}
