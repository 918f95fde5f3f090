package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pulsecrm/engine/internal/domain"
	"github.com/pulsecrm/engine/internal/domain/models"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
)

// errJoinDuplicate aborts the join's lock-version loop when the arriving
// branch is already recorded, leaving the row untouched
var errJoinDuplicate = errors.New("join arrival already recorded")

// handleExecuteStep is the core job handler: it executes one step of one
// instance and advances the graph.
func (s *EngineService) handleExecuteStep(ctx context.Context, job *models.WorkflowJob) error {
	var payload models.ExecuteStepPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return apperrors.NewConfigurationError("", fmt.Sprintf("malformed ExecuteStep payload: %v", err))
	}
	if job.InstanceID == nil {
		return apperrors.NewConfigurationError("", "ExecuteStep job has no instance")
	}

	inst, err := s.instances.Get(ctx, *job.InstanceID)
	if err != nil {
		var nf *apperrors.NotFoundError
		if errors.As(err, &nf) {
			log.Printf("⚠️ [Engine] ExecuteStep for vanished instance %s, dropping", *job.InstanceID)
			return nil
		}
		return err
	}

	// Status guard: park/terminal states make the job a no-op. A paused
	// instance is re-armed by Resume, not by draining stale jobs.
	switch inst.Status {
	case models.InstanceStatusRunning:
	case models.InstanceStatusWaitingForInput:
		if payload.TaskID == "" {
			log.Printf("⚠️ [Engine] Instance %s is waiting for input, skipping step %s", inst.ID, payload.StepKey)
			return nil
		}
	default:
		log.Printf("⚠️ [Engine] Instance %s is %s, skipping step %s", inst.ID, inst.Status, payload.StepKey)
		return nil
	}

	def, err := s.resolveDefinition(ctx, inst)
	if err != nil {
		return err
	}
	step := def.StepByKey(payload.StepKey)
	if step == nil {
		return apperrors.NewConfigurationError(payload.StepKey,
			fmt.Sprintf("step %q not in definition %s v%d", payload.StepKey, def.Name, inst.DefinitionVersion))
	}

	// Staleness guard: only the step the instance is actually on (or one of
	// its active parallel branches) may execute. Join arrivals are exempt:
	// the arriving branch was removed from the active set when it advanced.
	if step.StepType != models.StepTypeJoin && !s.stepIsCurrent(inst, step.StepKey) {
		log.Printf("⚠️ [Engine] Step %s is no longer active on instance %s, dropping stale job", step.StepKey, inst.ID)
		return nil
	}

	env, err := s.buildEnv(ctx, inst.ID)
	if err != nil {
		return err
	}

	return s.executeStep(ctx, inst, def, step, env, &payload)
}

// stepIsCurrent reports whether the step is what the instance is working on
func (s *EngineService) stepIsCurrent(inst *models.WorkflowInstance, stepKey string) bool {
	if inst.CurrentStepKey != nil && *inst.CurrentStepKey == stepKey {
		return true
	}
	return inst.HasActiveStep(stepKey)
}

// executeStep dispatches on step type. Configuration problems come back as
// ConfigurationError (never retried); everything else may retry.
func (s *EngineService) executeStep(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.Step, env map[string]interface{}, payload *models.ExecuteStepPayload) error {
	cfg, err := step.ParseConfig()
	if err != nil {
		return apperrors.NewConfigurationError(step.StepKey, err.Error())
	}

	if step.StepType != models.StepTypeJoin {
		s.logEvent(ctx, inst.ID, models.EventStepStarted, &step.StepKey, SystemActor, nil, models.SeverityInfo)
	}

	switch step.StepType {
	case models.StepTypeStart:
		return s.completeAndAdvance(ctx, inst, def, step, env)

	case models.StepTypeEnd:
		return s.executeEnd(ctx, inst, step)

	case models.StepTypeSetVariable:
		for key, expr := range cfg.(*models.SetVariableConfig).Assignments {
			value, err := s.evaluator.Evaluate(expr, env)
			if err != nil {
				return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("assignment %s: %v", key, err))
			}
			if err := s.setContextValue(ctx, inst.ID, key, value, &step.StepKey, false); err != nil {
				return err
			}
			setNested(env, key, value)
		}
		return s.completeAndAdvance(ctx, inst, def, step, env)

	case models.StepTypeScript:
		return s.executeScript(ctx, inst, def, step, cfg.(*models.ScriptConfig), env)

	case models.StepTypeConditional:
		return s.executeConditional(ctx, inst, def, step, cfg.(*models.ConditionalConfig), env)

	case models.StepTypeParallel:
		return s.executeParallel(ctx, inst, def, step, cfg.(*models.ParallelConfig))

	case models.StepTypeJoin:
		return s.executeJoin(ctx, inst, def, step, cfg.(*models.JoinConfig), env, payload.CompletedBranchKey)

	case models.StepTypeDelay:
		return s.executeDelay(ctx, inst, step, cfg.(*models.DelayConfig), env)

	case models.StepTypeUserAction:
		return s.executeUserAction(ctx, inst, def, step, cfg.(*models.UserActionConfig), env, payload.TaskID)

	case models.StepTypeApiCall:
		return s.executeApiCall(ctx, inst, def, step, cfg.(*models.ApiCallConfig), env)

	case models.StepTypeNotification:
		return s.executeNotification(ctx, inst, def, step, cfg.(*models.NotificationConfig), env)

	case models.StepTypeSubWorkflow:
		return s.executeSubWorkflow(ctx, inst, def, step, cfg.(*models.SubWorkflowConfig), env)

	default:
		return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("unknown step type %q", step.StepType))
	}
}

// ----------------------------------------------------------------------------
// Transition selection and advancement
// ----------------------------------------------------------------------------

// selectTransition picks the outgoing transition deterministically: among
// transitions whose condition holds (or is empty), the lowest priority value
// wins; ties prefer the default, then declaration order. When no condition
// holds, a declared default is the fallback.
func (s *EngineService) selectTransition(step *models.Step, env map[string]interface{}) (string, error) {
	var best *models.Transition
	for i := range step.Transitions {
		t := &step.Transitions[i]
		if t.Condition != "" {
			match, err := s.evaluator.EvaluateBool(t.Condition, env)
			if err != nil {
				return "", apperrors.NewConfigurationError(step.StepKey,
					fmt.Sprintf("transition condition %q: %v", t.Condition, err))
			}
			if !match {
				continue
			}
		}
		if best == nil || t.Priority < best.Priority || (t.Priority == best.Priority && t.IsDefault && !best.IsDefault) {
			best = t
		}
	}
	if best != nil {
		return best.TargetStepKey, nil
	}

	// Nothing matched; fall back to a declared default even if its condition
	// did not hold.
	for i := range step.Transitions {
		if step.Transitions[i].IsDefault {
			return step.Transitions[i].TargetStepKey, nil
		}
	}
	return "", apperrors.NewConfigurationError(step.StepKey, "no transition matched and no default declared")
}

// completeAndAdvance emits StepCompleted, selects the outgoing transition,
// moves the instance pointer, and enqueues the next step.
func (s *EngineService) completeAndAdvance(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.Step, env map[string]interface{}) error {
	nextKey, err := s.selectTransition(step, env)
	if err != nil {
		return err
	}
	return s.advanceTo(ctx, inst, def, step, nextKey)
}

// advanceTo records StepCompleted and moves execution from step to nextKey.
// Inside a parallel region the branch's entry in the active set follows the
// execution pointer; a branch arriving at a Join leaves the set.
func (s *EngineService) advanceTo(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.Step, nextKey string) error {
	next := def.StepByKey(nextKey)
	if next == nil {
		return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("transition targets unknown step %q", nextKey))
	}

	s.logEvent(ctx, inst.ID, models.EventStepCompleted, &step.StepKey, SystemActor, nil, models.SeverityInfo)

	intoJoin := next.StepType == models.StepTypeJoin
	updated, err := s.updateInstance(ctx, inst.ID, func(cur *models.WorkflowInstance) error {
		if cur.Status == models.InstanceStatusWaitingForInput {
			status, err := s.sm.Transition(cur.Status, domain.TransitionResume)
			if err != nil {
				return err
			}
			cur.Status = status
		}
		if cur.HasActiveStep(step.StepKey) {
			cur.ActiveStepKeys = removeKey(cur.ActiveStepKeys, step.StepKey)
			if !intoJoin {
				cur.ActiveStepKeys = append(cur.ActiveStepKeys, nextKey)
			}
		} else {
			cur.CurrentStepKey = &nextKey
		}
		return nil
	})
	if err != nil {
		return err
	}
	*inst = *updated

	branchKey := ""
	if intoJoin {
		branchKey = step.StepKey
	}
	return s.enqueueStepJob(ctx, inst, def, nextKey, branchKey)
}

// ----------------------------------------------------------------------------
// Per-type handlers
// ----------------------------------------------------------------------------

// executeEnd completes the instance, parallel-aware: when other branches are
// still active, only this path ends.
func (s *EngineService) executeEnd(ctx context.Context, inst *models.WorkflowInstance, step *models.Step) error {
	completed := false
	updated, err := s.updateInstance(ctx, inst.ID, func(cur *models.WorkflowInstance) error {
		completed = false
		cur.ActiveStepKeys = removeKey(cur.ActiveStepKeys, step.StepKey)
		if len(cur.ActiveStepKeys) > 0 {
			return nil
		}
		status, err := s.sm.Transition(cur.Status, domain.TransitionComplete)
		if err != nil {
			return err
		}
		cur.Status = status
		cur.CurrentStepKey = &step.StepKey
		now := s.clock.Now()
		cur.CompletedAt = &now
		completed = true
		return nil
	})
	if err != nil {
		if apperrors.IsConcurrencyConflict(err) {
			return apperrors.NewTransientError("complete instance", err)
		}
		return err
	}
	*inst = *updated

	s.logEvent(ctx, inst.ID, models.EventStepCompleted, &step.StepKey, SystemActor, nil, models.SeverityInfo)
	if !completed {
		log.Printf("🔄 [Engine] Branch reached end on instance %s, %d branches still active", inst.ID, len(inst.ActiveStepKeys))
		return nil
	}

	s.logEvent(ctx, inst.ID, models.EventWorkflowCompleted, &step.StepKey, SystemActor, nil, models.SeverityInfo)
	log.Printf("✅ [Engine] Instance %s completed", inst.ID)

	if inst.ParentInstanceID != nil {
		return s.resumeParentAfterChild(ctx, inst)
	}
	return nil
}

func (s *EngineService) executeScript(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.Step, cfg *models.ScriptConfig, env map[string]interface{}) error {
	if cfg.Mode == "Transform" {
		value, err := s.evaluator.Evaluate(cfg.Expression, env)
		if err != nil {
			return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("transform expression: %v", err))
		}
		if err := s.setContextValue(ctx, inst.ID, cfg.OutputKey, value, &step.StepKey, false); err != nil {
			return err
		}
		setNested(env, cfg.OutputKey, value)
		return s.completeAndAdvance(ctx, inst, def, step, env)
	}

	for key, expr := range cfg.Assignments {
		value, err := s.evaluator.Evaluate(expr, env)
		if err != nil {
			return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("assignment %s: %v", key, err))
		}
		if err := s.setContextValue(ctx, inst.ID, key, value, &step.StepKey, false); err != nil {
			return err
		}
		setNested(env, key, value)
	}
	return s.completeAndAdvance(ctx, inst, def, step, env)
}

// executeConditional picks the first true branch in ascending priority order,
// falling back to the declared default.
func (s *EngineService) executeConditional(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.Step, cfg *models.ConditionalConfig, env map[string]interface{}) error {
	ordered := make([]models.ConditionBranch, len(cfg.Branches))
	copy(ordered, cfg.Branches)
	// Stable insertion sort keeps declaration order for equal priorities
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Priority < ordered[j-1].Priority; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	var defaultKey string
	if cfg.DefaultNextStepKey != "" {
		defaultKey = cfg.DefaultNextStepKey
	}
	for _, branch := range ordered {
		if branch.IsDefault && defaultKey == "" {
			defaultKey = branch.NextStepKey
		}
		if branch.Expression == "" {
			continue
		}
		match, err := s.evaluator.EvaluateBool(branch.Expression, env)
		if err != nil {
			return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("branch condition %q: %v", branch.Expression, err))
		}
		if match {
			return s.advanceTo(ctx, inst, def, step, branch.NextStepKey)
		}
	}

	if defaultKey == "" {
		return apperrors.NewConfigurationError(step.StepKey, "no branch matched and no default branch declared")
	}
	return s.advanceTo(ctx, inst, def, step, defaultKey)
}

// executeParallel activates every branch and enqueues one job per branch
func (s *EngineService) executeParallel(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.Step, cfg *models.ParallelConfig) error {
	updated, err := s.updateInstance(ctx, inst.ID, func(cur *models.WorkflowInstance) error {
		cur.CurrentStepKey = &step.StepKey
		for _, key := range cfg.BranchStepKeys {
			if !cur.HasActiveStep(key) {
				cur.ActiveStepKeys = append(cur.ActiveStepKeys, key)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	*inst = *updated

	s.logEvent(ctx, inst.ID, models.EventStepCompleted, &step.StepKey, SystemActor, nil, models.SeverityInfo)
	for _, key := range cfg.BranchStepKeys {
		k := key
		s.logEvent(ctx, inst.ID, models.EventBranchActivated, &k, SystemActor, nil, models.SeverityInfo)
		if err := s.enqueueStepJob(ctx, inst, def, key, ""); err != nil {
			return err
		}
	}
	log.Printf("🔄 [Engine] Instance %s fanned out to %d parallel branches at %s", inst.ID, len(cfg.BranchStepKeys), step.StepKey)
	return nil
}

// executeJoin records a branch arrival and fires the join exactly once when
// its mode is satisfied. Arrivals after firing (Any / N modes) are absorbed.
// All bookkeeping mutates the instance row inside the optimistic-lock loop:
// two branches arriving at once conflict on the lock version, and the loser
// re-reads a state that already holds the winner's arrival.
func (s *EngineService) executeJoin(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.Step, cfg *models.JoinConfig, env map[string]interface{}, branchKey string) error {
	if branchKey == "" {
		return apperrors.NewConfigurationError(step.StepKey, "join executed without an arriving branch")
	}

	var duplicate, fireNow, absorbed bool
	updated, err := s.updateInstance(ctx, inst.ID, func(cur *models.WorkflowInstance) error {
		duplicate, fireNow, absorbed = false, false, false

		state := cur.JoinStates[step.StepKey]
		if state == nil {
			state = &models.JoinState{}
		}
		if state.Arrived(branchKey) {
			duplicate = true
			return errJoinDuplicate
		}
		state.Arrivals = append(state.Arrivals, branchKey)

		satisfied := false
		switch cfg.JoinMode {
		case models.JoinModeAll:
			satisfied = len(state.Arrivals) >= cfg.BranchCount
		case models.JoinModeAny:
			satisfied = len(state.Arrivals) >= 1
		case models.JoinModeN:
			satisfied = len(state.Arrivals) >= cfg.JoinThreshold
		}

		fireNow = satisfied && !state.Fired
		absorbed = state.Fired
		if fireNow {
			state.Fired = true
			// The join collapses the parallel region: the remaining active
			// set is dropped and execution continues single-file. Late
			// branch jobs are screened out by the staleness guard.
			cur.ActiveStepKeys = nil
			cur.CurrentStepKey = &step.StepKey
		}
		if cur.JoinStates == nil {
			cur.JoinStates = map[string]*models.JoinState{}
		}
		cur.JoinStates[step.StepKey] = state
		return nil
	})
	if duplicate {
		return nil // Duplicate delivery of the same arrival
	}
	if err != nil {
		return err
	}
	*inst = *updated

	s.logEvent(ctx, inst.ID, models.EventJoinArrived, &step.StepKey, SystemActor, strPtr(branchKey), models.SeverityInfo)

	if !fireNow {
		if absorbed {
			log.Printf("🔄 [Engine] Join %s on instance %s absorbed late arrival from %s", step.StepKey, inst.ID, branchKey)
		}
		return nil
	}

	s.logEvent(ctx, inst.ID, models.EventJoinSatisfied, &step.StepKey, SystemActor, nil, models.SeverityInfo)
	return s.completeAndAdvance(ctx, inst, def, step, env)
}

// executeDelay suspends the instance and arms a CheckTimeout job at the wake
// time.
func (s *EngineService) executeDelay(ctx context.Context, inst *models.WorkflowInstance, step *models.Step, cfg *models.DelayConfig, env map[string]interface{}) error {
	wake, err := s.delayWakeTime(step, cfg, env)
	if err != nil {
		return err
	}

	updated, err := s.updateInstance(ctx, inst.ID, func(cur *models.WorkflowInstance) error {
		status, err := s.sm.Transition(cur.Status, domain.TransitionSuspend)
		if err != nil {
			return err
		}
		cur.Status = status
		cur.CurrentStepKey = &step.StepKey
		return nil
	})
	if err != nil {
		return err
	}
	*inst = *updated

	s.logEvent(ctx, inst.ID, models.EventWorkflowSuspended, &step.StepKey, SystemActor, nil, models.SeverityInfo)
	log.Printf("⏰ [Engine] Instance %s sleeping at %s until %s", inst.ID, step.StepKey, wake.Format(time.RFC3339))
	return s.armCheckTimeout(ctx, inst, step.StepKey, wake)
}

// delayWakeTime resolves the wake time from a delay configuration
func (s *EngineService) delayWakeTime(step *models.Step, cfg *models.DelayConfig, env map[string]interface{}) (time.Time, error) {
	now := s.clock.Now()

	if cfg.UntilDateTime != "" {
		t, err := time.Parse(time.RFC3339, cfg.UntilDateTime)
		if err != nil {
			return time.Time{}, apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("until_date_time: %v", err))
		}
		return t, nil
	}

	if cfg.Expression != "" {
		result, err := s.evaluator.Evaluate(cfg.Expression, env)
		if err != nil {
			return time.Time{}, apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("delay expression: %v", err))
		}
		switch v := result.(type) {
		case string:
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return time.Time{}, apperrors.NewConfigurationError(step.StepKey,
					fmt.Sprintf("delay expression returned %q, expected RFC3339 time or minutes", v))
			}
			return t, nil
		case float64:
			return now.Add(time.Duration(v) * time.Minute), nil
		case int:
			return now.Add(time.Duration(v) * time.Minute), nil
		case int64:
			return now.Add(time.Duration(v) * time.Minute), nil
		default:
			return time.Time{}, apperrors.NewConfigurationError(step.StepKey,
				fmt.Sprintf("delay expression returned %T, expected time or minutes", result))
		}
	}

	d := time.Duration(cfg.DurationMinutes)*time.Minute +
		time.Duration(cfg.DurationHours)*time.Hour +
		time.Duration(cfg.DurationDays)*24*time.Hour
	return now.Add(d), nil
}

// executeUserAction creates a human task and parks the instance; a completed
// task re-enters here with its TaskID to resume and advance.
func (s *EngineService) executeUserAction(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.Step, cfg *models.UserActionConfig, env map[string]interface{}, taskID string) error {
	if taskID != "" {
		return s.completeAndAdvance(ctx, inst, def, step, env)
	}

	task, err := s.tasks.CreateForStep(ctx, inst, step, cfg, env)
	if err != nil {
		return err
	}

	updated, err := s.updateInstance(ctx, inst.ID, func(cur *models.WorkflowInstance) error {
		status, err := s.sm.Transition(cur.Status, domain.TransitionWait)
		if err != nil {
			return err
		}
		cur.Status = status
		if !cur.HasActiveStep(step.StepKey) {
			cur.CurrentStepKey = &step.StepKey
		}
		return nil
	})
	if err != nil {
		return err
	}
	*inst = *updated

	log.Printf("📋 [Engine] Instance %s waiting on task %s at step %s", inst.ID, task.ID, step.StepKey)
	if step.TimeoutMinutes > 0 {
		wake := s.clock.Now().Add(time.Duration(step.TimeoutMinutes) * time.Minute)
		return s.armCheckTimeout(ctx, inst, step.StepKey, wake)
	}
	return nil
}

// executeApiCall performs the outbound call. Steps carrying their own retry
// policy run through a dedicated ExecuteApiCall job so the call's budget is
// independent of the step job's; others execute inline and lean on the step
// job's retry.
func (s *EngineService) executeApiCall(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.Step, cfg *models.ApiCallConfig, env map[string]interface{}) error {
	if cfg.Retry != nil && cfg.Retry.MaxAttempts > 0 {
		payload, err := json.Marshal(models.ExecuteApiCallPayload{StepKey: step.StepKey})
		if err != nil {
			return err
		}
		job := &models.WorkflowJob{
			JobType:            models.JobTypeExecuteApiCall,
			InstanceID:         &inst.ID,
			StepKey:            &step.StepKey,
			MaxAttempts:        cfg.Retry.MaxAttempts,
			BackoffSeconds:     cfg.Retry.BackoffSeconds,
			BackoffExponential: cfg.Retry.Exponential,
			Payload:            string(payload),
		}
		return s.jobs.Enqueue(ctx, job)
	}

	if err := s.apiCalls.Execute(ctx, inst, step, cfg, env); err != nil {
		return err
	}
	env, err := s.buildEnv(ctx, inst.ID) // response mapping may have written keys
	if err != nil {
		return err
	}
	return s.completeAndAdvance(ctx, inst, def, step, env)
}

// handleExecuteApiCall runs an ApiCall step inside its dedicated job
func (s *EngineService) handleExecuteApiCall(ctx context.Context, job *models.WorkflowJob) error {
	var payload models.ExecuteApiCallPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return apperrors.NewConfigurationError("", fmt.Sprintf("malformed ExecuteApiCall payload: %v", err))
	}
	if job.InstanceID == nil {
		return apperrors.NewConfigurationError("", "ExecuteApiCall job has no instance")
	}

	inst, err := s.instances.Get(ctx, *job.InstanceID)
	if err != nil {
		return err
	}
	if inst.IsTerminal() {
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
	cfg, err := step.ParseConfig()
	if err != nil {
		return apperrors.NewConfigurationError(step.StepKey, err.Error())
	}

	env, err := s.buildEnv(ctx, inst.ID)
	if err != nil {
		return err
	}
	if err := s.apiCalls.Execute(ctx, inst, step, cfg.(*models.ApiCallConfig), env); err != nil {
		return err
	}
	env, err = s.buildEnv(ctx, inst.ID)
	if err != nil {
		return err
	}
	return s.completeAndAdvance(ctx, inst, def, step, env)
}

// executeNotification renders templates and hands delivery to a
// SendNotification job; the step completes immediately.
func (s *EngineService) executeNotification(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.Step, cfg *models.NotificationConfig, env map[string]interface{}) error {
	if err := s.notifications.EnqueueFromStep(ctx, inst, step, cfg, env); err != nil {
		return err
	}
	return s.completeAndAdvance(ctx, inst, def, step, env)
}

// executeSubWorkflow starts a child instance; with waitForCompletion the
// parent suspends until the child finishes.
func (s *EngineService) executeSubWorkflow(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, step *models.Step, cfg *models.SubWorkflowConfig, env map[string]interface{}) error {
	childContext := make(map[string]interface{}, len(cfg.InputMapping))
	for childKey, expr := range cfg.InputMapping {
		value, err := s.evaluator.Evaluate(expr, env)
		if err != nil {
			return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("input mapping %s: %v", childKey, err))
		}
		childContext[childKey] = value
	}

	if cfg.WaitForCompletion {
		updated, err := s.updateInstance(ctx, inst.ID, func(cur *models.WorkflowInstance) error {
			status, err := s.sm.Transition(cur.Status, domain.TransitionSuspend)
			if err != nil {
				return err
			}
			cur.Status = status
			cur.CurrentStepKey = &step.StepKey
			return nil
		})
		if err != nil {
			return err
		}
		*inst = *updated
		s.logEvent(ctx, inst.ID, models.EventWorkflowSuspended, &step.StepKey, SystemActor, nil, models.SeverityInfo)
	}

	child, err := s.StartInstance(ctx, StartOptions{
		DefinitionID:     cfg.DefinitionID,
		EntityType:       inst.EntityType,
		EntityID:         inst.EntityID,
		InitialContext:   childContext,
		ParentInstanceID: &inst.ID,
		ParentStepKey:    &step.StepKey,
	})
	if err != nil {
		return err
	}
	log.Printf("🔄 [Engine] Instance %s spawned child %s at step %s", inst.ID, child.ID, step.StepKey)

	if cfg.WaitForCompletion {
		return nil
	}
	return s.completeAndAdvance(ctx, inst, def, step, env)
}

// resumeParentAfterChild applies the sub-workflow's output mapping to the
// parent's context and advances the parent past its SubWorkflow step.
func (s *EngineService) resumeParentAfterChild(ctx context.Context, child *models.WorkflowInstance) error {
	parent, err := s.instances.Get(ctx, *child.ParentInstanceID)
	if err != nil {
		return err
	}
	if parent.IsTerminal() || child.ParentStepKey == nil {
		return nil
	}
	def, err := s.resolveDefinition(ctx, parent)
	if err != nil {
		return err
	}
	step := def.StepByKey(*child.ParentStepKey)
	if step == nil {
		return apperrors.NewConfigurationError(*child.ParentStepKey, "sub-workflow step not in parent definition")
	}
	cfg, err := step.ParseConfig()
	if err != nil {
		return apperrors.NewConfigurationError(step.StepKey, err.Error())
	}
	subCfg := cfg.(*models.SubWorkflowConfig)

	childEnv, err := s.buildEnv(ctx, child.ID)
	if err != nil {
		return err
	}
	for parentKey, expr := range subCfg.OutputMapping {
		value, err := s.evaluator.Evaluate(expr, childEnv)
		if err != nil {
			return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("output mapping %s: %v", parentKey, err))
		}
		if err := s.setContextValue(ctx, parent.ID, parentKey, value, &step.StepKey, false); err != nil {
			return err
		}
	}

	updated, err := s.updateInstance(ctx, parent.ID, func(cur *models.WorkflowInstance) error {
		if cur.Status == models.InstanceStatusSuspended {
			status, err := s.sm.Transition(cur.Status, domain.TransitionResume)
			if err != nil {
				return err
			}
			cur.Status = status
		}
		return nil
	})
	if err != nil {
		return err
	}
	*parent = *updated

	s.logEvent(ctx, parent.ID, models.EventWorkflowResumed, &step.StepKey, SystemActor, nil, models.SeverityInfo)
	parentEnv, err := s.buildEnv(ctx, parent.ID)
	if err != nil {
		return err
	}
	return s.completeAndAdvance(ctx, parent, def, step, parentEnv)
}

func removeKey(keys []string, key string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}
