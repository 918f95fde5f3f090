package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pulsecrm/engine/internal/domain"
	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
	"github.com/pulsecrm/engine/pkg/utils"
)

// SystemActor is the actor recorded on events the engine emits itself
const SystemActor = "system"

// casMaxRetries bounds the re-read/retry loop around optimistic lock
// conflicts inside a single job execution.
const casMaxRetries = 3

// EngineService is the workflow execution core. It owns instance lifecycle
// (start, advance, park, finalize), dispatches leased jobs by type, and is the
// only writer of instance status outside the operator endpoints.
type EngineService struct {
	definitions ports.DefinitionStore
	instances   ports.InstanceStore
	events      ports.EventStore
	contextVars ports.ContextStore
	jobs        ports.JobQueue
	evaluator   ports.ConditionEvaluator
	clock       ports.Clock
	sm          *domain.InstanceStateMachine

	tasks         *TaskService
	apiCalls      *ApiCallService
	notifications *NotificationService

	// Retention window for CleanupInstances jobs
	retention       time.Duration
	cleanupInterval time.Duration
	cleanupBatch    int
}

// NewEngineService creates the execution core with its collaborating services
func NewEngineService(
	definitions ports.DefinitionStore,
	instances ports.InstanceStore,
	events ports.EventStore,
	contextVars ports.ContextStore,
	jobs ports.JobQueue,
	evaluator ports.ConditionEvaluator,
	clock ports.Clock,
	tasks *TaskService,
	apiCalls *ApiCallService,
	notifications *NotificationService,
) *EngineService {
	return &EngineService{
		definitions:     definitions,
		instances:       instances,
		events:          events,
		contextVars:     contextVars,
		jobs:            jobs,
		evaluator:       evaluator,
		clock:           clock,
		sm:              domain.NewInstanceStateMachine(),
		tasks:           tasks,
		apiCalls:        apiCalls,
		notifications:   notifications,
		retention:       90 * 24 * time.Hour,
		cleanupInterval: 24 * time.Hour,
		cleanupBatch:    200,
	}
}

// SetRetention overrides the retention window and cleanup cadence
func (s *EngineService) SetRetention(window, interval time.Duration) {
	s.retention = window
	s.cleanupInterval = interval
}

// StartOptions carries everything needed to start an instance
type StartOptions struct {
	DefinitionID   string
	EntityType     string
	EntityID       string
	InitialContext map[string]interface{}
	StartedByID    *string
	// Set for SubWorkflow children
	ParentInstanceID *string
	ParentStepKey    *string
}

// StartInstance creates and launches a new workflow instance: Pending row,
// initial context, WorkflowStarted event, then Running with an ExecuteStep job
// at the start step.
func (s *EngineService) StartInstance(ctx context.Context, opts StartOptions) (*models.WorkflowInstance, error) {
	def, err := s.definitions.Get(ctx, opts.DefinitionID)
	if err != nil {
		return nil, err
	}
	if def.Status != models.DefinitionStatusPublished {
		return nil, apperrors.NewValidationError("definition_id",
			fmt.Sprintf("definition %s is %s, only Published definitions can start instances", def.Name, def.Status))
	}
	start := def.StartStep()
	if start == nil {
		return nil, apperrors.NewConfigurationError("", fmt.Sprintf("definition %s has no start step", def.Name))
	}

	inst := &models.WorkflowInstance{
		ID:                utils.GenerateID(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.VersionNumber,
		EntityType:        opts.EntityType,
		EntityID:          opts.EntityID,
		Status:            models.InstanceStatusPending,
		StartedByID:       opts.StartedByID,
		ParentInstanceID:  opts.ParentInstanceID,
		ParentStepKey:     opts.ParentStepKey,
		StartedAt:         s.clock.Now(),
	}
	if err := s.instances.Create(ctx, inst); err != nil {
		return nil, err
	}

	for key, value := range opts.InitialContext {
		if err := s.setContextValue(ctx, inst.ID, key, value, nil, false); err != nil {
			return nil, err
		}
	}

	actor := SystemActor
	if opts.StartedByID != nil {
		actor = *opts.StartedByID
	}
	s.logEvent(ctx, inst.ID, models.EventWorkflowStarted, &start.StepKey, actor, nil, models.SeverityInfo)

	next, err := s.sm.Transition(inst.Status, domain.TransitionStart)
	if err != nil {
		return nil, err
	}
	inst.Status = next
	inst.CurrentStepKey = &start.StepKey
	if err := s.instances.Update(ctx, inst); err != nil {
		return nil, err
	}

	if err := s.enqueueStepJob(ctx, inst, def, start.StepKey, ""); err != nil {
		return nil, err
	}

	log.Printf("✅ [Engine] Started instance %s (definition %s v%d) for %s/%s",
		inst.ID, def.Name, def.VersionNumber, opts.EntityType, opts.EntityID)
	return inst, nil
}

// HandleJob dispatches one leased job. Returned errors are classified by the
// worker: configuration errors dead-letter immediately, everything else
// retries per the job's budget.
func (s *EngineService) HandleJob(ctx context.Context, job *models.WorkflowJob) error {
	switch job.JobType {
	case models.JobTypeExecuteStep:
		return s.handleExecuteStep(ctx, job)
	case models.JobTypeCheckTimeout:
		return s.handleCheckTimeout(ctx, job)
	case models.JobTypeExecuteApiCall:
		return s.handleExecuteApiCall(ctx, job)
	case models.JobTypeSendNotification:
		return s.notifications.HandleSendNotification(ctx, job)
	case models.JobTypeProcessEscalation:
		return s.tasks.HandleProcessEscalation(ctx, job)
	case models.JobTypeEvaluateCondition:
		return s.handleEvaluateCondition(ctx, job)
	case models.JobTypeCleanupInstances:
		return s.handleCleanupInstances(ctx, job)
	default:
		return apperrors.NewConfigurationError("", fmt.Sprintf("unknown job type %q", job.JobType))
	}
}

// OnJobDeadLettered is invoked by the worker after a job exhausted its retry
// budget. Jobs bound to an instance take the instance down with them.
func (s *EngineService) OnJobDeadLettered(ctx context.Context, job *models.WorkflowJob, errMsg string) {
	if job.InstanceID == nil {
		return
	}
	if err := s.failInstance(ctx, *job.InstanceID, job.StepKey, errMsg); err != nil {
		log.Printf("❌ [Engine] Failed to mark instance %s failed after dead-letter: %v", *job.InstanceID, err)
	}
}

// HandleEntityEvent is the entity-change ingress. Definitions with an Event
// trigger matching (entityType, eventName) each get an EvaluateCondition job;
// the trigger condition is evaluated asynchronously so ingress stays cheap.
func (s *EngineService) HandleEntityEvent(ctx context.Context, entityType, entityID, eventName string, entityData map[string]interface{}, actorID string) (int, error) {
	defs, err := s.definitions.List(ctx, models.DefinitionStatusPublished)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, def := range defs {
		if def.TriggerType != models.TriggerTypeEvent {
			continue
		}
		if def.TriggerEntityType == nil || !strings.EqualFold(*def.TriggerEntityType, entityType) {
			continue
		}
		if !containsFold(def.TriggerEvents, eventName) {
			continue
		}

		payload, err := json.Marshal(models.EvaluateConditionPayload{
			DefinitionID: def.ID,
			EntityType:   entityType,
			EntityID:     entityID,
			EventName:    eventName,
			EntityData:   entityData,
			ActorID:      actorID,
		})
		if err != nil {
			return enqueued, err
		}
		job := &models.WorkflowJob{
			JobType:  models.JobTypeEvaluateCondition,
			Priority: def.Priority,
			Payload:  string(payload),
		}
		if err := s.jobs.Enqueue(ctx, job); err != nil {
			return enqueued, err
		}
		enqueued++
	}

	if enqueued > 0 {
		log.Printf("🔄 [Engine] Entity event %s on %s/%s matched %d definitions", eventName, entityType, entityID, enqueued)
	}
	return enqueued, nil
}

// handleEvaluateCondition evaluates a definition's trigger condition against
// the event payload and starts an instance when it holds.
func (s *EngineService) handleEvaluateCondition(ctx context.Context, job *models.WorkflowJob) error {
	var payload models.EvaluateConditionPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return apperrors.NewConfigurationError("", fmt.Sprintf("malformed EvaluateCondition payload: %v", err))
	}

	def, err := s.definitions.Get(ctx, payload.DefinitionID)
	if err != nil {
		return err
	}
	if def.Status != models.DefinitionStatusPublished {
		log.Printf("⚠️ [Engine] Definition %s no longer published, dropping trigger", def.Name)
		return nil
	}

	if def.TriggerCondition != nil && *def.TriggerCondition != "" {
		match, err := s.evaluator.EvaluateBool(*def.TriggerCondition, payload.EntityData)
		if err != nil {
			return apperrors.NewConfigurationError("", fmt.Sprintf("trigger condition for %s: %v", def.Name, err))
		}
		if !match {
			return nil
		}
	}

	var startedBy *string
	if payload.ActorID != "" {
		startedBy = &payload.ActorID
	}
	_, err = s.StartInstance(ctx, StartOptions{
		DefinitionID:   def.ID,
		EntityType:     payload.EntityType,
		EntityID:       payload.EntityID,
		InitialContext: payload.EntityData,
		StartedByID:    startedBy,
	})
	return err
}

// ----------------------------------------------------------------------------
// Operator actions (the only external status writes)
// ----------------------------------------------------------------------------

// CancelInstance cancels a non-terminal instance and voids its pending jobs.
// A job already leased finishes its unit of work and observes cancellation
// afterwards.
func (s *EngineService) CancelInstance(ctx context.Context, instanceID, actor string) error {
	_, err := s.updateInstance(ctx, instanceID, func(inst *models.WorkflowInstance) error {
		next, err := s.sm.Transition(inst.Status, domain.TransitionCancel)
		if err != nil {
			return apperrors.NewConflictError(err.Error())
		}
		inst.Status = next
		now := s.clock.Now()
		inst.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	voided, err := s.jobs.CancelForInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := s.tasks.CancelForInstance(ctx, instanceID); err != nil {
		log.Printf("⚠️ [Engine] Failed to cancel open tasks for instance %s: %v", instanceID, err)
	}
	s.logEvent(ctx, instanceID, models.EventWorkflowCancelled, nil, actor, nil, models.SeverityInfo)
	log.Printf("✅ [Engine] Cancelled instance %s (%d pending jobs voided)", instanceID, voided)
	return nil
}

// PauseInstance parks a Running instance. Pending jobs stay queued but
// workers skip them while the instance is Paused; Resume re-arms execution.
func (s *EngineService) PauseInstance(ctx context.Context, instanceID, actor string) error {
	_, err := s.updateInstance(ctx, instanceID, func(inst *models.WorkflowInstance) error {
		next, err := s.sm.Transition(inst.Status, domain.TransitionPause)
		if err != nil {
			return apperrors.NewConflictError(err.Error())
		}
		inst.Status = next
		return nil
	})
	if err != nil {
		return err
	}
	s.logEvent(ctx, instanceID, models.EventWorkflowPaused, nil, actor, nil, models.SeverityInfo)
	return nil
}

// ResumeInstance returns a Paused instance to Running and re-enqueues
// execution at the point it stopped.
func (s *EngineService) ResumeInstance(ctx context.Context, instanceID, actor string) error {
	resumed, err := s.updateInstance(ctx, instanceID, func(inst *models.WorkflowInstance) error {
		if inst.Status != models.InstanceStatusPaused {
			return apperrors.NewConflictError(fmt.Sprintf("instance %s is %s, not Paused", instanceID, inst.Status))
		}
		next, err := s.sm.Transition(inst.Status, domain.TransitionResume)
		if err != nil {
			return apperrors.NewConflictError(err.Error())
		}
		inst.Status = next
		return nil
	})
	if err != nil {
		return err
	}

	s.logEvent(ctx, instanceID, models.EventWorkflowResumed, nil, actor, nil, models.SeverityInfo)
	return s.requeueCurrentSteps(ctx, resumed)
}

// RetryInstance restarts a Failed instance at its current step
func (s *EngineService) RetryInstance(ctx context.Context, instanceID, actor string) error {
	retried, err := s.updateInstance(ctx, instanceID, func(inst *models.WorkflowInstance) error {
		next, err := s.sm.Transition(inst.Status, domain.TransitionRetry)
		if err != nil {
			return apperrors.NewConflictError(err.Error())
		}
		inst.Status = next
		inst.RetryCount++
		now := s.clock.Now()
		inst.NextRetryAt = &now
		inst.ErrorMessage = nil
		inst.CompletedAt = nil
		return nil
	})
	if err != nil {
		return err
	}

	s.logEvent(ctx, instanceID, models.EventWorkflowResumed, nil, actor, nil, models.SeverityInfo)
	log.Printf("🔄 [Engine] Retrying instance %s (attempt %d)", instanceID, retried.RetryCount)
	return s.requeueCurrentSteps(ctx, retried)
}

// requeueCurrentSteps re-enqueues ExecuteStep jobs for everything the
// instance was doing when it stopped: the parallel active set if present,
// otherwise the current step.
func (s *EngineService) requeueCurrentSteps(ctx context.Context, inst *models.WorkflowInstance) error {
	def, err := s.resolveDefinition(ctx, inst)
	if err != nil {
		return err
	}
	keys := inst.ActiveStepKeys
	if len(keys) == 0 && inst.CurrentStepKey != nil {
		keys = []string{*inst.CurrentStepKey}
	}
	for _, key := range keys {
		if err := s.enqueueStepJob(ctx, inst, def, key, ""); err != nil {
			return err
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// Cleanup
// ----------------------------------------------------------------------------

// ScheduleCleanup enqueues the first CleanupInstances job; subsequent runs
// reschedule themselves. A no-op when a chain is already live.
func (s *EngineService) ScheduleCleanup(ctx context.Context) error {
	active, err := s.jobs.HasActive(ctx, models.JobTypeCleanupInstances)
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	return s.jobs.Enqueue(ctx, &models.WorkflowJob{
		JobType:     models.JobTypeCleanupInstances,
		ScheduledAt: s.clock.Now(),
		Payload:     "{}",
	})
}

// handleCleanupInstances deletes terminal instances older than the retention
// window, together with their events, context, tasks, and jobs, then
// reschedules itself.
func (s *EngineService) handleCleanupInstances(ctx context.Context, job *models.WorkflowJob) error {
	cutoff := s.clock.Now().Add(-s.retention)
	ids, err := s.instances.ListTerminalBefore(ctx, cutoff, s.cleanupBatch)
	if err != nil {
		return err
	}

	deleted := 0
	for _, id := range ids {
		// Delete cascades over the instance's events, context, tasks, and
		// jobs in one transaction.
		if err := s.instances.Delete(ctx, id); err != nil {
			return err
		}
		deleted++
	}
	if deleted > 0 {
		log.Printf("🧹 [Engine] Cleanup removed %d terminal instances older than %v", deleted, s.retention)
	}

	// Reschedule the next run; a full batch means more rows are waiting.
	delay := s.cleanupInterval
	if deleted == s.cleanupBatch {
		delay = time.Minute
	}
	return s.jobs.Enqueue(ctx, &models.WorkflowJob{
		JobType:     models.JobTypeCleanupInstances,
		ScheduledAt: s.clock.Now().Add(delay),
		Payload:     "{}",
	})
}

// ----------------------------------------------------------------------------
// Shared helpers
// ----------------------------------------------------------------------------

// updateInstance runs a read-modify-write on an instance under the optimistic
// lock, re-reading and retrying on conflict. The returned instance is the
// stored row, lock version included; callers that arm timeouts against the
// lock version must read it from here, not from a pre-update copy.
func (s *EngineService) updateInstance(ctx context.Context, instanceID string, mutate func(*models.WorkflowInstance) error) (*models.WorkflowInstance, error) {
	var lastErr error
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		inst, err := s.instances.Get(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if err := mutate(inst); err != nil {
			return nil, err
		}
		err = s.instances.Update(ctx, inst)
		if err == nil {
			return inst, nil
		}
		if !apperrors.IsConcurrencyConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// failInstance moves an instance to Failed with an error message, regardless
// of which non-terminal state it was in.
func (s *EngineService) failInstance(ctx context.Context, instanceID string, stepKey *string, errMsg string) error {
	_, err := s.updateInstance(ctx, instanceID, func(inst *models.WorkflowInstance) error {
		if inst.IsTerminal() {
			return apperrors.NewConflictError(fmt.Sprintf("instance %s already terminal (%s)", instanceID, inst.Status))
		}
		next, err := s.sm.Transition(inst.Status, domain.TransitionFail)
		if err != nil {
			return apperrors.NewConflictError(err.Error())
		}
		inst.Status = next
		inst.ErrorMessage = &errMsg
		now := s.clock.Now()
		inst.CompletedAt = &now
		return nil
	})
	if err != nil {
		var conflict *apperrors.ConflictError
		if apperrors.IsConcurrencyConflict(err) || errors.As(err, &conflict) {
			log.Printf("⚠️ [Engine] Skipping fail of instance %s: %v", instanceID, err)
			return nil
		}
		return err
	}

	if stepKey != nil {
		s.logEventErr(ctx, instanceID, models.EventStepFailed, stepKey, SystemActor, errMsg)
	}
	s.logEventErr(ctx, instanceID, models.EventWorkflowFailed, stepKey, SystemActor, errMsg)
	log.Printf("❌ [Engine] Instance %s failed: %s", instanceID, errMsg)
	return nil
}

// resolveDefinition loads the definition version an instance was started
// against. When the live definition has moved on, the pinned snapshot from
// the version table is used instead.
func (s *EngineService) resolveDefinition(ctx context.Context, inst *models.WorkflowInstance) (*models.WorkflowDefinition, error) {
	def, err := s.definitions.Get(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	if def.VersionNumber == inst.DefinitionVersion {
		return def, nil
	}

	versions, err := s.definitions.ListVersions(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v.VersionNumber != inst.DefinitionVersion {
			continue
		}
		var snapshot models.WorkflowDefinition
		if err := json.Unmarshal([]byte(v.Snapshot), &snapshot); err != nil {
			return nil, apperrors.NewConfigurationError("",
				fmt.Sprintf("corrupt snapshot for definition %s v%d: %v", inst.DefinitionID, v.VersionNumber, err))
		}
		return &snapshot, nil
	}
	return nil, apperrors.NewConfigurationError("",
		fmt.Sprintf("no snapshot for definition %s v%d", inst.DefinitionID, inst.DefinitionVersion))
}

// buildEnv materializes the instance context as an expression environment.
// Dotted keys ("approve.actionTaken") become nested maps so expressions can
// use member access.
func (s *EngineService) buildEnv(ctx context.Context, instanceID string) (map[string]interface{}, error) {
	vars, err := s.contextVars.ForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	env := make(map[string]interface{}, len(vars))
	for _, v := range vars {
		var value interface{}
		if err := json.Unmarshal([]byte(v.Value), &value); err != nil {
			value = v.Value
		}
		setNested(env, v.Key, value)
	}
	return env, nil
}

// setNested stores value under a possibly dotted key, creating intermediate
// maps. An intermediate segment that is not a map is overwritten.
func setNested(env map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	node := env
	for i, part := range parts {
		if i == len(parts)-1 {
			node[part] = value
			return
		}
		child, ok := node[part].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			node[part] = child
		}
		node = child
	}
}

// setContextValue upserts one context variable and records a VariableSet
// event.
func (s *EngineService) setContextValue(ctx context.Context, instanceID, key string, value interface{}, stepKey *string, system bool) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode context value %s: %w", key, err)
	}
	v := &models.ContextVariable{
		InstanceID:       instanceID,
		Key:              key,
		ValueType:        models.InferValueType(value),
		Value:            string(raw),
		SetByStepKey:     stepKey,
		IsSystemVariable: system,
		LastModifiedDate: s.clock.Now(),
	}
	if err := s.contextVars.Set(ctx, v); err != nil {
		return err
	}
	if !system {
		out := string(raw)
		s.events.Append(ctx, &models.WorkflowEvent{
			InstanceID: instanceID,
			EventType:  models.EventVariableSet,
			StepKey:    stepKey,
			Timestamp:  s.clock.Now(),
			Actor:      SystemActor,
			Input:      strPtr(key),
			Output:     &out,
			Severity:   models.SeverityInfo,
		})
	}
	return nil
}

// enqueueStepJob enqueues an ExecuteStep job for a step, carrying the target
// step's retry budget. completedBranchKey records which branch arrived when
// the target is a Join.
func (s *EngineService) enqueueStepJob(ctx context.Context, inst *models.WorkflowInstance, def *models.WorkflowDefinition, stepKey, completedBranchKey string) error {
	payload, err := json.Marshal(models.ExecuteStepPayload{
		StepKey:            stepKey,
		CompletedBranchKey: completedBranchKey,
	})
	if err != nil {
		return err
	}

	job := &models.WorkflowJob{
		JobType:    models.JobTypeExecuteStep,
		InstanceID: &inst.ID,
		StepKey:    &stepKey,
		Payload:    string(payload),
	}
	if step := def.StepByKey(stepKey); step != nil && step.Retry != nil && step.Retry.MaxAttempts > 0 {
		job.MaxAttempts = step.Retry.MaxAttempts
		job.BackoffSeconds = step.Retry.BackoffSeconds
		job.BackoffExponential = step.Retry.Exponential
	}
	return s.jobs.Enqueue(ctx, job)
}

// logEvent appends an informational audit event; append failures are logged,
// never fatal to the operation that produced them.
func (s *EngineService) logEvent(ctx context.Context, instanceID string, eventType models.EventType, stepKey *string, actor string, output *string, severity string) {
	err := s.events.Append(ctx, &models.WorkflowEvent{
		InstanceID: instanceID,
		EventType:  eventType,
		StepKey:    stepKey,
		Timestamp:  s.clock.Now(),
		Actor:      actor,
		Output:     output,
		Severity:   severity,
	})
	if err != nil {
		log.Printf("⚠️ [Engine] Failed to append %s event for instance %s: %v", eventType, instanceID, err)
	}
}

// logEventErr appends an Error-severity event carrying error details
func (s *EngineService) logEventErr(ctx context.Context, instanceID string, eventType models.EventType, stepKey *string, actor, errDetails string) {
	err := s.events.Append(ctx, &models.WorkflowEvent{
		InstanceID:   instanceID,
		EventType:    eventType,
		StepKey:      stepKey,
		Timestamp:    s.clock.Now(),
		Actor:        actor,
		ErrorDetails: &errDetails,
		Severity:     models.SeverityError,
	})
	if err != nil {
		log.Printf("⚠️ [Engine] Failed to append %s event for instance %s: %v", eventType, instanceID, err)
	}
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

func strPtr(s string) *string { return &s }
