package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
)

// Escalation scan defaults
const (
	defaultMaxEscalations = 3
	escalationScanBatch   = 100
)

// TaskService owns human tasks: creation from UserAction steps, the
// claim/complete lifecycle, and SLA escalation. Completing a task writes the
// chosen action into the instance context and re-enqueues the step so the
// engine evaluates transitions.
type TaskService struct {
	tasks       ports.TaskStore
	instances   ports.InstanceStore
	definitions ports.DefinitionStore
	events      ports.EventStore
	contextVars ports.ContextStore
	jobs        ports.JobQueue
	directory   ports.Directory
	renderer    ports.TemplateRenderer
	clock       ports.Clock

	escalationInterval time.Duration
}

// NewTaskService creates a new TaskService
func NewTaskService(
	tasks ports.TaskStore,
	instances ports.InstanceStore,
	definitions ports.DefinitionStore,
	events ports.EventStore,
	contextVars ports.ContextStore,
	jobs ports.JobQueue,
	directory ports.Directory,
	renderer ports.TemplateRenderer,
	clock ports.Clock,
) *TaskService {
	return &TaskService{
		tasks:              tasks,
		instances:          instances,
		definitions:        definitions,
		events:             events,
		contextVars:        contextVars,
		jobs:               jobs,
		directory:          directory,
		renderer:           renderer,
		clock:              clock,
		escalationInterval: 5 * time.Minute,
	}
}

// CreateForStep creates the task backing a UserAction step. An unresolvable
// assignment does not block the workflow: the task is stored unassigned and
// an Error event points operators at it.
func (s *TaskService) CreateForStep(ctx context.Context, inst *models.WorkflowInstance, step *models.Step, cfg *models.UserActionConfig, env map[string]interface{}) (*models.WorkflowTask, error) {
	title, err := s.renderer.RenderTemplate(cfg.Title, env)
	if err != nil {
		return nil, apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("task title template: %v", err))
	}

	task := &models.WorkflowTask{
		InstanceID:       inst.ID,
		StepKey:          step.StepKey,
		Title:            title,
		Status:           models.TaskStatusPending,
		AssignmentType:   cfg.AssignmentType,
		AvailableActions: cfg.AvailableActions,
		CreatedDate:      s.clock.Now(),
	}
	if cfg.Instructions != "" {
		rendered, err := s.renderer.RenderTemplate(cfg.Instructions, env)
		if err != nil {
			return nil, apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("task instructions template: %v", err))
		}
		task.Instructions = &rendered
	}
	if cfg.DueInMinutes > 0 {
		due := s.clock.Now().Add(time.Duration(cfg.DueInMinutes) * time.Minute)
		task.DueAt = &due
	}

	assignee, resolveErr := s.directory.ResolveAssignee(ctx, cfg.AssignmentType, cfg.AssignedTo)
	if resolveErr == nil {
		if assignee != "" {
			task.AssignedTo = &assignee
		} else {
			// Pool assignment: the queue name stays on the task, any member
			// may claim
			task.AssignedTo = &cfg.AssignedTo
		}
	}

	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	s.appendEvent(ctx, inst.ID, models.EventTaskCreated, &step.StepKey, SystemActor, strPtr(task.ID), models.SeverityInfo, nil)
	if resolveErr != nil {
		aerr := apperrors.NewAssignmentError(task.ID,
			fmt.Sprintf("cannot resolve %s %q: %v", cfg.AssignmentType, cfg.AssignedTo, resolveErr))
		details := aerr.Error()
		s.appendEvent(ctx, inst.ID, models.EventTaskAssigned, &step.StepKey, SystemActor, nil, models.SeverityError, &details)
		log.Printf("⚠️ [Tasks] Task %s created unassigned: %v", task.ID, resolveErr)
	} else {
		s.appendEvent(ctx, inst.ID, models.EventTaskAssigned, &step.StepKey, SystemActor, task.AssignedTo, models.SeverityInfo, nil)
	}
	return task, nil
}

// Claim moves a Pending task to InProgress for the user. Losing the claim
// race returns a conflict, not an error state.
func (s *TaskService) Claim(ctx context.Context, taskID, userID string) (*models.WorkflowTask, error) {
	claimed, err := s.tasks.ClaimPending(ctx, taskID, userID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !claimed {
		task, err := s.tasks.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return nil, apperrors.NewConflictError(fmt.Sprintf("task %s is %s and cannot be claimed", taskID, task.Status))
	}

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.appendEvent(ctx, task.InstanceID, models.EventTaskClaimed, &task.StepKey, userID, nil, models.SeverityInfo, nil)
	log.Printf("✅ [Tasks] Task %s claimed by %s", taskID, userID)
	return task, nil
}

// Complete records the user's action and form data, writes them into the
// instance context, and re-enqueues the UserAction step so the engine selects
// the outgoing transition.
func (s *TaskService) Complete(ctx context.Context, taskID, userID, actionTaken string, formData map[string]interface{}) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.IsOpen() {
		return apperrors.NewConflictError(fmt.Sprintf("task %s is %s and cannot be completed", taskID, task.Status))
	}
	if task.ClaimedByID != nil && *task.ClaimedByID != userID {
		return apperrors.NewConflictError(fmt.Sprintf("task %s is claimed by another user", taskID))
	}
	if !task.AllowsAction(actionTaken) {
		return apperrors.NewValidationError("action_taken",
			fmt.Sprintf("action %q is not available on task %s (allowed: %v)", actionTaken, taskID, task.AvailableActions))
	}

	now := s.clock.Now()
	task.Status = models.TaskStatusCompleted
	task.CompletedByID = &userID
	task.CompletedAt = &now
	task.ActionTaken = &actionTaken
	task.FormData = formData
	if err := s.tasks.Update(ctx, task); err != nil {
		return err
	}

	// Step-scoped context: the action under <stepKey>.actionTaken, form
	// fields under <stepKey>.<field>. Transition conditions read these.
	if err := s.setContext(ctx, task.InstanceID, task.StepKey+".actionTaken", actionTaken, task.StepKey); err != nil {
		return err
	}
	for key, value := range formData {
		if err := s.setContext(ctx, task.InstanceID, task.StepKey+"."+key, value, task.StepKey); err != nil {
			return err
		}
	}

	s.appendEvent(ctx, task.InstanceID, models.EventTaskCompleted, &task.StepKey, userID, &actionTaken, models.SeverityInfo, nil)
	log.Printf("✅ [Tasks] Task %s completed by %s with action %q", taskID, userID, actionTaken)

	payload, err := json.Marshal(models.ExecuteStepPayload{StepKey: task.StepKey, TaskID: task.ID})
	if err != nil {
		return err
	}
	return s.jobs.Enqueue(ctx, &models.WorkflowJob{
		JobType:    models.JobTypeExecuteStep,
		InstanceID: &task.InstanceID,
		StepKey:    &task.StepKey,
		Payload:    string(payload),
	})
}

// GetMyTasks returns the user's open tasks
func (s *TaskService) GetMyTasks(ctx context.Context, userID string, limit int) ([]*models.WorkflowTask, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.tasks.ListByAssignee(ctx, userID, limit)
}

// Get returns a task by ID
func (s *TaskService) Get(ctx context.Context, taskID string) (*models.WorkflowTask, error) {
	return s.tasks.Get(ctx, taskID)
}

// EscalateForStep escalates the open task of a step: level up, reassignment
// along the step's escalation chain, TaskEscalated + SlaBreached events.
func (s *TaskService) EscalateForStep(ctx context.Context, instanceID, stepKey string) error {
	task, err := s.openTaskForStep(ctx, instanceID, stepKey)
	if err != nil || task == nil {
		return err
	}
	return s.escalate(ctx, task)
}

// ExpireForStep expires the open task of a step (timeout fail/skip paths)
func (s *TaskService) ExpireForStep(ctx context.Context, instanceID, stepKey string) error {
	task, err := s.openTaskForStep(ctx, instanceID, stepKey)
	if err != nil || task == nil {
		return err
	}
	task.Status = models.TaskStatusExpired
	if err := s.tasks.Update(ctx, task); err != nil {
		return err
	}
	s.appendEvent(ctx, task.InstanceID, models.EventTaskExpired, &task.StepKey, SystemActor, nil, models.SeverityWarning, nil)
	return nil
}

// CancelForInstance cancels every open task of a cancelled instance
func (s *TaskService) CancelForInstance(ctx context.Context, instanceID string) error {
	tasks, err := s.tasks.ForInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if !task.IsOpen() {
			continue
		}
		task.Status = models.TaskStatusCancelled
		if err := s.tasks.Update(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleEscalationScan enqueues the first ProcessEscalation job; each run
// reschedules the next. A no-op when a chain is already live.
func (s *TaskService) ScheduleEscalationScan(ctx context.Context) error {
	active, err := s.jobs.HasActive(ctx, models.JobTypeProcessEscalation)
	if err != nil {
		return err
	}
	if active {
		return nil
	}
	return s.jobs.Enqueue(ctx, &models.WorkflowJob{
		JobType:     models.JobTypeProcessEscalation,
		ScheduledAt: s.clock.Now(),
		Payload:     "{}",
	})
}

// HandleProcessEscalation scans past-due open tasks and escalates each one
func (s *TaskService) HandleProcessEscalation(ctx context.Context, job *models.WorkflowJob) error {
	overdue, err := s.tasks.ListOverdue(ctx, s.clock.Now(), defaultMaxEscalations, escalationScanBatch)
	if err != nil {
		return err
	}

	for _, task := range overdue {
		if err := s.escalate(ctx, task); err != nil {
			log.Printf("⚠️ [Tasks] Failed to escalate task %s: %v", task.ID, err)
		}
	}
	if len(overdue) > 0 {
		log.Printf("⏰ [Tasks] Escalation scan processed %d overdue tasks", len(overdue))
	}

	return s.jobs.Enqueue(ctx, &models.WorkflowJob{
		JobType:     models.JobTypeProcessEscalation,
		ScheduledAt: s.clock.Now().Add(s.escalationInterval),
		Payload:     "{}",
	})
}

// escalate bumps the task one escalation level and reassigns it along the
// step's escalation chain.
func (s *TaskService) escalate(ctx context.Context, task *models.WorkflowTask) error {
	chain, maxLevels := s.escalationPolicy(ctx, task)
	if task.EscalationLevel >= maxLevels {
		return nil
	}

	task.EscalationLevel++
	task.Status = models.TaskStatusEscalated
	if task.EscalationLevel-1 < len(chain) {
		next := chain[task.EscalationLevel-1]
		resolved, err := s.directory.ResolveAssignee(ctx, models.AssignmentTypeUser, next)
		if err == nil && resolved != "" {
			task.AssignedTo = &resolved
		} else {
			task.AssignedTo = &next
		}
		task.ClaimedByID = nil
		task.ClaimedAt = nil
	}
	// Escalated tasks get a fresh deadline so the next scan pass does not
	// immediately re-escalate
	if task.DueAt != nil {
		due := s.clock.Now().Add(s.escalationInterval * 2)
		task.DueAt = &due
	}
	if err := s.tasks.Update(ctx, task); err != nil {
		return err
	}

	s.appendEvent(ctx, task.InstanceID, models.EventTaskEscalated, &task.StepKey, SystemActor,
		strPtr(fmt.Sprintf("level %d", task.EscalationLevel)), models.SeverityWarning, nil)
	s.appendEvent(ctx, task.InstanceID, models.EventSlaBreached, &task.StepKey, SystemActor, nil, models.SeverityWarning, nil)
	log.Printf("⏰ [Tasks] Task %s escalated to level %d", task.ID, task.EscalationLevel)
	return nil
}

// escalationPolicy reads the escalation chain and cap from the task's step
// configuration; missing configuration falls back to the defaults.
func (s *TaskService) escalationPolicy(ctx context.Context, task *models.WorkflowTask) ([]string, int) {
	inst, err := s.instances.Get(ctx, task.InstanceID)
	if err != nil {
		return nil, defaultMaxEscalations
	}
	def, err := s.definitions.Get(ctx, inst.DefinitionID)
	if err != nil {
		return nil, defaultMaxEscalations
	}
	step := def.StepByKey(task.StepKey)
	if step == nil {
		return nil, defaultMaxEscalations
	}
	cfg, err := step.ParseConfig()
	if err != nil {
		return nil, defaultMaxEscalations
	}
	ua, ok := cfg.(*models.UserActionConfig)
	if !ok {
		return nil, defaultMaxEscalations
	}
	max := ua.MaxEscalations
	if max <= 0 {
		max = defaultMaxEscalations
	}
	return ua.EscalationChain, max
}

// openTaskForStep finds the open task bound to (instance, step), or nil
func (s *TaskService) openTaskForStep(ctx context.Context, instanceID, stepKey string) (*models.WorkflowTask, error) {
	tasks, err := s.tasks.ForInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.StepKey == stepKey && task.IsOpen() {
			return task, nil
		}
	}
	return nil, nil
}

func (s *TaskService) setContext(ctx context.Context, instanceID, key string, value interface{}, stepKey string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode context value %s: %w", key, err)
	}
	return s.contextVars.Set(ctx, &models.ContextVariable{
		InstanceID:       instanceID,
		Key:              key,
		ValueType:        models.InferValueType(value),
		Value:            string(raw),
		SetByStepKey:     &stepKey,
		IsSystemVariable: true,
		LastModifiedDate: s.clock.Now(),
	})
}

func (s *TaskService) appendEvent(ctx context.Context, instanceID string, eventType models.EventType, stepKey *string, actor string, output *string, severity string, errDetails *string) {
	err := s.events.Append(ctx, &models.WorkflowEvent{
		InstanceID:   instanceID,
		EventType:    eventType,
		StepKey:      stepKey,
		Timestamp:    s.clock.Now(),
		Actor:        actor,
		Output:       output,
		ErrorDetails: errDetails,
		Severity:     severity,
	})
	if err != nil {
		log.Printf("⚠️ [Tasks] Failed to append %s event for instance %s: %v", eventType, instanceID, err)
	}
}
