package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
	"github.com/pulsecrm/engine/pkg/utils"
)

// TaskRepository persists human tasks
type TaskRepository struct {
	db    *sql.DB
	clock ports.Clock
}

// NewTaskRepository creates a new TaskRepository
func NewTaskRepository(db *sql.DB, clock ports.Clock) *TaskRepository {
	return &TaskRepository{db: db, clock: clock}
}

const taskColumns = `id, instance_id, step_key, title, instructions, status,
	assignment_type, assigned_to, available_actions, due_at, claimed_by_id,
	claimed_at, completed_by_id, completed_at, action_taken, form_data,
	escalation_level, reminder_count, created_date`

// Create inserts a new task
func (r *TaskRepository) Create(ctx context.Context, task *models.WorkflowTask) error {
	if task.ID == "" {
		task.ID = utils.GenerateID()
	}
	if task.CreatedDate.IsZero() {
		task.CreatedDate = r.clock.Now()
	}

	actions, err := json.Marshal(task.AvailableActions)
	if err != nil {
		return fmt.Errorf("failed to marshal available actions: %w", err)
	}
	formData, err := json.Marshal(task.FormData)
	if err != nil {
		return fmt.Errorf("failed to marshal form data: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, TableTask, taskColumns)

	_, err = r.db.ExecContext(ctx, query,
		task.ID, task.InstanceID, task.StepKey, task.Title, task.Instructions,
		task.Status, task.AssignmentType, task.AssignedTo, string(actions),
		task.DueAt, task.ClaimedByID, task.ClaimedAt, task.CompletedByID,
		task.CompletedAt, task.ActionTaken, string(formData),
		task.EscalationLevel, task.ReminderCount, task.CreatedDate)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get returns a task by ID
func (r *TaskRepository) Get(ctx context.Context, id string) (*models.WorkflowTask, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, taskColumns, TableTask)
	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("WorkflowTask", id)
	}
	return task, err
}

// Update persists mutable task fields
func (r *TaskRepository) Update(ctx context.Context, task *models.WorkflowTask) error {
	formData, err := json.Marshal(task.FormData)
	if err != nil {
		return fmt.Errorf("failed to marshal form data: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = ?, assigned_to = ?, due_at = ?, claimed_by_id = ?, claimed_at = ?,
			completed_by_id = ?, completed_at = ?, action_taken = ?, form_data = ?,
			escalation_level = ?, reminder_count = ?
		WHERE id = ?
	`, TableTask)

	_, err = r.db.ExecContext(ctx, query,
		task.Status, task.AssignedTo, task.DueAt, task.ClaimedByID, task.ClaimedAt,
		task.CompletedByID, task.CompletedAt, task.ActionTaken, string(formData),
		task.EscalationLevel, task.ReminderCount, task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	return nil
}

// ClaimPending atomically moves a Pending task to InProgress. The status
// predicate is the claim race arbiter: only one caller's UPDATE affects the
// row.
func (r *TaskRepository) ClaimPending(ctx context.Context, taskID, userID string, at time.Time) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'InProgress', claimed_by_id = ?, claimed_at = ?
		WHERE id = ? AND status = 'Pending'
	`, TableTask)

	res, err := r.db.ExecContext(ctx, query, userID, at, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to claim task %s: %w", taskID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListByAssignee returns open tasks assigned to (or claimed by) a user
func (r *TaskRepository) ListByAssignee(ctx context.Context, userID string, limit int) ([]*models.WorkflowTask, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE (assigned_to = ? OR claimed_by_id = ?)
		  AND status IN ('Pending', 'InProgress', 'Escalated')
		ORDER BY due_at IS NULL, due_at ASC, created_date ASC
		LIMIT ?
	`, taskColumns, TableTask)

	return r.queryTasks(ctx, query, userID, userID, limit)
}

// ListOverdue returns open tasks past their due date with escalation level
// below maxLevel
func (r *TaskRepository) ListOverdue(ctx context.Context, now time.Time, maxLevel int, limit int) ([]*models.WorkflowTask, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status IN ('Pending', 'InProgress', 'Escalated')
		  AND due_at IS NOT NULL AND due_at < ?
		  AND escalation_level < ?
		ORDER BY due_at ASC
		LIMIT ?
	`, taskColumns, TableTask)

	return r.queryTasks(ctx, query, now, maxLevel, limit)
}

// ForInstance returns all tasks of an instance
func (r *TaskRepository) ForInstance(ctx context.Context, instanceID string) ([]*models.WorkflowTask, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s WHERE instance_id = ? ORDER BY created_date ASC
	`, taskColumns, TableTask)
	return r.queryTasks(ctx, query, instanceID)
}

func (r *TaskRepository) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*models.WorkflowTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.WorkflowTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func scanTask(row rowScanner) (*models.WorkflowTask, error) {
	var task models.WorkflowTask
	var instructions, assignedTo, claimedBy, completedBy, actionTaken sql.NullString
	var actions, formData string
	var dueAt, claimedAt, completedAt sql.NullTime

	err := row.Scan(&task.ID, &task.InstanceID, &task.StepKey, &task.Title,
		&instructions, &task.Status, &task.AssignmentType, &assignedTo, &actions,
		&dueAt, &claimedBy, &claimedAt, &completedBy, &completedAt, &actionTaken,
		&formData, &task.EscalationLevel, &task.ReminderCount, &task.CreatedDate)
	if err != nil {
		return nil, err
	}

	if instructions.Valid {
		task.Instructions = &instructions.String
	}
	if assignedTo.Valid {
		task.AssignedTo = &assignedTo.String
	}
	if claimedBy.Valid {
		task.ClaimedByID = &claimedBy.String
	}
	if completedBy.Valid {
		task.CompletedByID = &completedBy.String
	}
	if actionTaken.Valid {
		task.ActionTaken = &actionTaken.String
	}
	if dueAt.Valid {
		t := dueAt.Time
		task.DueAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		task.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}

	if actions != "" && actions != "null" {
		if err := json.Unmarshal([]byte(actions), &task.AvailableActions); err != nil {
			return nil, fmt.Errorf("failed to decode available actions for %s: %w", task.ID, err)
		}
	}
	if formData != "" && formData != "null" {
		if err := json.Unmarshal([]byte(formData), &task.FormData); err != nil {
			return nil, fmt.Errorf("failed to decode form data for %s: %w", task.ID, err)
		}
	}
	return &task, nil
}
