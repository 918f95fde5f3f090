package models

import (
	"time"
)

// Task statuses
const (
	TaskStatusPending    = "Pending"
	TaskStatusInProgress = "InProgress"
	TaskStatusCompleted  = "Completed"
	TaskStatusCancelled  = "Cancelled"
	TaskStatusExpired    = "Expired"
	TaskStatusEscalated  = "Escalated"
)

// Assignment types
const (
	AssignmentTypeUser  = "User"
	AssignmentTypeRole  = "Role"
	AssignmentTypeGroup = "Group"
	AssignmentTypeQueue = "Queue"
)

// WorkflowTask is a pending UserAction surfaced to end users through the CRM
// UI. Claim is optimistic: it only succeeds from Pending.
type WorkflowTask struct {
	ID               string                 `json:"id"`
	InstanceID       string                 `json:"instance_id"`
	StepKey          string                 `json:"step_key"`
	Title            string                 `json:"title"`
	Instructions     *string                `json:"instructions,omitempty"`
	Status           string                 `json:"status"`
	AssignmentType   string                 `json:"assignment_type"`
	AssignedTo       *string                `json:"assigned_to,omitempty"`
	AvailableActions []string               `json:"available_actions"`
	DueAt            *time.Time             `json:"due_at,omitempty"`
	ClaimedByID      *string                `json:"claimed_by_id,omitempty"`
	ClaimedAt        *time.Time             `json:"claimed_at,omitempty"`
	CompletedByID    *string                `json:"completed_by_id,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	ActionTaken      *string                `json:"action_taken,omitempty"`
	FormData         map[string]interface{} `json:"form_data,omitempty"`
	EscalationLevel  int                    `json:"escalation_level"`
	ReminderCount    int                    `json:"reminder_count"`
	CreatedDate      time.Time              `json:"created_date"`
}

// AllowsAction reports whether action is one of the task's available actions
func (t *WorkflowTask) AllowsAction(action string) bool {
	for _, a := range t.AvailableActions {
		if a == action {
			return true
		}
	}
	return false
}

// IsOpen reports whether the task can still be acted on
func (t *WorkflowTask) IsOpen() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusInProgress || t.Status == TaskStatusEscalated
}
