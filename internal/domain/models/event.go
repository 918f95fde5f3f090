package models

import (
	"time"
)

// EventType identifies what happened to an instance
type EventType string

// Workflow event types. The event stream per instance is append-only and is
// the canonical history; replaying it reconstructs instance state.
const (
	EventWorkflowStarted   EventType = "WorkflowStarted"
	EventWorkflowCompleted EventType = "WorkflowCompleted"
	EventWorkflowFailed    EventType = "WorkflowFailed"
	EventWorkflowCancelled EventType = "WorkflowCancelled"
	EventWorkflowPaused    EventType = "WorkflowPaused"
	EventWorkflowResumed   EventType = "WorkflowResumed"
	EventWorkflowSuspended EventType = "WorkflowSuspended"

	EventStepStarted   EventType = "StepStarted"
	EventStepCompleted EventType = "StepCompleted"
	EventStepFailed    EventType = "StepFailed"
	EventStepTimedOut  EventType = "StepTimedOut"
	EventStepSkipped   EventType = "StepSkipped"

	EventTaskCreated   EventType = "TaskCreated"
	EventTaskAssigned  EventType = "TaskAssigned"
	EventTaskClaimed   EventType = "TaskClaimed"
	EventTaskCompleted EventType = "TaskCompleted"
	EventTaskEscalated EventType = "TaskEscalated"
	EventTaskExpired   EventType = "TaskExpired"
	EventSlaBreached   EventType = "SlaBreached"

	EventApiCallStarted   EventType = "ApiCallStarted"
	EventApiCallCompleted EventType = "ApiCallCompleted"
	EventApiCallFailed    EventType = "ApiCallFailed"
	EventNotificationSent EventType = "NotificationSent"

	EventVariableSet     EventType = "VariableSet"
	EventBranchActivated EventType = "BranchActivated"
	EventJoinArrived     EventType = "JoinArrived"
	EventJoinSatisfied   EventType = "JoinSatisfied"
)

// Event severities
const (
	SeverityInfo    = "Info"
	SeverityWarning = "Warning"
	SeverityError   = "Error"
)

// WorkflowEvent is one append-only audit record. Ordering by
// (Timestamp, Sequence) is the canonical instance history; rows are never
// updated or deleted except by retention cleanup of terminal instances.
type WorkflowEvent struct {
	ID           string    `json:"id"`
	InstanceID   string    `json:"instance_id"`
	EventType    EventType `json:"event_type"`
	StepKey      *string   `json:"step_key,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Sequence     int64     `json:"sequence"`
	Actor        string    `json:"actor"`
	Input        *string   `json:"input,omitempty"`
	Output       *string   `json:"output,omitempty"`
	DurationMs   *int64    `json:"duration_ms,omitempty"`
	ErrorDetails *string   `json:"error_details,omitempty"`
	Severity     string    `json:"severity"`
}

// ReplayedState is the instance state reconstructed from an event stream
type ReplayedState struct {
	Status         string
	CurrentStepKey *string
	ActiveStepKeys []string
}

// ReplayInstance folds an ordered event stream into the instance state it
// implies. Live execution and replay must agree; this is the crash-recovery
// and audit contract of the event log.
func ReplayInstance(events []*WorkflowEvent) ReplayedState {
	state := ReplayedState{Status: InstanceStatusPending}
	active := make(map[string]bool)

	for _, e := range events {
		switch e.EventType {
		case EventWorkflowStarted:
			state.Status = InstanceStatusRunning
			if e.StepKey != nil {
				state.CurrentStepKey = e.StepKey
			}
		case EventStepStarted:
			if e.StepKey != nil {
				state.CurrentStepKey = e.StepKey
			}
		case EventStepCompleted, EventStepSkipped:
			if e.StepKey != nil {
				state.CurrentStepKey = e.StepKey
				delete(active, *e.StepKey)
			}
			if state.Status == InstanceStatusWaitingForInput || state.Status == InstanceStatusSuspended {
				state.Status = InstanceStatusRunning
			}
		case EventBranchActivated:
			if e.StepKey != nil {
				active[*e.StepKey] = true
			}
		case EventTaskCreated:
			state.Status = InstanceStatusWaitingForInput
		case EventWorkflowSuspended:
			state.Status = InstanceStatusSuspended
		case EventWorkflowPaused:
			state.Status = InstanceStatusPaused
		case EventWorkflowResumed:
			state.Status = InstanceStatusRunning
		case EventWorkflowCompleted:
			state.Status = InstanceStatusCompleted
		case EventWorkflowFailed:
			state.Status = InstanceStatusFailed
		case EventWorkflowCancelled:
			state.Status = InstanceStatusCancelled
		}
	}

	for k := range active {
		state.ActiveStepKeys = append(state.ActiveStepKeys, k)
	}
	return state
}
