package models

import (
	"time"
)

// Job types. One job is one unit of deferred work; everything the engine
// does after instance creation is driven by leasing these rows.
const (
	JobTypeExecuteStep       = "ExecuteStep"
	JobTypeCheckTimeout      = "CheckTimeout"
	JobTypeSendNotification  = "SendNotification"
	JobTypeCleanupInstances  = "CleanupInstances"
	JobTypeProcessEscalation = "ProcessEscalation"
	JobTypeExecuteApiCall    = "ExecuteApiCall"
	JobTypeEvaluateCondition = "EvaluateCondition"
)

// Job statuses
const (
	JobStatusPending    = "Pending"
	JobStatusProcessing = "Processing"
	JobStatusCompleted  = "Completed"
	JobStatusFailed     = "Failed"
	JobStatusCancelled  = "Cancelled"
	JobStatusDeadLetter = "DeadLetter"
)

// WorkflowJob is one durable queue entry. A row is leased by setting
// status=Processing and a visibility timeout; an expired lease makes the row
// re-leasable without any separate reaper.
type WorkflowJob struct {
	ID                  string     `json:"id"`
	JobType             string     `json:"job_type"`
	Status              string     `json:"status"`
	InstanceID          *string    `json:"instance_id,omitempty"`
	StepKey             *string    `json:"step_key,omitempty"`
	Priority            int        `json:"priority"`
	ScheduledAt         time.Time  `json:"scheduled_at"`
	VisibilityTimeoutAt *time.Time `json:"visibility_timeout_at,omitempty"`
	ProcessingWorkerID  *string    `json:"processing_worker_id,omitempty"`
	AttemptCount        int        `json:"attempt_count"`
	MaxAttempts         int        `json:"max_attempts"`
	// Per-step retry shape carried on the row so requeueing needs no
	// definition lookup. Zero BackoffSeconds means the queue default.
	BackoffSeconds     int  `json:"backoff_seconds,omitempty"`
	BackoffExponential bool `json:"backoff_exponential,omitempty"`
	Payload             string     `json:"payload"` // JSON, interpreted per JobType
	CorrelationID       *string    `json:"correlation_id,omitempty"`
	LastError           *string    `json:"last_error,omitempty"`
	CreatedDate         time.Time  `json:"created_date"`
	LastModifiedDate    time.Time  `json:"last_modified_date"`
}

// DefaultJobMaxAttempts is used when a job is enqueued without an explicit
// retry budget.
const DefaultJobMaxAttempts = 3

// ExecuteStepPayload is the payload for ExecuteStep and CheckTimeout jobs
type ExecuteStepPayload struct {
	StepKey string `json:"step_key"`
	// For CheckTimeout: the lock version observed when the timeout was armed.
	// Progress since then (lock version moved) voids the timeout.
	ArmedLockVersion int64 `json:"armed_lock_version,omitempty"`
	// For resume-after-task and join arrivals
	CompletedBranchKey string `json:"completed_branch_key,omitempty"`
	// Set when a completed human task resumes its UserAction step
	TaskID string `json:"task_id,omitempty"`
}

// SendNotificationPayload is the payload for SendNotification jobs
type SendNotificationPayload struct {
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body"`
}

// ExecuteApiCallPayload is the payload for ExecuteApiCall jobs
type ExecuteApiCallPayload struct {
	StepKey string `json:"step_key"`
}

// EvaluateConditionPayload is the payload for EvaluateCondition jobs, which
// decide whether an ingested entity event should start an instance.
type EvaluateConditionPayload struct {
	DefinitionID string                 `json:"definition_id"`
	EntityType   string                 `json:"entity_type"`
	EntityID     string                 `json:"entity_id"`
	EventName    string                 `json:"event_name"`
	EntityData   map[string]interface{} `json:"entity_data,omitempty"`
	ActorID      string                 `json:"actor_id,omitempty"`
}
