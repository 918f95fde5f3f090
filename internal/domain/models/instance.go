package models

import (
	"time"
)

// WorkflowInstance statuses
const (
	InstanceStatusPending         = "Pending"
	InstanceStatusRunning         = "Running"
	InstanceStatusWaitingForInput = "WaitingForInput"
	InstanceStatusPaused          = "Paused"
	InstanceStatusSuspended       = "Suspended"
	InstanceStatusCompleted       = "Completed"
	InstanceStatusFailed          = "Failed"
	InstanceStatusCancelled       = "Cancelled"
)

// WorkflowInstance is one execution of a definition version against one
// business entity. LockVersion is the optimistic lock guarding every status
// and activeStepKeys mutation; ProcessingWorkerID/ProcessingStartedAt record
// the worker currently advancing the instance.
type WorkflowInstance struct {
	ID                  string     `json:"id"`
	DefinitionID        string     `json:"definition_id"`
	DefinitionVersion   int        `json:"definition_version"`
	EntityType          string     `json:"entity_type"`
	EntityID            string     `json:"entity_id"`
	Status              string     `json:"status"`
	CurrentStepKey      *string    `json:"current_step_key,omitempty"`
	ActiveStepKeys      []string   `json:"active_step_keys,omitempty"`

	// JoinStates records branch arrivals per Join step key. It lives on the
	// instance row so arrival updates run under the same optimistic lock as
	// the active set; concurrent arrivals conflict and retry instead of
	// overwriting each other.
	JoinStates map[string]*JoinState `json:"join_states,omitempty"`

	LockVersion         int64      `json:"lock_version"`
	ProcessingWorkerID  *string    `json:"processing_worker_id,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
	RetryCount          int        `json:"retry_count"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
	ParentInstanceID    *string    `json:"parent_instance_id,omitempty"`
	ParentStepKey       *string    `json:"parent_step_key,omitempty"`
	StartedByID         *string    `json:"started_by_id,omitempty"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// JoinState is the arrival record of one Join step
type JoinState struct {
	Arrivals []string `json:"arrivals"`
	Fired    bool     `json:"fired"`
}

// Arrived reports whether branchKey already arrived at the join
func (j *JoinState) Arrived(branchKey string) bool {
	for _, arrived := range j.Arrivals {
		if arrived == branchKey {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the instance has finished for good
func (i *WorkflowInstance) IsTerminal() bool {
	switch i.Status {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	}
	return false
}

// HasActiveStep reports whether key is in the parallel active set
func (i *WorkflowInstance) HasActiveStep(key string) bool {
	for _, k := range i.ActiveStepKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Context variable value types
const (
	ValueTypeString   = "String"
	ValueTypeNumber   = "Number"
	ValueTypeBoolean  = "Boolean"
	ValueTypeDateTime = "DateTime"
	ValueTypeObject   = "Object"
	ValueTypeArray    = "Array"
)

// ContextVariable is one typed key/value entry in an instance's execution
// context. (InstanceID, Key) is unique; last writer wins per key. System
// variables are engine-owned and rejected on external writes.
type ContextVariable struct {
	ID               string    `json:"id"`
	InstanceID       string    `json:"instance_id"`
	Key              string    `json:"key"`
	ValueType        string    `json:"value_type"`
	Value            string    `json:"value"` // JSON-encoded
	SetByStepKey     *string   `json:"set_by_step_key,omitempty"`
	IsEncrypted      bool      `json:"is_encrypted"`
	IsSystemVariable bool      `json:"is_system_variable"`
	LastModifiedDate time.Time `json:"last_modified_date"`
}

// InferValueType maps a Go value (as produced by JSON decoding or the
// expression engine) to the context variable type tag.
func InferValueType(v interface{}) string {
	switch v.(type) {
	case string:
		return ValueTypeString
	case bool:
		return ValueTypeBoolean
	case int, int32, int64, float32, float64:
		return ValueTypeNumber
	case time.Time:
		return ValueTypeDateTime
	case []interface{}:
		return ValueTypeArray
	default:
		return ValueTypeObject
	}
}
