package ports

import (
	"context"
	"time"

	"github.com/pulsecrm/engine/internal/domain/models"
)

// JobQueue is the durable, lease-based work queue. Leasing is the engine's
// mutual-exclusion primitive: the lease predicate excludes any row with a
// live visibility timeout, so two workers never hold the same job.
type JobQueue interface {
	Enqueue(ctx context.Context, job *models.WorkflowJob) error
	// Lease atomically claims up to limit due jobs of the given types for
	// workerID, ordered by (priority DESC, scheduledAt ASC). Jobs whose lease
	// expired are reclaimed by the same call.
	Lease(ctx context.Context, workerID string, jobTypes []string, limit int) ([]*models.WorkflowJob, error)
	// Complete marks a Processing job Completed. Completing a job that is not
	// Processing is a logged no-op.
	Complete(ctx context.Context, jobID string, result string) error
	// Fail records a failure. With retry=true the job is requeued with
	// exponential backoff until maxAttempts, then dead-lettered; with
	// retry=false it is dead-lettered immediately. Returns true when the job
	// landed in DeadLetter.
	Fail(ctx context.Context, jobID string, errMsg string, retry bool) (deadLettered bool, err error)
	// Heartbeat extends the lease of a Processing job
	Heartbeat(ctx context.Context, jobID string) error
	// CancelForInstance voids all Pending jobs of an instance
	CancelForInstance(ctx context.Context, instanceID string) (int64, error)
	Get(ctx context.Context, jobID string) (*models.WorkflowJob, error)
	List(ctx context.Context, status string, limit int) ([]*models.WorkflowJob, error)
	// HasActive reports whether a Pending or Processing job of the given type
	// exists. Self-rescheduling maintenance jobs use it to avoid stacking a
	// second chain on restart.
	HasActive(ctx context.Context, jobType string) (bool, error)
}

// InstanceStore persists workflow instances. Update is compare-and-swap on
// LockVersion: a stale write returns ConcurrencyConflict and must be retried
// by the caller after re-reading.
type InstanceStore interface {
	Create(ctx context.Context, inst *models.WorkflowInstance) error
	Get(ctx context.Context, id string) (*models.WorkflowInstance, error)
	// Update persists the instance iff the stored lock_version equals
	// inst.LockVersion, then increments it (mirrored into inst).
	Update(ctx context.Context, inst *models.WorkflowInstance) error
	List(ctx context.Context, filter InstanceFilter) ([]*models.WorkflowInstance, error)
	// ListTerminalBefore returns IDs of terminal instances completed before
	// cutoff, for retention cleanup
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// InstanceFilter narrows monitoring queries
type InstanceFilter struct {
	DefinitionID string
	EntityType   string
	EntityID     string
	Status       string
	Limit        int
}

// EventStore is the append-only audit log. Events are never updated; deletion
// happens only through instance retention cleanup.
type EventStore interface {
	Append(ctx context.Context, event *models.WorkflowEvent) error
	ForInstance(ctx context.Context, instanceID string) ([]*models.WorkflowEvent, error)
}

// ContextStore is the per-instance typed key/value map. Set is an upsert;
// last writer wins per key.
type ContextStore interface {
	Set(ctx context.Context, v *models.ContextVariable) error
	Get(ctx context.Context, instanceID, key string) (*models.ContextVariable, error)
	ForInstance(ctx context.Context, instanceID string) ([]*models.ContextVariable, error)
}

// TaskStore persists human tasks
type TaskStore interface {
	Create(ctx context.Context, task *models.WorkflowTask) error
	Get(ctx context.Context, id string) (*models.WorkflowTask, error)
	Update(ctx context.Context, task *models.WorkflowTask) error
	// ClaimPending atomically moves a Pending task to InProgress for userID.
	// Returns false when the task was not Pending (already claimed, done, or
	// expired).
	ClaimPending(ctx context.Context, taskID, userID string, at time.Time) (bool, error)
	ListByAssignee(ctx context.Context, userID string, limit int) ([]*models.WorkflowTask, error)
	// ListOverdue returns open tasks whose DueAt passed and whose escalation
	// level is below maxLevel
	ListOverdue(ctx context.Context, now time.Time, maxLevel int, limit int) ([]*models.WorkflowTask, error)
	ForInstance(ctx context.Context, instanceID string) ([]*models.WorkflowTask, error)
}

// DefinitionStore persists workflow definitions, their steps, and published
// version snapshots
type DefinitionStore interface {
	Create(ctx context.Context, def *models.WorkflowDefinition) error
	// Get returns the definition with its steps loaded
	Get(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	// Update persists definition + steps iff the stored version_number equals
	// def.VersionNumber (optimistic lock), then increments it.
	Update(ctx context.Context, def *models.WorkflowDefinition) error
	List(ctx context.Context, status string) ([]*models.WorkflowDefinition, error)
	Delete(ctx context.Context, id string) error
	SaveVersion(ctx context.Context, v *models.WorkflowDefinitionVersion) error
	ListVersions(ctx context.Context, definitionID string) ([]*models.WorkflowDefinitionVersion, error)
}

// ScheduleStore persists cron schedules
type ScheduleStore interface {
	Create(ctx context.Context, s *models.WorkflowSchedule) error
	Get(ctx context.Context, id string) (*models.WorkflowSchedule, error)
	Update(ctx context.Context, s *models.WorkflowSchedule) error
	List(ctx context.Context, enabledOnly bool) ([]*models.WorkflowSchedule, error)
	Delete(ctx context.Context, id string) error
	// ClaimDue atomically claims one due schedule (next_trigger_at <= now) by
	// advancing next_trigger_at to nextFire, so concurrent scheduler nodes
	// fire each schedule once. Returns false when the row was already claimed.
	ClaimDue(ctx context.Context, scheduleID string, now, nextFire time.Time) (bool, error)
}

// CredentialStore persists API credentials (secret stays encrypted at rest)
type CredentialStore interface {
	Create(ctx context.Context, c *models.ApiCredential) error
	GetByName(ctx context.Context, name string) (*models.ApiCredential, error)
	List(ctx context.Context) ([]*models.ApiCredential, error)
	Update(ctx context.Context, c *models.ApiCredential) error
	Delete(ctx context.Context, id string) error
}
