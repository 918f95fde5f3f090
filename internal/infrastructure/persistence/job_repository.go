package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	"github.com/pulsecrm/engine/pkg/utils"
)

// Backoff policy for retried jobs
const (
	retryBackoffBase = 5 * time.Second
	retryBackoffCap  = 15 * time.Minute
)

// JobRepository is the durable job queue. Leasing uses a two-phase
// claim (select candidates, then conditional UPDATE per row) so that two
// workers can never hold the same job: the UPDATE predicate re-checks that
// the row is still unleased and only the worker whose UPDATE affected a row
// owns the job.
type JobRepository struct {
	db            *sql.DB
	clock         ports.Clock
	leaseDuration time.Duration
}

// NewJobRepository creates a new JobRepository
func NewJobRepository(db *sql.DB, clock ports.Clock, leaseDuration time.Duration) *JobRepository {
	return &JobRepository{db: db, clock: clock, leaseDuration: leaseDuration}
}

// Enqueue inserts a new job row
func (r *JobRepository) Enqueue(ctx context.Context, job *models.WorkflowJob) error {
	if job.ID == "" {
		job.ID = utils.GenerateID()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = models.DefaultJobMaxAttempts
	}
	now := r.clock.Now()
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	if job.Payload == "" {
		job.Payload = "{}"
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, job_type, status, instance_id, step_key, priority,
			scheduled_at, attempt_count, max_attempts, backoff_seconds,
			backoff_exponential, payload, correlation_id,
			created_date, last_modified_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, TableJob)

	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.JobType, job.Status, job.InstanceID, job.StepKey, job.Priority,
		job.ScheduledAt, job.AttemptCount, job.MaxAttempts, job.BackoffSeconds,
		job.BackoffExponential, job.Payload, job.CorrelationID,
		now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Lease atomically claims up to limit due jobs of the given types. A job is
// leasable when it is Pending and due, or Processing with an expired
// visibility timeout (crash recovery re-uses the same query, no reaper).
func (r *JobRepository) Lease(ctx context.Context, workerID string, jobTypes []string, limit int) ([]*models.WorkflowJob, error) {
	if len(jobTypes) == 0 || limit <= 0 {
		return nil, nil
	}
	now := r.clock.Now()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(jobTypes)), ",")
	args := make([]interface{}, 0, len(jobTypes)+3)
	for _, jt := range jobTypes {
		args = append(args, jt)
	}
	args = append(args, now, now, now, limit)

	candidateQuery := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE job_type IN (%s)
		  AND (
			(status = 'Pending' AND scheduled_at <= ? AND (visibility_timeout_at IS NULL OR visibility_timeout_at < ?))
			OR (status = 'Processing' AND visibility_timeout_at < ?)
		  )
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT ?
	`, TableJob, placeholders)

	rows, err := r.db.QueryContext(ctx, candidateQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query leasable jobs: %w", err)
	}
	var candidateIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		candidateIDs = append(candidateIDs, id)
	}
	rows.Close()

	if len(candidateIDs) == 0 {
		return nil, nil
	}

	// Claim each candidate individually; the predicate re-check makes the
	// claim atomic even when concurrent workers saw the same candidates.
	claimQuery := fmt.Sprintf(`
		UPDATE %s
		SET status = 'Processing', processing_worker_id = ?,
			visibility_timeout_at = ?, last_modified_date = ?
		WHERE id = ?
		  AND (
			(status = 'Pending' AND scheduled_at <= ?)
			OR (status = 'Processing' AND visibility_timeout_at < ?)
		  )
		  AND (visibility_timeout_at IS NULL OR visibility_timeout_at < ?)
	`, TableJob)

	leaseExpiry := now.Add(r.leaseDuration)
	var leased []*models.WorkflowJob
	for _, id := range candidateIDs {
		res, err := r.db.ExecContext(ctx, claimQuery, workerID, leaseExpiry, now, id, now, now, now)
		if err != nil {
			return leased, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil || affected == 0 {
			continue // Lost the race to another worker
		}
		job, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		leased = append(leased, job)
	}

	return leased, nil
}

// Complete marks a Processing job as Completed. Completing a job in any other
// state is a logged no-op, not an error.
func (r *JobRepository) Complete(ctx context.Context, jobID string, result string) error {
	now := r.clock.Now()
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'Completed', payload = ?, visibility_timeout_at = NULL,
			last_modified_date = ?
		WHERE id = ? AND status = 'Processing'
	`, TableJob)

	res, err := r.db.ExecContext(ctx, query, result, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		log.Printf("⚠️ [JobQueue] Complete on job %s ignored: not in Processing state", jobID)
	}
	return nil
}

// Fail records a job failure. With retry=true the job is requeued with
// exponential backoff until attempts are exhausted, then dead-lettered.
func (r *JobRepository) Fail(ctx context.Context, jobID string, errMsg string, retry bool) (bool, error) {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		log.Printf("⚠️ [JobQueue] Fail on unknown job %s ignored", jobID)
		return false, nil
	}
	if job.Status != models.JobStatusProcessing {
		log.Printf("⚠️ [JobQueue] Fail on job %s ignored: not in Processing state", jobID)
		return false, nil
	}

	now := r.clock.Now()
	newAttempt := job.AttemptCount + 1

	if retry && newAttempt < job.MaxAttempts {
		delay := jobRetryDelay(job, newAttempt)
		query := fmt.Sprintf(`
			UPDATE %s
			SET status = 'Pending', attempt_count = ?, scheduled_at = ?,
				visibility_timeout_at = NULL, processing_worker_id = NULL,
				last_error = ?, last_modified_date = ?
			WHERE id = ? AND status = 'Processing'
		`, TableJob)
		if _, err := r.db.ExecContext(ctx, query, newAttempt, now.Add(delay), errMsg, now, jobID); err != nil {
			return false, fmt.Errorf("failed to requeue job %s: %w", jobID, err)
		}
		log.Printf("🔄 [JobQueue] Job %s requeued (attempt %d/%d) in %v", jobID, newAttempt, job.MaxAttempts, delay)
		return false, nil
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'DeadLetter', attempt_count = ?, visibility_timeout_at = NULL,
			processing_worker_id = NULL, last_error = ?, last_modified_date = ?
		WHERE id = ? AND status = 'Processing'
	`, TableJob)
	if _, err := r.db.ExecContext(ctx, query, newAttempt, errMsg, now, jobID); err != nil {
		return false, fmt.Errorf("failed to dead-letter job %s: %w", jobID, err)
	}
	log.Printf("❌ [JobQueue] Job %s dead-lettered after %d attempts: %s", jobID, newAttempt, errMsg)
	return true, nil
}

// jobRetryDelay computes the requeue delay for attempt newAttempt. A job
// without its own backoff settings gets the queue default: base * 2^attempt,
// capped. A job carrying a step retry policy uses its own base, held flat
// unless the policy asked for exponential growth.
func jobRetryDelay(job *models.WorkflowJob, newAttempt int) time.Duration {
	base := retryBackoffBase
	exponential := true
	if job.BackoffSeconds > 0 {
		base = time.Duration(job.BackoffSeconds) * time.Second
		exponential = job.BackoffExponential
	}
	delay := base
	if exponential {
		delay = base << uint(newAttempt)
	}
	if delay > retryBackoffCap {
		delay = retryBackoffCap
	}
	return delay
}

// Heartbeat extends the lease of a Processing job
func (r *JobRepository) Heartbeat(ctx context.Context, jobID string) error {
	now := r.clock.Now()
	query := fmt.Sprintf(`
		UPDATE %s
		SET visibility_timeout_at = ?, last_modified_date = ?
		WHERE id = ? AND status = 'Processing'
	`, TableJob)

	res, err := r.db.ExecContext(ctx, query, now.Add(r.leaseDuration), now, jobID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job %s: %w", jobID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("heartbeat on job %s: job is not Processing", jobID)
	}
	return nil
}

// CancelForInstance voids all Pending jobs of an instance. A job already
// leased finishes its unit of work and observes cancellation afterwards.
func (r *JobRepository) CancelForInstance(ctx context.Context, instanceID string) (int64, error) {
	now := r.clock.Now()
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'Cancelled', last_modified_date = ?
		WHERE instance_id = ? AND status = 'Pending'
	`, TableJob)

	res, err := r.db.ExecContext(ctx, query, now, instanceID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs for instance %s: %w", instanceID, err)
	}
	return res.RowsAffected()
}

// Get returns a job by ID, or nil when absent
func (r *JobRepository) Get(ctx context.Context, jobID string) (*models.WorkflowJob, error) {
	query := fmt.Sprintf(`
		SELECT id, job_type, status, instance_id, step_key, priority, scheduled_at,
			visibility_timeout_at, processing_worker_id, attempt_count, max_attempts,
			backoff_seconds, backoff_exponential, payload, correlation_id,
			last_error, created_date, last_modified_date
		FROM %s WHERE id = ?
	`, TableJob)

	job, err := scanJob(r.db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// List returns jobs by status for the monitoring surface
func (r *JobRepository) List(ctx context.Context, status string, limit int) ([]*models.WorkflowJob, error) {
	query := fmt.Sprintf(`
		SELECT id, job_type, status, instance_id, step_key, priority, scheduled_at,
			visibility_timeout_at, processing_worker_id, attempt_count, max_attempts,
			backoff_seconds, backoff_exponential, payload, correlation_id,
			last_error, created_date, last_modified_date
		FROM %s WHERE status = ?
		ORDER BY last_modified_date DESC
		LIMIT ?
	`, TableJob)

	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.WorkflowJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// HasActive reports whether a Pending or Processing job of the given type exists
func (r *JobRepository) HasActive(ctx context.Context, jobType string) (bool, error) {
	query := fmt.Sprintf(`
		SELECT 1 FROM %s
		WHERE job_type = ? AND status IN ('Pending', 'Processing')
		LIMIT 1
	`, TableJob)

	var one int
	err := r.db.QueryRowContext(ctx, query, jobType).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check active jobs: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.WorkflowJob, error) {
	var job models.WorkflowJob
	var instanceID, stepKey, workerID, correlationID, lastError sql.NullString
	var visibilityTimeoutAt sql.NullTime

	err := row.Scan(&job.ID, &job.JobType, &job.Status, &instanceID, &stepKey,
		&job.Priority, &job.ScheduledAt, &visibilityTimeoutAt, &workerID,
		&job.AttemptCount, &job.MaxAttempts, &job.BackoffSeconds,
		&job.BackoffExponential, &job.Payload, &correlationID,
		&lastError, &job.CreatedDate, &job.LastModifiedDate)
	if err != nil {
		return nil, err
	}

	if instanceID.Valid {
		job.InstanceID = &instanceID.String
	}
	if stepKey.Valid {
		job.StepKey = &stepKey.String
	}
	if workerID.Valid {
		job.ProcessingWorkerID = &workerID.String
	}
	if correlationID.Valid {
		job.CorrelationID = &correlationID.String
	}
	if lastError.Valid {
		job.LastError = &lastError.String
	}
	if visibilityTimeoutAt.Valid {
		t := visibilityTimeoutAt.Time
		job.VisibilityTimeoutAt = &t
	}
	return &job, nil
}
