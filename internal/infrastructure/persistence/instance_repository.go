package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
	"github.com/pulsecrm/engine/pkg/utils"
)

// InstanceRepository persists workflow instances. Every Update is a
// compare-and-swap on lock_version; a stale write returns
// ConcurrencyConflict and is never silently absorbed.
type InstanceRepository struct {
	db    *sql.DB
	tm    *TransactionManager
	clock ports.Clock
}

// NewInstanceRepository creates a new InstanceRepository
func NewInstanceRepository(db *sql.DB, clock ports.Clock) *InstanceRepository {
	return &InstanceRepository{db: db, tm: NewTransactionManager(db), clock: clock}
}

const instanceColumns = `id, definition_id, definition_version, entity_type, entity_id,
	status, current_step_key, active_step_keys, join_states, lock_version,
	processing_worker_id, processing_started_at, error_message, retry_count,
	next_retry_at, parent_instance_id, parent_step_key, started_by_id, started_at,
	completed_at`

// Create inserts a new instance with lock_version 0
func (r *InstanceRepository) Create(ctx context.Context, inst *models.WorkflowInstance) error {
	if inst.ID == "" {
		inst.ID = utils.GenerateID()
	}
	if inst.StartedAt.IsZero() {
		inst.StartedAt = r.clock.Now()
	}
	inst.LockVersion = 0

	activeKeys, err := json.Marshal(inst.ActiveStepKeys)
	if err != nil {
		return fmt.Errorf("failed to marshal active step keys: %w", err)
	}
	joinStates, err := json.Marshal(inst.JoinStates)
	if err != nil {
		return fmt.Errorf("failed to marshal join states: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, TableInstance, instanceColumns)

	_, err = r.db.ExecContext(ctx, query,
		inst.ID, inst.DefinitionID, inst.DefinitionVersion, inst.EntityType, inst.EntityID,
		inst.Status, inst.CurrentStepKey, string(activeKeys), string(joinStates),
		inst.LockVersion, inst.ProcessingWorkerID, inst.ProcessingStartedAt,
		inst.ErrorMessage, inst.RetryCount, inst.NextRetryAt, inst.ParentInstanceID,
		inst.ParentStepKey, inst.StartedByID, inst.StartedAt, inst.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// Get returns an instance by ID
func (r *InstanceRepository) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, instanceColumns, TableInstance)
	inst, err := scanInstance(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("WorkflowInstance", id)
	}
	return inst, err
}

// Update persists the instance iff the stored lock_version equals
// inst.LockVersion, then increments it (mirrored into inst). A zero affected
// row count means another writer won; the caller must re-read and retry.
func (r *InstanceRepository) Update(ctx context.Context, inst *models.WorkflowInstance) error {
	activeKeys, err := json.Marshal(inst.ActiveStepKeys)
	if err != nil {
		return fmt.Errorf("failed to marshal active step keys: %w", err)
	}
	joinStates, err := json.Marshal(inst.JoinStates)
	if err != nil {
		return fmt.Errorf("failed to marshal join states: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = ?, current_step_key = ?, active_step_keys = ?, join_states = ?,
			lock_version = lock_version + 1, processing_worker_id = ?,
			processing_started_at = ?, error_message = ?, retry_count = ?,
			next_retry_at = ?, completed_at = ?
		WHERE id = ? AND lock_version = ?
	`, TableInstance)

	res, err := r.db.ExecContext(ctx, query,
		inst.Status, inst.CurrentStepKey, string(activeKeys), string(joinStates),
		inst.ProcessingWorkerID, inst.ProcessingStartedAt, inst.ErrorMessage,
		inst.RetryCount, inst.NextRetryAt, inst.CompletedAt,
		inst.ID, inst.LockVersion)
	if err != nil {
		return fmt.Errorf("failed to update instance %s: %w", inst.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NewConcurrencyConflict("WorkflowInstance", inst.ID)
	}

	inst.LockVersion++
	return nil
}

// List returns instances matching the filter, for the monitoring surface
func (r *InstanceRepository) List(ctx context.Context, filter ports.InstanceFilter) ([]*models.WorkflowInstance, error) {
	var conds []string
	var args []interface{}

	if filter.DefinitionID != "" {
		conds = append(conds, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s FROM %s %s
		ORDER BY started_at DESC
		LIMIT ?
	`, instanceColumns, TableInstance, where)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// ListTerminalBefore returns IDs of terminal instances completed before
// cutoff, for retention cleanup
func (r *InstanceRepository) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE status IN ('Completed', 'Failed', 'Cancelled') AND completed_at < ?
		LIMIT ?
	`, TableInstance)

	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete removes an instance together with its events, context variables,
// tasks, and jobs in one transaction (retention cleanup only)
func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	return r.tm.WithRetry(func(tx *sql.Tx) error {
		for _, table := range []string{TableEvent, TableContextVariable, TableTask, TableJob} {
			query := fmt.Sprintf(`DELETE FROM %s WHERE instance_id = ?`, table)
			if _, err := tx.ExecContext(ctx, query, id); err != nil {
				return fmt.Errorf("failed to purge %s for instance %s: %w", table, id, err)
			}
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, TableInstance)
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("failed to delete instance %s: %w", id, err)
		}
		return nil
	}, 3)
}

func scanInstance(row rowScanner) (*models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	var currentStepKey, workerID, errMsg, parentID, parentStepKey, startedBy sql.NullString
	var activeKeys string
	var joinStates sql.NullString
	var processingStartedAt, nextRetryAt, completedAt sql.NullTime

	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion,
		&inst.EntityType, &inst.EntityID, &inst.Status, &currentStepKey, &activeKeys,
		&joinStates, &inst.LockVersion, &workerID, &processingStartedAt, &errMsg, &inst.RetryCount,
		&nextRetryAt, &parentID, &parentStepKey, &startedBy, &inst.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if currentStepKey.Valid {
		inst.CurrentStepKey = &currentStepKey.String
	}
	if workerID.Valid {
		inst.ProcessingWorkerID = &workerID.String
	}
	if errMsg.Valid {
		inst.ErrorMessage = &errMsg.String
	}
	if parentID.Valid {
		inst.ParentInstanceID = &parentID.String
	}
	if parentStepKey.Valid {
		inst.ParentStepKey = &parentStepKey.String
	}
	if startedBy.Valid {
		inst.StartedByID = &startedBy.String
	}
	if processingStartedAt.Valid {
		t := processingStartedAt.Time
		inst.ProcessingStartedAt = &t
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		inst.NextRetryAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		inst.CompletedAt = &t
	}

	if activeKeys != "" && activeKeys != "null" {
		if err := json.Unmarshal([]byte(activeKeys), &inst.ActiveStepKeys); err != nil {
			return nil, fmt.Errorf("failed to decode active step keys for %s: %w", inst.ID, err)
		}
	}
	if joinStates.Valid && joinStates.String != "" && joinStates.String != "null" {
		if err := json.Unmarshal([]byte(joinStates.String), &inst.JoinStates); err != nil {
			return nil, fmt.Errorf("failed to decode join states for %s: %w", inst.ID, err)
		}
	}
	return &inst, nil
}
