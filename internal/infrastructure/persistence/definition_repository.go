package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
	"github.com/pulsecrm/engine/pkg/utils"
)

// DefinitionRepository persists workflow definitions, their steps, and
// published version snapshots. Definition updates are optimistic on
// version_number.
type DefinitionRepository struct {
	db    *sql.DB
	clock ports.Clock
}

// NewDefinitionRepository creates a new DefinitionRepository
func NewDefinitionRepository(db *sql.DB, clock ports.Clock) *DefinitionRepository {
	return &DefinitionRepository{db: db, clock: clock}
}

// Create inserts a definition and its steps
func (r *DefinitionRepository) Create(ctx context.Context, def *models.WorkflowDefinition) error {
	if def.ID == "" {
		def.ID = utils.GenerateID()
	}
	now := r.clock.Now()
	def.CreatedDate = now
	def.LastModifiedDate = now
	if def.Status == "" {
		def.Status = models.DefinitionStatusDraft
	}
	if def.VersionNumber == 0 {
		def.VersionNumber = 1
	}

	triggerEvents, err := json.Marshal(def.TriggerEvents)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger events: %w", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, description, status, version_number, trigger_type,
			trigger_entity_type, trigger_events, trigger_condition, priority,
			created_by_id, created_date, last_modified_date, published_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, TableDefinition)

	if _, err := tx.ExecContext(ctx, query,
		def.ID, def.Name, def.Description, def.Status, def.VersionNumber,
		def.TriggerType, def.TriggerEntityType, string(triggerEvents),
		def.TriggerCondition, def.Priority, def.CreatedByID,
		def.CreatedDate, def.LastModifiedDate, def.PublishedDate); err != nil {
		return fmt.Errorf("failed to create definition: %w", err)
	}

	if err := r.insertSteps(ctx, tx, def); err != nil {
		return err
	}
	return tx.Commit()
}

// Get returns a definition with its steps loaded, ordered by step_order
func (r *DefinitionRepository) Get(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	query := fmt.Sprintf(`
		SELECT id, name, description, status, version_number, trigger_type,
			trigger_entity_type, trigger_events, trigger_condition, priority,
			created_by_id, created_date, last_modified_date, published_date
		FROM %s WHERE id = ?
	`, TableDefinition)

	def, err := scanDefinition(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("WorkflowDefinition", id)
	}
	if err != nil {
		return nil, err
	}

	steps, err := r.stepsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	def.Steps = steps
	return def, nil
}

// Update replaces the definition row and its steps iff the stored
// version_number matches (optimistic lock), then increments it.
func (r *DefinitionRepository) Update(ctx context.Context, def *models.WorkflowDefinition) error {
	triggerEvents, err := json.Marshal(def.TriggerEvents)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger events: %w", err)
	}
	now := r.clock.Now()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		UPDATE %s
		SET name = ?, description = ?, status = ?, version_number = version_number + 1,
			trigger_type = ?, trigger_entity_type = ?, trigger_events = ?,
			trigger_condition = ?, priority = ?, last_modified_date = ?, published_date = ?
		WHERE id = ? AND version_number = ?
	`, TableDefinition)

	res, err := tx.ExecContext(ctx, query,
		def.Name, def.Description, def.Status, def.TriggerType,
		def.TriggerEntityType, string(triggerEvents), def.TriggerCondition,
		def.Priority, now, def.PublishedDate, def.ID, def.VersionNumber)
	if err != nil {
		return fmt.Errorf("failed to update definition %s: %w", def.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NewConcurrencyConflict("WorkflowDefinition", def.ID)
	}

	delQuery := fmt.Sprintf(`DELETE FROM %s WHERE definition_id = ?`, TableStep)
	if _, err := tx.ExecContext(ctx, delQuery, def.ID); err != nil {
		return fmt.Errorf("failed to replace steps: %w", err)
	}
	if err := r.insertSteps(ctx, tx, def); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	def.VersionNumber++
	def.LastModifiedDate = now
	return nil
}

// List returns definitions (without steps), optionally filtered by status
func (r *DefinitionRepository) List(ctx context.Context, status string) ([]*models.WorkflowDefinition, error) {
	query := fmt.Sprintf(`
		SELECT id, name, description, status, version_number, trigger_type,
			trigger_entity_type, trigger_events, trigger_condition, priority,
			created_by_id, created_date, last_modified_date, published_date
		FROM %s
	`, TableDefinition)
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY name ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*models.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Delete removes a definition and its steps
func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE definition_id = ?`, TableStep), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, TableDefinition), id); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveVersion inserts a published snapshot
func (r *DefinitionRepository) SaveVersion(ctx context.Context, v *models.WorkflowDefinitionVersion) error {
	if v.ID == "" {
		v.ID = utils.GenerateID()
	}
	if v.CreatedDate.IsZero() {
		v.CreatedDate = r.clock.Now()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, definition_id, version_number, snapshot, change_notes,
			created_by_id, created_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, TableDefinitionVersion)

	_, err := r.db.ExecContext(ctx, query,
		v.ID, v.DefinitionID, v.VersionNumber, v.Snapshot, v.ChangeNotes,
		v.CreatedByID, v.CreatedDate)
	if err != nil {
		return fmt.Errorf("failed to save definition version: %w", err)
	}
	return nil
}

// ListVersions returns snapshots for a definition, newest first
func (r *DefinitionRepository) ListVersions(ctx context.Context, definitionID string) ([]*models.WorkflowDefinitionVersion, error) {
	query := fmt.Sprintf(`
		SELECT id, definition_id, version_number, snapshot, change_notes,
			created_by_id, created_date
		FROM %s WHERE definition_id = ?
		ORDER BY version_number DESC
	`, TableDefinitionVersion)

	rows, err := r.db.QueryContext(ctx, query, definitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list definition versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.WorkflowDefinitionVersion
	for rows.Next() {
		var v models.WorkflowDefinitionVersion
		var changeNotes, createdBy sql.NullString
		if err := rows.Scan(&v.ID, &v.DefinitionID, &v.VersionNumber, &v.Snapshot,
			&changeNotes, &createdBy, &v.CreatedDate); err != nil {
			continue
		}
		if changeNotes.Valid {
			v.ChangeNotes = &changeNotes.String
		}
		if createdBy.Valid {
			v.CreatedByID = &createdBy.String
		}
		versions = append(versions, &v)
	}
	return versions, nil
}

func (r *DefinitionRepository) insertSteps(ctx context.Context, tx *sql.Tx, def *models.WorkflowDefinition) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, definition_id, step_key, name, step_type, configuration,
			transitions, timeout_minutes, timeout_action, retry_policy, is_start_step, step_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, TableStep)

	for _, s := range def.Steps {
		if s.ID == "" {
			s.ID = utils.GenerateID()
		}
		s.DefinitionID = def.ID

		config, err := json.Marshal(s.Configuration)
		if err != nil {
			return fmt.Errorf("failed to marshal configuration for step %s: %w", s.StepKey, err)
		}
		transitions, err := json.Marshal(s.Transitions)
		if err != nil {
			return fmt.Errorf("failed to marshal transitions for step %s: %w", s.StepKey, err)
		}
		retry, err := json.Marshal(s.Retry)
		if err != nil {
			return fmt.Errorf("failed to marshal retry policy for step %s: %w", s.StepKey, err)
		}

		if _, err := tx.ExecContext(ctx, query,
			s.ID, s.DefinitionID, s.StepKey, s.Name, s.StepType, string(config),
			string(transitions), s.TimeoutMinutes, s.TimeoutAction, string(retry),
			s.IsStartStep, s.StepOrder); err != nil {
			return fmt.Errorf("failed to insert step %s: %w", s.StepKey, err)
		}
	}
	return nil
}

func (r *DefinitionRepository) stepsFor(ctx context.Context, definitionID string) ([]*models.Step, error) {
	query := fmt.Sprintf(`
		SELECT id, definition_id, step_key, name, step_type, configuration,
			transitions, timeout_minutes, timeout_action, retry_policy, is_start_step, step_order
		FROM %s WHERE definition_id = ?
		ORDER BY step_order ASC
	`, TableStep)

	rows, err := r.db.QueryContext(ctx, query, definitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.Step
	for rows.Next() {
		var s models.Step
		var config, transitions, retry string
		var timeoutAction sql.NullString
		if err := rows.Scan(&s.ID, &s.DefinitionID, &s.StepKey, &s.Name, &s.StepType,
			&config, &transitions, &s.TimeoutMinutes, &timeoutAction, &retry,
			&s.IsStartStep, &s.StepOrder); err != nil {
			continue
		}
		if timeoutAction.Valid {
			s.TimeoutAction = timeoutAction.String
		}
		if config != "" && config != "null" {
			if err := json.Unmarshal([]byte(config), &s.Configuration); err != nil {
				return nil, fmt.Errorf("failed to decode configuration for step %s: %w", s.StepKey, err)
			}
		}
		if transitions != "" && transitions != "null" {
			if err := json.Unmarshal([]byte(transitions), &s.Transitions); err != nil {
				return nil, fmt.Errorf("failed to decode transitions for step %s: %w", s.StepKey, err)
			}
		}
		if retry != "" && retry != "null" {
			if err := json.Unmarshal([]byte(retry), &s.Retry); err != nil {
				return nil, fmt.Errorf("failed to decode retry policy for step %s: %w", s.StepKey, err)
			}
		}
		steps = append(steps, &s)
	}
	return steps, nil
}

func scanDefinition(row rowScanner) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	var description, triggerEntityType, triggerCondition, createdBy sql.NullString
	var triggerEvents string
	var publishedDate sql.NullTime

	err := row.Scan(&def.ID, &def.Name, &description, &def.Status, &def.VersionNumber,
		&def.TriggerType, &triggerEntityType, &triggerEvents, &triggerCondition,
		&def.Priority, &createdBy, &def.CreatedDate, &def.LastModifiedDate, &publishedDate)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		def.Description = &description.String
	}
	if triggerEntityType.Valid {
		def.TriggerEntityType = &triggerEntityType.String
	}
	if triggerCondition.Valid {
		def.TriggerCondition = &triggerCondition.String
	}
	if createdBy.Valid {
		def.CreatedByID = &createdBy.String
	}
	if publishedDate.Valid {
		t := publishedDate.Time
		def.PublishedDate = &t
	}
	if triggerEvents != "" && triggerEvents != "null" {
		if err := json.Unmarshal([]byte(triggerEvents), &def.TriggerEvents); err != nil {
			return nil, fmt.Errorf("failed to decode trigger events for %s: %w", def.ID, err)
		}
	}
	return &def, nil
}
