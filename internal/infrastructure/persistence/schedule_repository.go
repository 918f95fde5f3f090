package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
	"github.com/pulsecrm/engine/pkg/utils"
)

// ScheduleRepository persists cron schedules
type ScheduleRepository struct {
	db    *sql.DB
	clock ports.Clock
}

// NewScheduleRepository creates a new ScheduleRepository
func NewScheduleRepository(db *sql.DB, clock ports.Clock) *ScheduleRepository {
	return &ScheduleRepository{db: db, clock: clock}
}

const scheduleColumns = `id, definition_id, cron_expression, timezone, entity_type,
	entity_id, starts_at, ends_at, is_enabled, last_triggered_at, next_trigger_at,
	execution_count, created_date, last_modified_date`

// Create inserts a new schedule
func (r *ScheduleRepository) Create(ctx context.Context, s *models.WorkflowSchedule) error {
	if s.ID == "" {
		s.ID = utils.GenerateID()
	}
	now := r.clock.Now()
	s.CreatedDate = now
	s.LastModifiedDate = now

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, TableSchedule, scheduleColumns)

	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.DefinitionID, s.CronExpression, s.Timezone, s.EntityType, s.EntityID,
		s.StartsAt, s.EndsAt, s.IsEnabled, s.LastTriggeredAt, s.NextTriggerAt,
		s.ExecutionCount, s.CreatedDate, s.LastModifiedDate)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// Get returns a schedule by ID
func (r *ScheduleRepository) Get(ctx context.Context, id string) (*models.WorkflowSchedule, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, scheduleColumns, TableSchedule)
	s, err := scanSchedule(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("WorkflowSchedule", id)
	}
	return s, err
}

// Update persists mutable schedule fields
func (r *ScheduleRepository) Update(ctx context.Context, s *models.WorkflowSchedule) error {
	now := r.clock.Now()
	query := fmt.Sprintf(`
		UPDATE %s
		SET cron_expression = ?, timezone = ?, entity_type = ?, entity_id = ?,
			starts_at = ?, ends_at = ?, is_enabled = ?, last_triggered_at = ?,
			next_trigger_at = ?, execution_count = ?, last_modified_date = ?
		WHERE id = ?
	`, TableSchedule)

	_, err := r.db.ExecContext(ctx, query,
		s.CronExpression, s.Timezone, s.EntityType, s.EntityID, s.StartsAt, s.EndsAt,
		s.IsEnabled, s.LastTriggeredAt, s.NextTriggerAt, s.ExecutionCount, now, s.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule %s: %w", s.ID, err)
	}
	return nil
}

// List returns schedules, optionally only enabled ones
func (r *ScheduleRepository) List(ctx context.Context, enabledOnly bool) ([]*models.WorkflowSchedule, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, scheduleColumns, TableSchedule)
	if enabledOnly {
		query += " WHERE is_enabled = true"
	}
	query += " ORDER BY created_date ASC"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.WorkflowSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			continue
		}
		schedules = append(schedules, s)
	}
	return schedules, nil
}

// Delete removes a schedule
func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, TableSchedule)
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// ClaimDue atomically claims a due schedule by advancing next_trigger_at to
// the next fire time. Only the node whose UPDATE affected the row fires; the
// predicate keeps concurrent scheduler nodes from double-triggering.
func (r *ScheduleRepository) ClaimDue(ctx context.Context, scheduleID string, now, nextFire time.Time) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET last_triggered_at = ?, next_trigger_at = ?,
			execution_count = execution_count + 1, last_modified_date = ?
		WHERE id = ? AND is_enabled = true
		  AND next_trigger_at IS NOT NULL AND next_trigger_at <= ?
	`, TableSchedule)

	res, err := r.db.ExecContext(ctx, query, now, nextFire, now, scheduleID, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim schedule %s: %w", scheduleID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanSchedule(row rowScanner) (*models.WorkflowSchedule, error) {
	var s models.WorkflowSchedule
	var startsAt, endsAt, lastTriggeredAt, nextTriggerAt sql.NullTime

	err := row.Scan(&s.ID, &s.DefinitionID, &s.CronExpression, &s.Timezone,
		&s.EntityType, &s.EntityID, &startsAt, &endsAt, &s.IsEnabled,
		&lastTriggeredAt, &nextTriggerAt, &s.ExecutionCount,
		&s.CreatedDate, &s.LastModifiedDate)
	if err != nil {
		return nil, err
	}

	if startsAt.Valid {
		t := startsAt.Time
		s.StartsAt = &t
	}
	if endsAt.Valid {
		t := endsAt.Time
		s.EndsAt = &t
	}
	if lastTriggeredAt.Valid {
		t := lastTriggeredAt.Time
		s.LastTriggeredAt = &t
	}
	if nextTriggerAt.Valid {
		t := nextTriggerAt.Time
		s.NextTriggerAt = &t
	}
	return &s, nil
}
