package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	"github.com/pulsecrm/engine/pkg/utils"
)

// EventRepository is the append-only audit log. There is no UPDATE statement
// in this file on purpose; rows only leave the table through retention
// cleanup of terminal instances.
type EventRepository struct {
	db    *sql.DB
	clock ports.Clock
}

// NewEventRepository creates a new EventRepository
func NewEventRepository(db *sql.DB, clock ports.Clock) *EventRepository {
	return &EventRepository{db: db, clock: clock}
}

// Append inserts one event. Sequence is assigned by the auto-increment
// column so insertion order is the tie-break within equal timestamps.
func (r *EventRepository) Append(ctx context.Context, event *models.WorkflowEvent) error {
	if event.ID == "" {
		event.ID = utils.GenerateID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock.Now()
	}
	if event.Severity == "" {
		event.Severity = models.SeverityInfo
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, instance_id, event_type, step_key, timestamp, actor,
			input, output, duration_ms, error_details, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, TableEvent)

	res, err := r.db.ExecContext(ctx, query,
		event.ID, event.InstanceID, string(event.EventType), event.StepKey,
		event.Timestamp, event.Actor, event.Input, event.Output,
		event.DurationMs, event.ErrorDetails, event.Severity)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		event.Sequence = seq
	}
	return nil
}

// ForInstance returns the full ordered event stream of an instance
func (r *EventRepository) ForInstance(ctx context.Context, instanceID string) ([]*models.WorkflowEvent, error) {
	query := fmt.Sprintf(`
		SELECT id, instance_id, event_type, step_key, timestamp, sequence, actor,
			input, output, duration_ms, error_details, severity
		FROM %s
		WHERE instance_id = ?
		ORDER BY timestamp ASC, sequence ASC
	`, TableEvent)

	rows, err := r.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.WorkflowEvent
	for rows.Next() {
		var e models.WorkflowEvent
		var eventType string
		var stepKey, input, output, errorDetails sql.NullString
		var durationMs sql.NullInt64

		if err := rows.Scan(&e.ID, &e.InstanceID, &eventType, &stepKey, &e.Timestamp,
			&e.Sequence, &e.Actor, &input, &output, &durationMs, &errorDetails,
			&e.Severity); err != nil {
			continue
		}
		e.EventType = models.EventType(eventType)
		if stepKey.Valid {
			e.StepKey = &stepKey.String
		}
		if input.Valid {
			e.Input = &input.String
		}
		if output.Valid {
			e.Output = &output.String
		}
		if errorDetails.Valid {
			e.ErrorDetails = &errorDetails.String
		}
		if durationMs.Valid {
			v := durationMs.Int64
			e.DurationMs = &v
		}
		events = append(events, &e)
	}
	return events, nil
}
