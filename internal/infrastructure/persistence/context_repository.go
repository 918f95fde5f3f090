package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	"github.com/pulsecrm/engine/pkg/utils"
)

// ContextRepository persists per-instance context variables.
// (instance_id, key) carries a unique index; Set is an upsert so the last
// writer per key wins.
type ContextRepository struct {
	db    *sql.DB
	clock ports.Clock
}

// NewContextRepository creates a new ContextRepository
func NewContextRepository(db *sql.DB, clock ports.Clock) *ContextRepository {
	return &ContextRepository{db: db, clock: clock}
}

// Set upserts one variable
func (r *ContextRepository) Set(ctx context.Context, v *models.ContextVariable) error {
	if v.ID == "" {
		v.ID = utils.GenerateID()
	}
	now := r.clock.Now()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, instance_id, var_key, value_type, value, set_by_step_key,
			is_encrypted, is_system_variable, last_modified_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			value_type = VALUES(value_type), value = VALUES(value),
			set_by_step_key = VALUES(set_by_step_key),
			is_encrypted = VALUES(is_encrypted),
			last_modified_date = VALUES(last_modified_date)
	`, TableContextVariable)

	_, err := r.db.ExecContext(ctx, query,
		v.ID, v.InstanceID, v.Key, v.ValueType, v.Value, v.SetByStepKey,
		v.IsEncrypted, v.IsSystemVariable, now)
	if err != nil {
		return fmt.Errorf("failed to set context variable %s: %w", v.Key, err)
	}
	v.LastModifiedDate = now
	return nil
}

// Get returns one variable, or nil when the key is unset
func (r *ContextRepository) Get(ctx context.Context, instanceID, key string) (*models.ContextVariable, error) {
	query := fmt.Sprintf(`
		SELECT id, instance_id, var_key, value_type, value, set_by_step_key,
			is_encrypted, is_system_variable, last_modified_date
		FROM %s WHERE instance_id = ? AND var_key = ?
	`, TableContextVariable)

	v, err := scanContextVariable(r.db.QueryRowContext(ctx, query, instanceID, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// ForInstance returns all variables of an instance
func (r *ContextRepository) ForInstance(ctx context.Context, instanceID string) ([]*models.ContextVariable, error) {
	query := fmt.Sprintf(`
		SELECT id, instance_id, var_key, value_type, value, set_by_step_key,
			is_encrypted, is_system_variable, last_modified_date
		FROM %s WHERE instance_id = ?
		ORDER BY var_key ASC
	`, TableContextVariable)

	rows, err := r.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query context variables: %w", err)
	}
	defer rows.Close()

	var vars []*models.ContextVariable
	for rows.Next() {
		v, err := scanContextVariable(rows)
		if err != nil {
			continue
		}
		vars = append(vars, v)
	}
	return vars, nil
}

func scanContextVariable(row rowScanner) (*models.ContextVariable, error) {
	var v models.ContextVariable
	var setByStepKey sql.NullString

	err := row.Scan(&v.ID, &v.InstanceID, &v.Key, &v.ValueType, &v.Value,
		&setByStepKey, &v.IsEncrypted, &v.IsSystemVariable, &v.LastModifiedDate)
	if err != nil {
		return nil, err
	}
	if setByStepKey.Valid {
		v.SetByStepKey = &setByStepKey.String
	}
	return &v, nil
}
