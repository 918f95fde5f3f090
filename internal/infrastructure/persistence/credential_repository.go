package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
	"github.com/pulsecrm/engine/pkg/utils"
)

// CredentialRepository persists API credentials. Secrets arrive already
// encrypted; this layer never sees plaintext.
type CredentialRepository struct {
	db    *sql.DB
	clock ports.Clock
}

// NewCredentialRepository creates a new CredentialRepository
func NewCredentialRepository(db *sql.DB, clock ports.Clock) *CredentialRepository {
	return &CredentialRepository{db: db, clock: clock}
}

const credentialColumns = `id, name, auth_type, encrypted_secret, header_name,
	expires_at, is_enabled, created_date, last_modified_date`

// Create inserts a new credential
func (r *CredentialRepository) Create(ctx context.Context, c *models.ApiCredential) error {
	if c.ID == "" {
		c.ID = utils.GenerateID()
	}
	now := r.clock.Now()
	c.CreatedDate = now
	c.LastModifiedDate = now

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, TableApiCredential, credentialColumns)

	_, err := r.db.ExecContext(ctx, query,
		c.ID, c.Name, c.AuthType, c.EncryptedSecret, c.HeaderName,
		c.ExpiresAt, c.IsEnabled, c.CreatedDate, c.LastModifiedDate)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// GetByName returns a credential by its unique name
func (r *CredentialRepository) GetByName(ctx context.Context, name string) (*models.ApiCredential, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE name = ?`, credentialColumns, TableApiCredential)
	c, err := scanCredential(r.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("ApiCredential", name)
	}
	return c, err
}

// List returns all credentials
func (r *CredentialRepository) List(ctx context.Context) ([]*models.ApiCredential, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY name ASC`, credentialColumns, TableApiCredential)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*models.ApiCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			continue
		}
		creds = append(creds, c)
	}
	return creds, nil
}

// Update persists mutable credential fields
func (r *CredentialRepository) Update(ctx context.Context, c *models.ApiCredential) error {
	now := r.clock.Now()
	query := fmt.Sprintf(`
		UPDATE %s
		SET auth_type = ?, encrypted_secret = ?, header_name = ?, expires_at = ?,
			is_enabled = ?, last_modified_date = ?
		WHERE id = ?
	`, TableApiCredential)

	_, err := r.db.ExecContext(ctx, query,
		c.AuthType, c.EncryptedSecret, c.HeaderName, c.ExpiresAt, c.IsEnabled, now, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update credential %s: %w", c.ID, err)
	}
	return nil
}

// Delete removes a credential
func (r *CredentialRepository) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, TableApiCredential)
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func scanCredential(row rowScanner) (*models.ApiCredential, error) {
	var c models.ApiCredential
	var headerName sql.NullString
	var expiresAt sql.NullTime

	err := row.Scan(&c.ID, &c.Name, &c.AuthType, &c.EncryptedSecret, &headerName,
		&expiresAt, &c.IsEnabled, &c.CreatedDate, &c.LastModifiedDate)
	if err != nil {
		return nil, err
	}
	if headerName.Valid {
		c.HeaderName = &headerName.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		c.ExpiresAt = &t
	}
	return &c, nil
}
