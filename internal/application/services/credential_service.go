package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
	"github.com/pulsecrm/engine/pkg/secrets"
)

// CredentialInput carries credential material inbound. The secret fields are
// encrypted before the credential is stored and are never echoed back.
type CredentialInput struct {
	Name       string            `json:"name"`
	AuthType   string            `json:"auth_type"`
	Token      string            `json:"token,omitempty"`
	Username   string            `json:"username,omitempty"`
	Password   string            `json:"password,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	HeaderName *string           `json:"header_name,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
}

// CredentialService manages named API credentials. Only encrypted material
// touches the store; reads return metadata without the secret.
type CredentialService struct {
	credentials ports.CredentialStore
	encryptor   *secrets.Encryptor
	clock       ports.Clock
}

// NewCredentialService creates a new CredentialService
func NewCredentialService(credentials ports.CredentialStore, encryptor *secrets.Encryptor, clock ports.Clock) *CredentialService {
	return &CredentialService{credentials: credentials, encryptor: encryptor, clock: clock}
}

// Create stores a new credential
func (s *CredentialService) Create(ctx context.Context, input *CredentialInput) (*models.ApiCredential, error) {
	if input.Name == "" {
		return nil, apperrors.NewValidationError("name", "name is required")
	}
	encrypted, err := s.sealSecret(input)
	if err != nil {
		return nil, err
	}
	cred := &models.ApiCredential{
		Name:            input.Name,
		AuthType:        input.AuthType,
		EncryptedSecret: encrypted,
		HeaderName:      input.HeaderName,
		ExpiresAt:       input.ExpiresAt,
		IsEnabled:       true,
	}
	if err := s.credentials.Create(ctx, cred); err != nil {
		return nil, err
	}
	log.Printf("✅ [Credential] Created %s (%s)", cred.Name, cred.AuthType)
	return cred, nil
}

// Get returns credential metadata by name
func (s *CredentialService) Get(ctx context.Context, name string) (*models.ApiCredential, error) {
	return s.credentials.GetByName(ctx, name)
}

// List returns all credential metadata
func (s *CredentialService) List(ctx context.Context) ([]*models.ApiCredential, error) {
	return s.credentials.List(ctx)
}

// Rotate replaces the secret material of an existing credential
func (s *CredentialService) Rotate(ctx context.Context, name string, input *CredentialInput) (*models.ApiCredential, error) {
	cred, err := s.credentials.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	input.Name = cred.Name
	if input.AuthType == "" {
		input.AuthType = cred.AuthType
	}
	encrypted, err := s.sealSecret(input)
	if err != nil {
		return nil, err
	}
	cred.AuthType = input.AuthType
	cred.EncryptedSecret = encrypted
	cred.HeaderName = input.HeaderName
	cred.ExpiresAt = input.ExpiresAt
	if err := s.credentials.Update(ctx, cred); err != nil {
		return nil, err
	}
	log.Printf("🔄 [Credential] Rotated secret for %s", cred.Name)
	return cred, nil
}

// SetEnabled toggles whether ApiCall steps may use the credential
func (s *CredentialService) SetEnabled(ctx context.Context, name string, enabled bool) (*models.ApiCredential, error) {
	cred, err := s.credentials.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	cred.IsEnabled = enabled
	if err := s.credentials.Update(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// Delete removes a credential
func (s *CredentialService) Delete(ctx context.Context, name string) error {
	cred, err := s.credentials.GetByName(ctx, name)
	if err != nil {
		return err
	}
	return s.credentials.Delete(ctx, cred.ID)
}

// sealSecret validates the per-auth-type material and encrypts it
func (s *CredentialService) sealSecret(input *CredentialInput) (string, error) {
	secret := models.CredentialSecret{
		Token:    input.Token,
		Username: input.Username,
		Password: input.Password,
		Headers:  input.Headers,
	}
	switch input.AuthType {
	case models.AuthTypeNone:
	case models.AuthTypeApiKey, models.AuthTypeBearer, models.AuthTypeOAuth2:
		if secret.Token == "" {
			return "", apperrors.NewValidationError("token", fmt.Sprintf("%s credentials require a token", input.AuthType))
		}
	case models.AuthTypeBasic:
		if secret.Username == "" || secret.Password == "" {
			return "", apperrors.NewValidationError("username", "Basic credentials require username and password")
		}
	case models.AuthTypeCustom:
		if len(secret.Headers) == 0 {
			return "", apperrors.NewValidationError("headers", "Custom credentials require at least one header")
		}
	default:
		return "", apperrors.NewValidationError("auth_type", fmt.Sprintf("unknown auth type %q", input.AuthType))
	}

	raw, err := json.Marshal(secret)
	if err != nil {
		return "", fmt.Errorf("failed to encode secret: %w", err)
	}
	return s.encryptor.Encrypt(string(raw))
}
