package models

import (
	"time"
)

// Authentication types for ApiCall steps
const (
	AuthTypeNone   = "None"
	AuthTypeApiKey = "ApiKey"
	AuthTypeBasic  = "Basic"
	AuthTypeBearer = "Bearer"
	AuthTypeOAuth2 = "OAuth2"
	AuthTypeCustom = "Custom"
)

// ApiCredential is named auth material usable by ApiCall steps. The secret
// payload is AES-GCM encrypted at rest; plaintext never leaves the API-call
// service.
type ApiCredential struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	AuthType         string     `json:"auth_type"`
	EncryptedSecret  string     `json:"-"`
	HeaderName       *string    `json:"header_name,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	IsEnabled        bool       `json:"is_enabled"`
	CreatedDate      time.Time  `json:"created_date"`
	LastModifiedDate time.Time  `json:"last_modified_date"`
}

// CredentialSecret is the decrypted payload of an ApiCredential, shaped per
// AuthType (ApiKey uses Token; Basic uses Username/Password; Bearer/OAuth2
// use Token; Custom uses Headers).
type CredentialSecret struct {
	Token    string            `json:"token,omitempty"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// IsUsable reports whether the credential can authenticate a call right now
func (c *ApiCredential) IsUsable(now time.Time) bool {
	if !c.IsEnabled {
		return false
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return false
	}
	return true
}
