// Package secrets encrypts small payloads (API credential secrets, encrypted
// context values) at rest with AES-256-GCM. The key is derived from a
// passphrase with PBKDF2 so deployments only need to manage one string.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLen     = 32
	iterations = 100_000
)

// salt is fixed per build: the passphrase is already deployment-specific, the
// salt only guards against generic rainbow tables.
var salt = []byte("pulsecrm-engine.v1")

// Encryptor seals and opens secret payloads with a key derived from a
// passphrase.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives the AES key from the passphrase and prepares the AEAD
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("secrets: empty passphrase")
	}

	key := pbkdf2.Key([]byte(passphrase), salt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to init GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext)
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a payload produced by Encrypt
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secrets: malformed payload: %w", err)
	}
	if len(raw) < e.aead.NonceSize() {
		return "", fmt.Errorf("secrets: payload too short")
	}
	nonce, ciphertext := raw[:e.aead.NonceSize()], raw[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decryption failed: %w", err)
	}
	return string(plaintext), nil
}
