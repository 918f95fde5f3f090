// Package utils holds small identifier helpers shared across layers.
package utils

import (
	"log"

	"github.com/google/uuid"
)

// GenerateID returns a fresh UUID v4 for use as a row ID. Entropy failure is
// logged and yields an empty string, which the insert then rejects.
func GenerateID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		log.Printf("⚠️ Failed to generate UUID: %v", err)
		return ""
	}
	return id.String()
}

// IsValidUUID reports whether s parses as a UUID. Path parameters are checked
// with this before any repository lookup.
func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
