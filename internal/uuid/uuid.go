// Package uuid provides identifier generation and validation for entities.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a time-ordered UUID (v7) so freshly created entities sort by creation.
// It falls back to a random v4 if the v7 generator fails.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Parse parses s and accepts only the canonical 36-character form.
func Parse(s string) (uuid.UUID, error) {
	if len(s) != 36 {
		return uuid.Nil, fmt.Errorf("invalid UUID length %d: %q", len(s), s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Variant() != uuid.RFC4122 {
		return uuid.Nil, fmt.Errorf("unsupported UUID variant: %q", s)
	}
	return id, nil
}

// IsValid reports whether s is a canonical RFC 4122 UUID of any version.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}
