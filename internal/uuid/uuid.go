// Package uuid issues the identifiers used for queued requests, request
// correlation and WebSocket clients.
package uuid

import (
	"github.com/google/uuid"
)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s is a canonical, dashed UUID v4.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// Ensure returns id when it is a valid UUID v4 and a fresh one otherwise.
// Queued requests are stored under their ID, so it must be a usable key.
func Ensure(id string) string {
	if IsValid(id) {
		return id
	}
	return New()
}
