// Package idgen provides random ID generation.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dashless random UUID (e.g. "req_9f1c...").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s is a UUID; inbound X-Request-ID values that are
// not get replaced.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
