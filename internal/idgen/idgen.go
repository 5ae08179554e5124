// Package idgen provides prefixed identifiers for directory records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates an ID with a type prefix (e.g. "ten_", "chg_", "sub_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id carries the given prefix followed by a hex UUID.
func Valid(prefix, id string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	rest := id[len(prefix):]
	if len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
