// Package idgen generates identifiers for ledger rows, holds and outbox events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix + 32 hex chars, e.g. "txn_3f2a...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Ordered returns a UUIDv7, which sorts by creation time. Used for outbox
// events so that polling in id order approximates FIFO.
func Ordered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
