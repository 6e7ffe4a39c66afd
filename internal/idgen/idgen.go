// Package idgen generates identifiers for locally owned records.
//
// Ledger-owned identifiers (trade and purchase ids) are never generated here;
// they are only ever recovered from mined event logs.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars (e.g. "ord_", "rwd_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
