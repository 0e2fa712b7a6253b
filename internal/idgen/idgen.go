// Package idgen generates correlation IDs and processor idempotency keys.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RequestID returns a random ID for correlating one HTTP request across logs.
func RequestID() string {
	return uuid.NewString()
}

// IdempotencyKey is the processor idempotency key for authorizing offerID.
// attempt starts at 1 and only advances after the processor rejected the
// previous authorization, so a retried call for the same attempt replays the
// original authorization instead of charging twice.
func IdempotencyKey(offerID int64, attempt int) string {
	if attempt < 1 {
		attempt = 1
	}
	return fmt.Sprintf("offer-%d-attempt-%d", offerID, attempt)
}

// WithPrefix returns prefix followed by 32 random hex chars (e.g. "pi_sandbox_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
