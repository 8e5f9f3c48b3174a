// Package limiter defines fixed-window rate limiting for API routes and agents.
package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Result is the outcome of one rate-limit check.
type Result struct {
	OK bool
	// RetryAfter is set when OK is false.
	RetryAfter time.Duration
}

// Limiter counts hits per key.
type Limiter interface {
	// Check records a hit for key and reports whether it stays within max per window.
	Check(ctx context.Context, key string, max int, window time.Duration) (Result, error)
}

// ClientKey returns a stable digest of a client address so raw addresses are never stored.
func ClientKey(addr string) string {
	h := sha256.Sum256([]byte(addr))
	return hex.EncodeToString(h[:8])
}
