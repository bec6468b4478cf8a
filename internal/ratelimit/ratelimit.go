// Package ratelimit throttles API callers with per-key token buckets.
//
// The server keys buckets on the authenticated caller name, or on the
// client address when auth is disabled. Limits are per process.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the verdict for one request.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the next token, set when Allowed is false.
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use. An error means the
// limiter itself failed; callers let the request through.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits.
func (NoopLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
