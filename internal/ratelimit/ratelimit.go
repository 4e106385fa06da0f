// Package ratelimit throttles the public endpoints per client.
//
// The in-process token bucket is the only implementation; the Limiter
// interface is what the server depends on.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the result of one Allow call.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until one token is available. Zero when Allowed.
	RetryAfter time.Duration
	// Remaining is the number of whole tokens left after this call.
	Remaining int
}

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use. An error means the
// limiter itself failed; callers let the request through.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// NoopLimiter permits every request.
type NoopLimiter struct{}

// Allow always allows.
func (NoopLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Close does nothing.
func (NoopLimiter) Close() error { return nil }
