// Package ratelimit provides per-project request rate limiting for the
// ingress collector.
//
// The default is an in-memory token bucket per project. Multi-instance
// deployments can substitute the Redis fixed-window limiter so the limit
// holds across collectors; Limiter is the contract.
package ratelimit

import "context"

// Limiter decides whether a request attributed to key should be allowed.
// Keys are project ids resolved from the presenting API key.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. An error signals a
	// limiter malfunction; callers fail open rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
