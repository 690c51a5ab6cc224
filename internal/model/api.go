package model

import "errors"

// Error kinds that cross component boundaries. User-visible behavior is
// controlled by the kind, not the call site: Unavailable maps to HTTP 503,
// UnknownKey to 401, Capacity to 413/backpressure.
var (
	// ErrUnavailable indicates a downstream (metadata store, event bus,
	// columnar store) cannot be reached or is failing.
	ErrUnavailable = errors.New("downstream unavailable")

	// ErrUnknownKey indicates the presented API key is malformed or does not
	// resolve to a project.
	ErrUnknownKey = errors.New("unknown api key")

	// ErrCapacity indicates input too large, a full queue, or backpressure.
	ErrCapacity = errors.New("capacity exceeded")
)

// Error codes carried in HTTP error responses.
const (
	ErrCodeInvalidPayload  = "invalid_payload"
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodePayloadTooLarge = "payload_too_large"
	ErrCodeUnavailable     = "unavailable"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeInternal        = "internal_error"
)

// IngestResponse is the 202 body for POST /v1/traces.
type IngestResponse struct {
	Status      string `json:"status"`
	SpansQueued int    `json:"spans_queued"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the body for GET /ready.
type ReadyResponse struct {
	Ready bool `json:"ready"`
}
