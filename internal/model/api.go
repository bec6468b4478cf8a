package model

import (
	"encoding/json"
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the envelope for event listings. NextSequence is the
// ingestion sequence to pass as after_sequence to continue a truncated list.
type ListResponse struct {
	Data         any          `json:"data"`
	HasMore      bool         `json:"has_more"`
	Limit        int          `json:"limit"`
	NextSequence int64        `json:"next_sequence,omitempty"`
	Meta         ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// AppendBatchRequest is the request body for POST /v1/events/batch.
type AppendBatchRequest struct {
	Events     []json.RawMessage `json:"events"`
	Idempotent bool              `json:"idempotent,omitempty"`
}

// BatchItemResult reports one record of a batch append.
type BatchItemResult struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Status   string       `json:"status"`
	Sequence int64        `json:"sequence,omitempty"`
	Error    *ErrorDetail `json:"error,omitempty"`
}

// AppendBatchResponse is the response for POST /v1/events/batch.
type AppendBatchResponse struct {
	Results  []BatchItemResult `json:"results"`
	Created  int               `json:"created"`
	Existing int               `json:"existing"`
	Failed   int               `json:"failed"`
}

// PSRRequest is the request body for POST /v1/psr.
type PSRRequest struct {
	GroupBy       []string   `json:"group_by"`
	MinSampleSize int        `json:"min_sample_size,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
	Until         *time.Time `json:"until,omitempty"`
	TimeoutMS     int        `json:"timeout_ms,omitempty"`
	// IncludeSamples lists contributing change and outcome ids per group.
	IncludeSamples bool `json:"include_samples,omitempty"`
}

// MatchRequest is the request body for POST /v1/learnings/match. Exactly one
// of ChangeID (a stored change) or Change (an unstored candidate record)
// must be set.
type MatchRequest struct {
	ChangeID string          `json:"change_id,omitempty"`
	Change   json.RawMessage `json:"change,omitempty"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Store          string `json:"store"`
	Backend        string `json:"backend"`
	LatestSequence int64  `json:"latest_sequence"`
	Uptime         int64  `json:"uptime_seconds"`
}
