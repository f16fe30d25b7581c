package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
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

// ErrorCode constants for transport-level API errors. Domain failures carry
// their own codes (see errors.go).
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateKeyRequest is the request body for POST /v1/keys.
type CreateKeyRequest struct {
	Principal string  `json:"principal"`
	Role      KeyRole `json:"role,omitempty"`
	Label     string  `json:"label"`
}

// APIKeyResponse is the list response for GET /v1/keys.
type APIKeyResponse struct {
	Keys  []APIKey `json:"keys"`
	Total int      `json:"total"`
}

// ProcessOverdueResponse is the response for POST /v1/admin/timers/process.
type ProcessOverdueResponse struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// RetryPayoutsResponse is the response for POST /v1/admin/payouts/retry.
type RetryPayoutsResponse struct {
	Retried int `json:"retried"`
	Paid    int `json:"paid"`
	Failed  int `json:"failed"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	OverdueTimers int    `json:"overdue_timers"`
	Uptime        int64  `json:"uptime_seconds"`
}
