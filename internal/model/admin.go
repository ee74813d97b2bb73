package model

import "time"

// Admin API error codes. The admin channel gets structured errors; the broker
// channel only ever sees the ErrorKind string.
const (
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeInternal     = "internal_error"
)

// APIResponse is the standard admin success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard admin error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every admin response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenRequest is the POST /admin/v1/token body.
type TokenRequest struct {
	APIKey string `json:"api_key"`
}

// TokenResponse carries the issued admin JWT.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateIdentityRequest is the POST /admin/v1/identities body.
type CreateIdentityRequest struct {
	Username          string   `json:"username"`
	Password          string   `json:"password"`
	AllowedClientID   *string  `json:"allowed_client_id,omitempty"`
	IsAdmin           bool     `json:"is_admin"`
	IsActive          *bool    `json:"is_active,omitempty"`
	PublishPatterns   []string `json:"publish_patterns,omitempty"`
	SubscribePatterns []string `json:"subscribe_patterns,omitempty"`
	MaxConnections    int      `json:"max_connections"`
}

// UpdateIdentityRequest is the PUT /admin/v1/identities/{username} body.
// Nil fields are left unchanged.
type UpdateIdentityRequest struct {
	Password          *string   `json:"password,omitempty"`
	AllowedClientID   *string   `json:"allowed_client_id,omitempty"`
	ClearClientID     bool      `json:"clear_client_id,omitempty"`
	IsAdmin           *bool     `json:"is_admin,omitempty"`
	IsActive          *bool     `json:"is_active,omitempty"`
	PublishPatterns   *[]string `json:"publish_patterns,omitempty"`
	SubscribePatterns *[]string `json:"subscribe_patterns,omitempty"`
	MaxConnections    *int      `json:"max_connections,omitempty"`
}

// StatsResponse is the GET /admin/v1/stats body.
type StatsResponse struct {
	LiveSessions    int   `json:"live_sessions"`
	CacheEntries    int   `json:"cache_entries"`
	CacheHits       int64 `json:"cache_hits"`
	CacheMisses     int64 `json:"cache_misses"`
	ActivityQueued  int   `json:"activity_queued"`
	ActivityDropped int64 `json:"activity_dropped"`
}

// HealthResponse is the GET /mqtt/health body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
