// Package errors provides the gateway error taxonomy and its mapping onto
// OpenAI-style error bodies and HTTP status codes.
package errors

import (
	"fmt"
	"strings"
)

// Error type strings surfaced in the {error:{type}} field
const (
	TypeAuthentication = "authentication_error"
	TypeForbidden      = "forbidden_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeRateLimit      = "rate_limit_error"
	TypeServer         = "server_error"
	TypeTokens         = "tokens"
)

// GatewayError is the base error for all gateway failures. Code identifies
// the specific condition (e.g. "daily_limit_exceeded"), Type the taxonomy
// bucket, Status the HTTP status to surface, and Retryable whether the
// fallback loop may try another candidate.
type GatewayError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Status    int    `json:"-"`
	Retryable bool   `json:"-"`

	// UpstreamBody holds the last provider error body when capturable
	UpstreamBody string `json:"-"`
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// ToBody converts the error to the OpenAI error envelope
func (e *GatewayError) ToBody() map[string]interface{} {
	detail := map[string]interface{}{
		"message": e.Message,
		"type":    e.Type,
	}
	if e.Code != "" {
		detail["code"] = e.Code
	}
	return map[string]interface{}{"error": detail}
}

// New creates a GatewayError with explicit fields
func New(message, errType, code string, status int, retryable bool) *GatewayError {
	return &GatewayError{Message: message, Type: errType, Code: code, Status: status, Retryable: retryable}
}

// Validation creates a 400 validation error (not retried)
func Validation(message string) *GatewayError {
	return New(message, TypeInvalidRequest, "", 400, false)
}

// Authentication creates a 401 authentication error
func Authentication(message, code string) *GatewayError {
	return New(message, TypeAuthentication, code, 401, false)
}

// Forbidden creates a 403 error
func Forbidden(message, code string) *GatewayError {
	return New(message, TypeForbidden, code, 403, false)
}

// DailyLimit creates the 429 daily-quota error
func DailyLimit(used, limit int64) *GatewayError {
	return New(
		fmt.Sprintf("Daily token limit reached (%d/%d). Limit resets at midnight UTC.", used, limit),
		TypeRateLimit, "daily_limit_exceeded", 429, false)
}

// RateLimit creates a 429 rate-limit error; upstream rate limits are
// retryable via fallback, internal admission denials are not.
func RateLimit(message, code string, retryable bool) *GatewayError {
	return New(message, TypeRateLimit, code, 429, retryable)
}

// ProviderDenial creates the retryable upstream-403 error
func ProviderDenial(provider, body string) *GatewayError {
	e := New(fmt.Sprintf("Provider %s denied the request", provider), TypeForbidden, "provider_denial", 502, true)
	e.UpstreamBody = body
	return e
}

// TokenLimit creates the retryable upstream-402 token error
func TokenLimit(provider, body string) *GatewayError {
	e := New(fmt.Sprintf("Provider %s reported token exhaustion", provider), TypeTokens, "token_limit_exceeded", 502, true)
	e.UpstreamBody = body
	return e
}

// UpstreamRateLimit creates the retryable upstream-429 error
func UpstreamRateLimit(provider, body string) *GatewayError {
	e := RateLimit(fmt.Sprintf("Provider %s is rate limited", provider), "rate_limit_exceeded", true)
	e.UpstreamBody = body
	return e
}

// Network creates the retryable transport error
func Network(provider string, err error) *GatewayError {
	return New(fmt.Sprintf("Network error reaching provider %s: %v", provider, err),
		TypeServer, "network_error", 502, true)
}

// Upstream creates a non-retryable upstream 5xx error
func Upstream(provider string, status int, body string) *GatewayError {
	e := New(fmt.Sprintf("Provider %s returned status %d", provider, status),
		TypeServer, "upstream_error", 502, false)
	e.UpstreamBody = body
	return e
}

// Configuration creates a 500 configuration error
func Configuration(message string) *GatewayError {
	return New(message, TypeServer, "configuration_error", 500, false)
}

// Internal creates a generic 500 error
func Internal(message string) *GatewayError {
	return New(message, TypeServer, "internal_error", 500, false)
}

// AsGateway extracts a *GatewayError, wrapping foreign errors as internal
func AsGateway(err error) *GatewayError {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*GatewayError); ok {
		return ge
	}
	return Internal(err.Error())
}

// IsRetryable reports whether the fallback loop may try another candidate
func IsRetryable(err error) bool {
	if ge, ok := err.(*GatewayError); ok {
		return ge.Retryable
	}
	return false
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	if ge, ok := err.(*GatewayError); ok {
		return ge.Type == TypeRateLimit
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

// FailureClass returns the fallback-handler failure class for an error
func FailureClass(err error) string {
	ge, ok := err.(*GatewayError)
	if !ok {
		return "unknown"
	}
	switch ge.Code {
	case "rate_limit_exceeded", "backoff_active":
		return "rate_limit_exceeded"
	case "concurrent_limit_exceeded", "request_limit_exceeded", "token_limit_exceeded":
		return "capacity_exceeded"
	case "provider_denial", "network_error":
		return "provider_unhealthy"
	case "no_candidates", "model_not_available":
		return "model_unavailable"
	default:
		return "unknown"
	}
}
