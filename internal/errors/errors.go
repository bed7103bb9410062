// Package errors provides structured error handling with context propagation and HTTP status code mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeValidation indicates invalid input (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeNotFound indicates resource not found (HTTP 404)
	TypeNotFound ErrorType = "not_found"
	// TypeRateLimit indicates the shared upstream token bucket is exhausted (HTTP 429)
	TypeRateLimit ErrorType = "rate_limit"
	// TypeConnectionRateLimit indicates a single connection exceeded its message budget (HTTP 429)
	TypeConnectionRateLimit ErrorType = "connection_rate_limit"
	// TypeCircuitOpen indicates the upstream circuit breaker rejected the call (HTTP 503)
	TypeCircuitOpen ErrorType = "circuit_open"
	// TypeUpstream indicates an upstream failure after retries were exhausted (HTTP 502)
	TypeUpstream ErrorType = "upstream"
	// TypeCacheDegraded indicates a cache tier failure; absorbed locally, never user-facing
	TypeCacheDegraded ErrorType = "cache_degraded"
	// TypeAuthentication indicates token verification failure (HTTP 401)
	TypeAuthentication ErrorType = "authentication"
	// TypeAuthorization indicates an operation attempted before authentication (HTTP 403)
	TypeAuthorization ErrorType = "authorization"
	// TypeCapacity indicates the server is at its connection limit (HTTP 503)
	TypeCapacity ErrorType = "capacity"
	// TypeInternal indicates server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeRateLimit, TypeConnectionRateLimit:
		return http.StatusTooManyRequests
	case TypeCircuitOpen, TypeCapacity:
		return http.StatusServiceUnavailable
	case TypeUpstream:
		return http.StatusBadGateway
	case TypeAuthentication:
		return http.StatusUnauthorized
	case TypeAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// RateLimitExceeded creates a rate-limit rejection error. The caller owns backoff.
func RateLimitExceeded(message string) *Error {
	return &Error{Type: TypeRateLimit, Message: message, Context: make(map[string]any)}
}

// ConnectionRateLimitExceeded creates a per-connection rate-limit error.
// It affects only the offending connection.
func ConnectionRateLimitExceeded(message string) *Error {
	return &Error{Type: TypeConnectionRateLimit, Message: message, Context: make(map[string]any)}
}

// CircuitOpen creates a fail-fast error for an open circuit breaker.
func CircuitOpen(endpoint string) *Error {
	e := &Error{Type: TypeCircuitOpen, Message: "circuit breaker open", Context: make(map[string]any)}
	e.Context["endpoint"] = endpoint
	return e
}

// UpstreamError creates an error for an upstream failure after retries were exhausted.
func UpstreamError(message string, cause error) *Error {
	return &Error{Type: TypeUpstream, Message: message, Cause: cause, Context: make(map[string]any)}
}

// CacheDegraded creates a non-fatal cache tier error. Callers log and count it,
// never propagate it as a fetch failure.
func CacheDegraded(message string, cause error) *Error {
	return &Error{Type: TypeCacheDegraded, Message: message, Cause: cause, Context: make(map[string]any)}
}

// AuthenticationError creates a token verification error (HTTP 401).
func AuthenticationError(message string, cause error) *Error {
	return &Error{Type: TypeAuthentication, Message: message, Cause: cause, Context: make(map[string]any)}
}

// AuthorizationError creates an error for operations attempted before authentication.
func AuthorizationError(message string) *Error {
	return &Error{Type: TypeAuthorization, Message: message, Context: make(map[string]any)}
}

// CapacityError creates an explicit connection-limit rejection (HTTP 503).
func CapacityError(message string) *Error {
	return &Error{Type: TypeCapacity, Message: message, Context: make(map[string]any)}
}

// ValidationError creates a new validation error (HTTP 400).
func ValidationError(message string) *Error {
	return &Error{Type: TypeValidation, Message: message, Context: make(map[string]any)}
}

// NotFoundError creates a new not-found error (HTTP 404).
func NotFoundError(message string) *Error {
	return &Error{Type: TypeNotFound, Message: message, Context: make(map[string]any)}
}

// InternalError creates a new internal error (HTTP 500).
func InternalError(message string, cause error) *Error {
	return &Error{Type: TypeInternal, Message: message, Cause: cause, Context: make(map[string]any)}
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsType reports whether err is (or wraps) a structured Error of the given type.
func IsType(err error, t ErrorType) bool {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Type == t
	}
	return false
}

// ErrorResponse represents the JSON structure sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
// Raw upstream detail is flattened to a generic message so dashboard clients
// never see provider internals.
func (e *Error) ToResponse() ErrorResponse {
	message := e.Message
	if e.Type == TypeUpstream || e.Type == TypeCircuitOpen {
		message = "data temporarily unavailable"
	}
	return ErrorResponse{
		Error:   message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error.
// If err is already an *Error, returns it unchanged.
// Otherwise wraps it as an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("internal server error", err)
}
