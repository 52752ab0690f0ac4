// Package errors provides standardized error handling for the promptloom service.
// Pipeline failures (backend routing, fetching, decoding, gallery persistence) and
// API failures share one code taxonomy so they render identically on the wire.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the promptloom service.
type ErrorCode string

const (
	// Validation errors
	PL_VALIDATION  ErrorCode = "PL_VALIDATION"  // General validation error
	PL_BAD_REQUEST ErrorCode = "PL_BAD_REQUEST" // Bad request
	PL_SCHEMA      ErrorCode = "PL_SCHEMA"      // Schema validation failed

	// Authentication errors
	PL_AUTHN       ErrorCode = "PL_AUTHN"       // Authentication failed
	PL_JWT_INVALID ErrorCode = "PL_JWT_INVALID" // Invalid JWT
	PL_FORBIDDEN   ErrorCode = "PL_FORBIDDEN"   // Authenticated but not allowed

	// Resource errors
	PL_NOT_FOUND ErrorCode = "PL_NOT_FOUND" // Resource not found
	PL_CONFLICT  ErrorCode = "PL_CONFLICT"  // Resource conflict
	PL_TOO_LARGE ErrorCode = "PL_TOO_LARGE" // Payload exceeds configured size

	// Generation pipeline
	PL_UNKNOWN_BACKEND    ErrorCode = "PL_UNKNOWN_BACKEND"    // Backend identifier not recognized
	PL_TIMEOUT            ErrorCode = "PL_TIMEOUT"            // Attempt exceeded its timer
	PL_NETWORK            ErrorCode = "PL_NETWORK"            // Transport level failure
	PL_HTTP_STATUS        ErrorCode = "PL_HTTP_STATUS"        // Backend answered with a non-2xx status
	PL_DECODE             ErrorCode = "PL_DECODE"             // Payload could not be fetched or decoded
	PL_EMPTY_PAYLOAD      ErrorCode = "PL_EMPTY_PAYLOAD"      // No image payload, or zero bytes
	PL_GENERATION_FAILED  ErrorCode = "PL_GENERATION_FAILED"  // Every image in a batch failed
	PL_BUSY               ErrorCode = "PL_BUSY"               // A generation is already in flight for the session
	PL_CAPACITY_INVARIANT ErrorCode = "PL_CAPACITY_INVARIANT" // Gallery exceeded capacity after insert

	// Rate limiting
	PL_RATE_LIMIT ErrorCode = "PL_RATE_LIMIT" // Rate limit exceeded

	// Server errors
	PL_INTERNAL    ErrorCode = "PL_INTERNAL"    // Internal server error
	PL_UNAVAILABLE ErrorCode = "PL_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
	Cause         error       `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates an Error carrying cause as its underlying error.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.Cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code, so sentinel comparisons work
// across wrapping layers.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether a failed backend attempt with this code may be repeated.
func (e *Error) Retryable() bool {
	switch e.Code {
	case PL_TIMEOUT, PL_NETWORK, PL_HTTP_STATUS:
		return true
	}
	return false
}

// CodeOf extracts the code of the first *Error in err's chain, or PL_INTERNAL.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return PL_INTERNAL
}

// As is errors.As for *Error, for callers that import this package under its own name.
func As(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case PL_VALIDATION, PL_BAD_REQUEST, PL_SCHEMA, PL_UNKNOWN_BACKEND:
		return http.StatusBadRequest
	case PL_AUTHN, PL_JWT_INVALID:
		return http.StatusUnauthorized
	case PL_FORBIDDEN:
		return http.StatusForbidden
	case PL_NOT_FOUND:
		return http.StatusNotFound
	case PL_CONFLICT, PL_BUSY:
		return http.StatusConflict
	case PL_TOO_LARGE:
		return http.StatusRequestEntityTooLarge
	case PL_RATE_LIMIT:
		return http.StatusTooManyRequests
	case PL_TIMEOUT:
		return http.StatusGatewayTimeout
	case PL_NETWORK, PL_HTTP_STATUS, PL_DECODE, PL_EMPTY_PAYLOAD, PL_GENERATION_FAILED:
		return http.StatusBadGateway
	case PL_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
