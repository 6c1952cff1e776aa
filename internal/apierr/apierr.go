// Package apierr defines the error taxonomy returned to clients and the
// OpenAI-style {"error": {...}} envelope both API surfaces use.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies an error class. The wire value doubles as the "type"
// field of the error envelope.
type Kind string

const (
	KindInvalidRequest     Kind = "invalid_request_error"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindRateLimited        Kind = "rate_limited"
	KindNotFound           Kind = "not_found"
	KindUpstreamError      Kind = "upstream_error"
	KindServiceUnavailable Kind = "service_unavailable"
	KindServerError        Kind = "server_error"
)

// Status maps an error kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the gateway error type. Param points at the offending request
// field for validation failures (e.g. "messages[0].tool_call_id").
type Error struct {
	Kind    Kind   `json:"type"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`

	// RetryAfterSeconds, when positive, is surfaced as a Retry-After header.
	// Not serialized into the envelope body.
	RetryAfterSeconds int `json:"-"`
}

func (e *Error) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param %s)", e.Kind, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Envelope is the serialized form written to clients.
type Envelope struct {
	Error *Error `json:"error"`
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Invalid creates an invalid_request_error pointing at param.
func Invalid(param, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...), Param: param}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "unauthorized"
	}
	return &Error{Kind: KindUnauthorized, Message: message}
}

// Unavailable creates a service_unavailable error with a retry hint.
func Unavailable(message string, retryAfter int) *Error {
	return &Error{Kind: KindServiceUnavailable, Message: message, RetryAfterSeconds: retryAfter}
}

// Upstream creates an upstream_error.
func Upstream(format string, args ...any) *Error {
	return New(KindUpstreamError, format, args...)
}

// Internal creates a server_error.
func Internal(format string, args ...any) *Error {
	return New(KindServerError, format, args...)
}

// From returns err as an *Error, collapsing unknown error values to
// server_error so internals never leak raw messages with stack context.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Kind: KindServerError, Message: "internal server error"}
}
