// Package pipeline composes the cross-cutting request stages around a
// caller-supplied handler: authentication, rate limiting, response caching,
// logging, error normalization, and envelope transformation.
package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/conduit-ai/conduit/internal/ratelimit"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/internal/upstream"
)

// ErrorType categorizes normalized pipeline errors.
type ErrorType string

const (
	// ErrorTypeConfiguration indicates missing or invalid setup. Fatal, 500.
	ErrorTypeConfiguration ErrorType = "configuration_error"

	// ErrorTypeRateLimit indicates the caller exceeded its window. 429.
	ErrorTypeRateLimit ErrorType = "rate_limit_exceeded"

	// ErrorTypeUpstream propagates an upstream API failure with its status.
	ErrorTypeUpstream ErrorType = "upstream_api_error"

	// ErrorTypeValidation indicates bad input. 400, carries field details.
	ErrorTypeValidation ErrorType = "validation_error"

	// ErrorTypeNotFound indicates a missing entity. 404.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeUnauthorized indicates failed authentication. 401.
	ErrorTypeUnauthorized ErrorType = "unauthorized"

	// ErrorTypeUnknown is the generic fallback. 500.
	ErrorTypeUnknown ErrorType = "unknown_error"
)

// Error is the normalized error carried through the pipeline and rendered
// into the failure envelope. Raw errors never escape the pipeline boundary.
type Error struct {
	Type       ErrorType
	Status     int
	Message    string
	Details    map[string]any
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewConfigurationError reports invalid or missing setup.
func NewConfigurationError(message string) *Error {
	return &Error{Type: ErrorTypeConfiguration, Status: http.StatusInternalServerError, Message: message}
}

// NewRateLimitError reports an exhausted rate-limit window.
func NewRateLimitError(result ratelimit.Result) *Error {
	return &Error{
		Type:       ErrorTypeRateLimit,
		Status:     http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
		RetryAfter: result.RetryAfter,
		Details: map[string]any{
			"limit":       result.Limit,
			"retry_after": int64(result.RetryAfter.Seconds()),
		},
	}
}

// NewUpstreamError propagates an upstream failure. The upstream status is
// preserved when it is a valid HTTP error status; anything else maps to 502.
func NewUpstreamError(status int, message string, cause error) *Error {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	return &Error{
		Type:    ErrorTypeUpstream,
		Status:  status,
		Message: message,
		cause:   cause,
	}
}

// NewValidationError reports bad input with optional field-level details.
func NewValidationError(message string, details map[string]any) *Error {
	return &Error{Type: ErrorTypeValidation, Status: http.StatusBadRequest, Message: message, Details: details}
}

// NewNotFoundError reports a missing entity.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrorTypeNotFound, Status: http.StatusNotFound, Message: message}
}

// NewUnauthorizedError reports failed authentication.
func NewUnauthorizedError(message string) *Error {
	return &Error{Type: ErrorTypeUnauthorized, Status: http.StatusUnauthorized, Message: message}
}

// Normalize converts an arbitrary error into a pipeline Error. Already
// normalized errors pass through; known sentinels map to their taxonomy
// entry; everything else becomes an unknown error with a 500 status.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}

	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	var uerr *upstream.APIError
	if errors.As(err, &uerr) {
		e := NewUpstreamError(uerr.Status, uerr.Message, err)
		e.Details = map[string]any{"upstream_type": uerr.Type}
		if uerr.RequestID != "" {
			e.Details["upstream_request_id"] = uerr.RequestID
		}
		return e
	}

	switch {
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return &Error{Type: ErrorTypeRateLimit, Status: http.StatusTooManyRequests, Message: "rate limit exceeded", cause: err}
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Type: ErrorTypeNotFound, Status: http.StatusNotFound, Message: "not found", cause: err}
	case errors.Is(err, storage.ErrAlreadyExists):
		return &Error{Type: ErrorTypeValidation, Status: http.StatusBadRequest, Message: "already exists", cause: err}
	case errors.Is(err, storage.ErrVersionConflict):
		return &Error{Type: ErrorTypeValidation, Status: http.StatusConflict, Message: "version conflict", cause: err}
	}

	return &Error{Type: ErrorTypeUnknown, Status: http.StatusInternalServerError, Message: "internal error", cause: err}
}
