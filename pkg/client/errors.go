package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass represents a classification of relay failures.
type ErrorClass string

const (
	// ErrorClassConfiguration represents missing credentials or identifiers.
	// No upstream call is made.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassInvalidArgument represents a malformed inbound request.
	ErrorClassInvalidArgument ErrorClass = "invalid_argument"

	// ErrorClassNotFound represents an upstream 404.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassForbidden represents an upstream 403.
	ErrorClassForbidden ErrorClass = "forbidden"

	// ErrorClassUpstream represents any other non-2xx upstream status or an
	// unusable upstream body.
	ErrorClassUpstream ErrorClass = "upstream"

	// ErrorClassTransport represents network, timeout and cancellation errors.
	ErrorClassTransport ErrorClass = "transport"
)

// Sentinel errors, one per class. An *APIError matches the sentinel of its
// class with errors.Is.
var (
	ErrConfiguration   = errors.New("configuration error")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("resource not found upstream")
	ErrForbidden       = errors.New("credential lacks permission")
	ErrUpstream        = errors.New("upstream error")
	ErrTransport       = errors.New("transport error")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrRateLimited is wrapped when the rate-limit tracker blocks a request.
	ErrRateLimited = errors.New("upstream rate limit critical")
)

var classSentinels = map[ErrorClass]error{
	ErrorClassConfiguration:   ErrConfiguration,
	ErrorClassInvalidArgument: ErrInvalidArgument,
	ErrorClassNotFound:        ErrNotFound,
	ErrorClassForbidden:       ErrForbidden,
	ErrorClassUpstream:        ErrUpstream,
	ErrorClassTransport:       ErrTransport,
}

// APIError is the error type returned by the client and the relay.
type APIError struct {
	Class ErrorClass

	// StatusCode is the upstream HTTP status, 0 when no response was received.
	StatusCode int

	Message string

	// Body is the best-effort upstream error body, empty when unreadable.
	Body string

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	var msg string
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s error (status %d): %s", e.Class, e.StatusCode, e.Message)
	} else {
		msg = fmt.Sprintf("%s error: %s", e.Class, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the error's class.
func (e *APIError) Is(target error) bool {
	return classSentinels[e.Class] == target
}

// NewConfigurationError reports missing settings.
func NewConfigurationError(format string, args ...any) *APIError {
	return &APIError{Class: ErrorClassConfiguration, Message: fmt.Sprintf(format, args...)}
}

// NewInvalidArgumentError reports a malformed request.
func NewInvalidArgumentError(format string, args ...any) *APIError {
	return &APIError{Class: ErrorClassInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// statusError builds the error for a non-2xx upstream response.
func statusError(statusCode int, status, body string) *APIError {
	switch statusCode {
	case http.StatusNotFound:
		return &APIError{Class: ErrorClassNotFound, StatusCode: statusCode, Message: ErrNotFound.Error(), Body: body}
	case http.StatusForbidden:
		return &APIError{Class: ErrorClassForbidden, StatusCode: statusCode, Message: ErrForbidden.Error(), Body: body}
	default:
		return &APIError{Class: ErrorClassUpstream, StatusCode: statusCode, Message: status, Body: body}
	}
}

// ClassOf returns the class of err, or ErrorClassUpstream for foreign errors.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ErrorClassUpstream
}

// HTTPStatus maps an error to the status code returned to inbound callers.
func HTTPStatus(err error) int {
	switch ClassOf(err) {
	case ErrorClassNotFound:
		return http.StatusNotFound
	case ErrorClassForbidden:
		return http.StatusForbidden
	case ErrorClassInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Class {
	case ErrorClassTransport:
		return !errors.Is(apiErr.Err, context.Canceled) && !errors.Is(apiErr.Err, context.DeadlineExceeded)
	case ErrorClassUpstream:
		// 5xx and 429 only; rate-limit blocks and body errors are final
		return apiErr.StatusCode >= 500 ||
			(apiErr.StatusCode == http.StatusTooManyRequests && !errors.Is(apiErr.Err, ErrRateLimited))
	default:
		// 4xx must not be retried
		return false
	}
}
