// Package apperrors defines the stable error taxonomy used across services
// and mapped onto the HTTP error envelope by the handlers.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, machine-readable error category. Codes survive refactors;
// clients branch on them.
type Code string

const (
	CodeValidation      Code = "VALIDATION_001"
	CodeNotFound        Code = "RESOURCE_001"
	CodeVersionConflict Code = "RESOURCE_004"
	CodeDependencyCycle Code = "DATA_025"
	CodeInvalidState    Code = "TASK_005"
	CodeRateLimited     Code = "RATE_001"
	CodeUnavailable     Code = "SERVICE_002"
	CodeBackpressure    Code = "SERVICE_003"
	CodeTimeout         Code = "TIMEOUT_001"
	CodeInternal        Code = "INTERNAL_001"
)

// Error is the canonical service error. Retryable tells callers whether the
// same request may succeed later; RetryAfter is a hint for when.
type Error struct {
	Code       Code
	Message    string
	Details    map[string]any
	Retryable  bool
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches the underlying error for %w chains.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithDetail adds one structured detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 2)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus maps the code onto the transport status used by the handlers.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeVersionConflict, CodeInvalidState:
		return http.StatusConflict
	case CodeDependencyCycle:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable, CodeBackpressure:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Validation reports malformed input.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	e := &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s not found", entity)}
	return e.WithDetail("entity", entity).WithDetail("id", id)
}

// VersionConflict reports an optimistic-concurrency failure. Retryable: the
// caller should re-read and reapply.
func VersionConflict(entity, id string, expected int) *Error {
	e := &Error{
		Code:      CodeVersionConflict,
		Message:   fmt.Sprintf("%s was modified concurrently", entity),
		Retryable: true,
	}
	return e.WithDetail("entity", entity).WithDetail("id", id).WithDetail("expected_version", expected)
}

// DependencyCycle reports a cyclic subtask graph.
func DependencyCycle(detail string) *Error {
	e := &Error{Code: CodeDependencyCycle, Message: "dependency graph contains a cycle"}
	return e.WithDetail("cycle", detail)
}

// InvalidState reports an operation applied to an entity whose current
// lifecycle state forbids it.
func InvalidState(entity, id, current string) *Error {
	e := &Error{Code: CodeInvalidState, Message: fmt.Sprintf("%s is in state %q", entity, current)}
	return e.WithDetail("entity", entity).WithDetail("id", id).WithDetail("current_state", current)
}

// CorrectionLimit reports that a subtask exhausted its correction cycles.
func CorrectionLimit(subtaskID string, max int) *Error {
	e := &Error{Code: CodeInvalidState, Message: "correction cycle limit exceeded"}
	return e.WithDetail("subtask_id", subtaskID).WithDetail("max_cycles", max)
}

// RateLimited reports a rejected request over the window limit.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// Unavailable reports a dependency that is down or breaker-open.
func Unavailable(dependency string, retryAfter time.Duration) *Error {
	e := &Error{
		Code:       CodeUnavailable,
		Message:    fmt.Sprintf("%s unavailable", dependency),
		Retryable:  true,
		RetryAfter: retryAfter,
	}
	return e.WithDetail("dependency", dependency)
}

// Backpressure reports an admission rejection while the pools are critical.
func Backpressure(retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeBackpressure,
		Message:    "system overloaded, request rejected",
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// Timeout reports a blown operation deadline.
func Timeout(op string) *Error {
	return &Error{Code: CodeTimeout, Message: fmt.Sprintf("%s timed out", op), Retryable: true}
}

// Internal wraps an unclassified failure.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}

// From coerces any error into *Error, classifying context deadline blowouts
// as timeouts and leaving existing taxonomy errors untouched.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout("operation").WithCause(err)
	}
	return Internal(err)
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
