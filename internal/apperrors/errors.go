// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	// Inbound callback authentication.
	ErrAuthentication  = errors.New("authentication failure")
	ErrJobKindMismatch = errors.New("job kind mismatch")

	// Outbound calls to the pipeline service.
	ErrForbidden            = errors.New("forbidden")
	ErrConnectorUnavailable = errors.New("connector unavailable")
	ErrPipelineDispatch     = errors.New("pipeline dispatch error")
	ErrInternalPipeline     = errors.New("internal pipeline error")

	// Event routing.
	ErrUnsupportedEventKind = errors.New("unsupported event kind")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "stages")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "registry.get")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and, when present, the cause. Both take part
// in errors.Is() classification so that a dispatch error keeps the
// connector's classification of what went wrong.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Authentication creates an authentication failure. The message is returned
// to the caller, so it must not reveal whether a token ever existed.
func Authentication(message string) error {
	return &Error{
		Sentinel: ErrAuthentication,
		Message:  message,
		Resource: "job",
	}
}

// KindMismatch reports a valid token presented on the callback route of a
// different job kind.
func KindMismatch(expected, actual string) error {
	return &Error{
		Sentinel: ErrJobKindMismatch,
		Message:  fmt.Sprintf("job kind mismatch: expected %s, got %s", expected, actual),
		Resource: "job",
	}
}

// Forbidden reports that the pipeline service rejected our credentials.
func Forbidden(op string, status int) error {
	return &Error{
		Sentinel: ErrForbidden,
		Message:  fmt.Sprintf("%s: pipeline service denied access (HTTP %d)", op, status),
		Op:       op,
	}
}

// ConnectorUnavailable reports that the pipeline service could not be reached
// or answered with something unusable.
func ConnectorUnavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrConnectorUnavailable,
		Message:  fmt.Sprintf("%s: pipeline service unavailable: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// PipelineDispatch reports that a pipeline could not be started remotely.
func PipelineDispatch(pipeline string, cause error) error {
	return &Error{
		Sentinel: ErrPipelineDispatch,
		Message:  fmt.Sprintf("failed to dispatch pipeline %s: %v", pipeline, cause),
		Resource: pipeline,
		Op:       "connector.run",
		Cause:    cause,
	}
}

// PipelineError is the error reported by the pipeline service itself. Detail
// holds the service's errorMessage and may be empty.
type PipelineError struct {
	Status int
	Detail string
}

func (e *PipelineError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("pipeline service error (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("pipeline service error (HTTP %d): %s", e.Status, e.Detail)
}

// Is classifies PipelineError as ErrInternalPipeline.
func (e *PipelineError) Is(target error) bool {
	return target == ErrInternalPipeline
}

// InternalPipeline creates a PipelineError carrying the service's message.
func InternalPipeline(status int, detail string) error {
	return &PipelineError{Status: status, Detail: detail}
}

// UnsupportedEventKind reports an event kind nothing knows how to route.
func UnsupportedEventKind(kind string) error {
	return &Error{
		Sentinel: ErrUnsupportedEventKind,
		Message:  fmt.Sprintf("unsupported event kind %q", kind),
		Field:    "kind",
	}
}
