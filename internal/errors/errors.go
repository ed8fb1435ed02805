package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the structured error type for specmem.
// It carries the variant tag, a stable code, and optional user-facing context.
type Error struct {
	// Kind is the tagged variant callers switch on.
	Kind Kind

	// Code is the stable error code (e.g. "ERR_402_DIMENSION_MISMATCH").
	Code string

	// Message is the human-readable error message.
	Message string

	// Suggestion is an actionable hint for the user, when one exists.
	Suggestion string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error

	// Retryable indicates whether the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind, enabling errors.Is against sentinel values.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail and returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion and returns the error for chaining.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// New creates a structured error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Code:      codeForKind(kind),
		Message:   message,
		Retryable: retryableKind(kind),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error wrapping a cause.
// Returns nil if cause is nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	e := New(kind, message)
	e.Cause = cause
	return e
}

// NotFound creates a NotFound error for the given entity.
func NotFound(what, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s not found: %s", what, id)).WithDetail("id", id)
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// KindOf extracts the kind from an error chain.
// Returns KindInternal for errors that are not structured.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether the error chain contains a retryable structured error.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the code from an error chain, or empty string.
func CodeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}
