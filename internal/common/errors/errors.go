// Package errors provides the error taxonomy shared across the
// orchestration core. Each error carries a Kind that drives retry,
// DLQ, and HTTP mapping decisions.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for handling policy.
type Kind string

const (
	KindValidation    Kind = "VALIDATION_ERROR" // input schema violated; not retried
	KindAuth          Kind = "AUTH_ERROR"       // missing/expired credentials; not retried
	KindNotFound      Kind = "NOT_FOUND"        // referenced entity absent; not retried
	KindConflict      Kind = "CONFLICT"         // uniqueness or state-machine violation
	KindTransient     Kind = "TRANSIENT"        // network/broker/LLM timeout; retried with backoff
	KindPoisonMessage Kind = "POISON_MESSAGE"   // persistent handler failure; routed to DLQ
	KindCancelled     Kind = "CANCELLED"        // deadline or explicit cancel; terminal
	KindInternal      Kind = "INTERNAL"         // bug or invariant violation
)

// Error is the application error type.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap wraps err with a kind and message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s with id '%s' not found", resource, id))
}

// Conflict creates a conflict error.
func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// Transient creates a retryable error.
func Transient(message string, err error) *Error {
	return Wrap(KindTransient, message, err)
}

// Cancelled creates a cancellation error.
func Cancelled(message string) *Error {
	return New(KindCancelled, message)
}

// Internal creates an internal error.
func Internal(message string, err error) *Error {
	return Wrap(KindInternal, message, err)
}

// KindOf extracts the Kind from an error chain; unknown errors are
// classified as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return IsKind(err, KindTransient) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool { return IsKind(err, KindCancelled) }

// IsValidation reports whether err is an input validation failure.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsPoisonMessage reports whether err marks an event that can never be
// handled; retrying it is pointless.
func IsPoisonMessage(err error) bool { return IsKind(err, KindPoisonMessage) }

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient, KindPoisonMessage:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}
