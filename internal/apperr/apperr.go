// Package apperr defines the error classes surfaced to clients and the
// mapping from each class to an HTTP status.
package apperr

import (
	"errors"
	"net/http"
)

// Error classes. Match with errors.Is.
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamRateLimited = errors.New("upstream rate limited")
	ErrUpstreamProtocol    = errors.New("upstream protocol error")
	ErrPersistence         = errors.New("persistence error")
)

// Error pairs an error class with a client-safe message and an internal cause.
type Error struct {
	Kind    error
	Message string
	Cause   error
}

// Error implements the error interface. The cause is included so server logs
// carry the diagnosis; clients only ever see Message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Is reports whether target is the class of e.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the internal cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New returns an error of the given class.
func New(kind error, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an error of the given class that keeps cause for logging.
func Wrap(kind error, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Kind returns the class of err, or nil when err is unclassified.
func Kind(err error) error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return nil
}

// Message returns the text that may be shown to a client.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return "internal server error"
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	switch Kind(err) {
	case ErrValidation, ErrConflict:
		return http.StatusBadRequest
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUpstreamRateLimited:
		return http.StatusTooManyRequests
	case ErrUpstreamUnavailable, ErrUpstreamProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsUpstream reports whether err belongs to one of the provider failure classes.
func IsUpstream(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) ||
		errors.Is(err, ErrUpstreamRateLimited) ||
		errors.Is(err, ErrUpstreamProtocol)
}
