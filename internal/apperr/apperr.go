// Package apperr defines the error kinds surfaced by the booking core. Each
// kind has a stable code that clients can switch on.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	InvalidRange      Kind = "InvalidRangeError"
	SlotConflict      Kind = "SlotConflict"
	InvalidTransition Kind = "InvalidTransitionError"
	BookingClosed     Kind = "BookingClosedError"
	AlreadyAssigned   Kind = "AlreadyAssignedError"
	ReleaseNotAllowed Kind = "ReleaseNotAllowedError"
	DriverNotEligible Kind = "DriverNotEligibleError"
	NotFound          Kind = "NotFound"
	Forbidden         Kind = "Forbidden"
	Unauthorized      Kind = "Unauthorized"
	InvalidInput      Kind = "InvalidInput"
	Transient         Kind = "Transient"
)

// HTTPStatus maps a kind to the response status used by the API.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidRange, InvalidInput:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case SlotConflict, InvalidTransition, BookingClosed, AlreadyAssigned, ReleaseNotAllowed:
		return http.StatusConflict
	case DriverNotEligible:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, apperr.New(kind, "")) match on kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err. Errors that carry no kind are Transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// Message returns the client-facing message for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "temporary failure, retry later"
}
