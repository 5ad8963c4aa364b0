package storage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies store failures. The HTTP boundary maps kinds to
// status codes; everything else branches with the predicates below.
type ErrorKind string

// Error kinds
const (
	KindMarkerMismatch  ErrorKind = "marker_mismatch"
	KindInvalidInput    ErrorKind = "invalid_input"
	KindEntityNotFound  ErrorKind = "entity_not_found"
	KindValidationError ErrorKind = "validation_error"
	KindIoError         ErrorKind = "io_error"
	KindTenantDenied    ErrorKind = "tenant_denied"
	KindRateLimited     ErrorKind = "rate_limited"
	KindSessionGone     ErrorKind = "session_gone"
)

// Error is the result-variant error every store operation returns on
// failure. It wraps the underlying cause, so errors.Is/As keep working
// through it.
type Error struct {
	Kind    ErrorKind
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

// NewError builds a kinded error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a kinded error around an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsMarkerMismatch reports whether err is a marker validation failure.
func IsMarkerMismatch(err error) bool { return KindOf(err) == KindMarkerMismatch }

// IsInvalidInput reports whether err is an input validation failure.
func IsInvalidInput(err error) bool { return KindOf(err) == KindInvalidInput }

// IsEntityNotFound reports whether err means a referenced entity is absent.
func IsEntityNotFound(err error) bool { return KindOf(err) == KindEntityNotFound }

// IsValidation reports whether err is an internal consistency violation.
func IsValidation(err error) bool { return KindOf(err) == KindValidationError }

// IsIoError reports whether err is a (possibly transient) storage failure.
func IsIoError(err error) bool { return KindOf(err) == KindIoError }

// IsTenantDenied reports whether err means RLS or auth rejected the access.
func IsTenantDenied(err error) bool { return KindOf(err) == KindTenantDenied }

// IsRateLimited reports whether err means a quota was exceeded.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

// IsSessionGone reports whether err means the session is unknown or expired.
func IsSessionGone(err error) bool { return KindOf(err) == KindSessionGone }
