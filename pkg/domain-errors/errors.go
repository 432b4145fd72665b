// Package domainerrors defines the closed set of error codes services return to
// transport layers. Stores speak in sentinel errors; services translate those
// into a *Error carrying one of the codes below, and only the HTTP boundary
// turns a code into a status.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code is a stable, client-visible error identifier.
type Code string

const (
	CodeBadRequest Code = "bad_request"
	CodeNotFound   Code = "not_found"
	CodeConflict   Code = "conflict"
	CodeInternal   Code = "internal_error"

	// Verification input errors. Rejected before any state change.
	CodeInvalidSubject Code = "invalid_subject"
	CodeInvalidCode    Code = "invalid_code"

	// Verification protocol errors. The session exists (or existed) but the
	// requested transition is not legal right now.
	CodeUnknownSession Code = "unknown_session"
	CodeSessionExpired Code = "session_expired"
	CodeRateLimited    Code = "rate_limited"

	// Provider errors. Unavailable is safe for the caller to retry.
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeProviderRejected    Code = "provider_rejected"

	// Missing or invalid server credentials.
	CodeConfig Code = "config_error"
)

// Error is a domain error with a client-safe code and message. The wrapped
// error is kept for logs and errors.Is/As but never rendered to clients.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a domain error without an underlying cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether err (or anything it wraps) is a domain error with code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Is is shorthand for HasCode.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
