package service

import (
	"errors"
	"fmt"
	"time"

	"rentkyc/internal/verification/models"
	"rentkyc/internal/verification/provider"
	dErrors "rentkyc/pkg/domain-errors"
	"rentkyc/pkg/platform/sentinel"
)

var (
	errGuardExpired     = errors.New("session past its ttl")
	errGuardResendLimit = errors.New("resend limit reached")
	errGuardCooldown    = errors.New("resend cooldown active")
	errClaimLost        = errors.New("claim no longer held")
)

// RejectedCodeError is returned by Submit when the provider refused the code.
// It unwraps to an invalid_code domain error and carries how many attempts
// the session has left (zero once it has failed).
type RejectedCodeError struct {
	AttemptsRemaining int
	err               *dErrors.Error
}

func newRejectedCodeError(remaining int) *RejectedCodeError {
	msg := fmt.Sprintf("code rejected, %d attempts remaining", remaining)
	if remaining == 0 {
		msg = "code rejected, no attempts remaining"
	}
	return &RejectedCodeError{
		AttemptsRemaining: remaining,
		err:               dErrors.New(dErrors.CodeInvalidCode, msg),
	}
}

func (e *RejectedCodeError) Error() string { return e.err.Error() }

// Message is the client-safe description, without the code prefix.
func (e *RejectedCodeError) Message() string { return e.err.Message }
func (e *RejectedCodeError) Unwrap() error { return e.err }

func errUnknownSession() error {
	return dErrors.New(dErrors.CodeUnknownSession, "unknown or completed verification session")
}

func errSessionExpired() error {
	return dErrors.New(dErrors.CodeSessionExpired, "verification session expired, start again")
}

// guardLive is the precondition every mutation re-checks against the copy it
// is about to change.
func guardLive(m *models.Session, now time.Time) error {
	if m.State == models.StateExpired || m.IsExpiredAt(now) {
		return errGuardExpired
	}
	if !m.State.IsLive() {
		return fmt.Errorf("session is %s: %w", m.State, models.ErrInvalidTransition)
	}
	return nil
}

// translateUpdateErr maps store and guard failures from updateWithRetry to
// domain errors.
func translateUpdateErr(err error) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, errGuardExpired):
		return errSessionExpired()
	case errors.Is(err, errGuardResendLimit):
		return dErrors.Wrap(err, dErrors.CodeRateLimited, "resend limit reached")
	case errors.Is(err, errGuardCooldown):
		return dErrors.Wrap(err, dErrors.CodeRateLimited, "code was sent recently, wait before requesting another")
	case errors.Is(err, models.ErrSessionBusy):
		return dErrors.Wrap(err, dErrors.CodeConflict, "another request for this session is in progress, retry shortly")
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, sentinel.ErrNotFound):
		return errUnknownSession()
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update session")
	}
}

// translateProviderErr maps the provider taxonomy onto caller-facing codes.
// Provider messages never reach the caller.
func translateProviderErr(err error) error {
	switch provider.CategoryOf(err) {
	case provider.CategoryInvalidSubject:
		return dErrors.Wrap(err, dErrors.CodeInvalidSubject, "subject id was not accepted")
	case provider.CategoryRejected:
		return dErrors.Wrap(err, dErrors.CodeProviderRejected, "subject could not be verified with the provider")
	case provider.CategoryConfig:
		return dErrors.Wrap(err, dErrors.CodeConfig, "verification provider is not configured")
	case provider.CategoryRateLimited:
		return dErrors.Wrap(err, dErrors.CodeRateLimited, "code delivery throttled, try again later")
	case provider.CategoryUnknownCorrelation:
		return dErrors.Wrap(err, dErrors.CodeUnknownSession, "unknown or completed verification session")
	case provider.CategoryInvalidCode:
		return dErrors.Wrap(err, dErrors.CodeInvalidCode, "code rejected")
	case provider.CategoryExpired:
		return dErrors.Wrap(err, dErrors.CodeSessionExpired, "verification session expired, start again")
	default:
		return dErrors.Wrap(err, dErrors.CodeProviderUnavailable, "verification provider unavailable, retry later")
	}
}
