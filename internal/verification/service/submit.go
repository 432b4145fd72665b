package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"rentkyc/internal/verification/models"
	"rentkyc/internal/verification/provider"
	dErrors "rentkyc/pkg/domain-errors"
	"rentkyc/pkg/platform/audit"
)

// Submit exchanges a code for identity attributes. The attributes are
// returned exactly once, on the transition into verified, and are never
// stored. A wrong code costs one attempt; the MaxAttempts-th wrong code fails
// the session. A Submit or Resend already in flight for the session makes
// this call fail with conflict before the code reaches the provider.
func (s *Service) Submit(ctx context.Context, correlationID, code string) (result *models.SubmitResult, err error) {
	ctx, span := s.startSpan(ctx, "verification.Submit",
		attribute.String("verification.correlation_id", correlationID),
	)
	defer func() { s.finish(span, "submit", err) }()

	if err := models.ValidateCode(code); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidCode, "code must be 6 digits")
	}
	now := s.clock(ctx)
	sess, err := s.loadLive(ctx, correlationID, now)
	if err != nil {
		return nil, err
	}
	claimed, token, err := s.claim(ctx, sess, now, func(m *models.Session) error {
		if m.Attempts >= s.config.MaxAttempts {
			return models.ErrInvalidTransition
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var attrs *models.IdentityAttributes
	err = s.observeProvider(ctx, "submit", func(ctx context.Context) error {
		var callErr error
		attrs, callErr = s.provider.Submit(ctx, claimed.CorrelationID, code)
		return callErr
	})
	if err != nil {
		return nil, s.handleSubmitFailure(ctx, claimed, token, err, now)
	}

	verified, err := s.updateWithRetry(ctx, claimed, func(m *models.Session) error {
		if err := guardLive(m, now); err != nil {
			return err
		}
		m.Release(token)
		return m.MarkVerified(*attrs, now)
	})
	if err != nil {
		// The provider has consumed the correlation id; the attributes are dropped.
		s.logger.ErrorContext(ctx, "failed to record verified session",
			"correlation_id", sess.CorrelationID,
			"error", err,
		)
		return nil, translateUpdateErr(err)
	}

	s.recordTerminal(ctx, verified, audit.EventVerificationSucceeded)

	return &models.SubmitResult{
		CorrelationID:      verified.CorrelationID,
		IdentityAttributes: *verified.Result,
	}, nil
}

func (s *Service) handleSubmitFailure(ctx context.Context, sess *models.Session, token string, err error, now time.Time) error {
	category := provider.CategoryOf(err)
	s.logger.WarnContext(ctx, "provider submit failed",
		"correlation_id", sess.CorrelationID,
		"category", string(category),
		"error", err,
	)

	switch category {
	case provider.CategoryInvalidCode:
		return s.recordRejectedCode(ctx, sess, token, now)
	case provider.CategoryExpired:
		s.expireLazily(ctx, sess, now)
		return errSessionExpired()
	default:
		s.release(ctx, sess, token)
		return translateProviderErr(err)
	}
}

func (s *Service) recordRejectedCode(ctx context.Context, sess *models.Session, token string, now time.Time) error {
	var exhausted bool
	updated, err := s.updateWithRetry(ctx, sess, func(m *models.Session) error {
		if err := guardLive(m, now); err != nil {
			return err
		}
		m.Release(token)
		var recErr error
		exhausted, recErr = m.RecordRejectedCode(s.config.MaxAttempts, now)
		return recErr
	})
	if err != nil {
		return translateUpdateErr(err)
	}

	s.metrics.IncrementCodeRejections()
	s.logAudit(ctx, audit.EventVerificationRejected, updated, "")
	if exhausted {
		s.recordTerminal(ctx, updated, audit.EventVerificationFailed)
	}
	return newRejectedCodeError(updated.AttemptsRemaining(s.config.MaxAttempts))
}
