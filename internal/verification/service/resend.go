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

// Resend re-triggers code delivery for a live session. The correlation id is
// unchanged. A resend inside the cooldown is rate_limited and changes
// nothing. A resend once MaxResends deliveries have been made is
// rate_limited and fails the session.
func (s *Service) Resend(ctx context.Context, correlationID string) (result *models.ResendResult, err error) {
	ctx, span := s.startSpan(ctx, "verification.Resend",
		attribute.String("verification.correlation_id", correlationID),
	)
	defer func() { s.finish(span, "resend", err) }()

	now := s.clock(ctx)
	sess, err := s.loadLive(ctx, correlationID, now)
	if err != nil {
		return nil, err
	}
	if sess.ResendCount >= s.config.MaxResends {
		return nil, s.exhaustResends(ctx, sess, now)
	}
	claimed, token, err := s.claim(ctx, sess, now, func(m *models.Session) error {
		if m.ResendCount >= s.config.MaxResends {
			return errGuardResendLimit
		}
		if m.LastSentAt.Add(s.config.ResendCooldown).After(now) {
			return errGuardCooldown
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var resent *provider.ResendResult
	err = s.observeProvider(ctx, "resend", func(ctx context.Context) error {
		var callErr error
		resent, callErr = s.provider.Resend(ctx, claimed.CorrelationID)
		return callErr
	})
	if err != nil {
		s.logger.WarnContext(ctx, "provider resend failed",
			"correlation_id", claimed.CorrelationID,
			"category", string(provider.CategoryOf(err)),
			"error", err,
		)
		if provider.CategoryOf(err) == provider.CategoryExpired {
			s.expireLazily(ctx, claimed, now)
		} else {
			s.release(ctx, claimed, token)
		}
		return nil, translateProviderErr(err)
	}

	updated, err := s.updateWithRetry(ctx, claimed, func(m *models.Session) error {
		if err := guardLive(m, now); err != nil {
			return err
		}
		m.Release(token)
		return m.RecordResend(resent.MaskedContact, now)
	})
	if err != nil {
		return nil, translateUpdateErr(err)
	}

	s.metrics.IncrementResends()
	s.logAudit(ctx, audit.EventVerificationResent, updated, "")

	return &models.ResendResult{
		CorrelationID:    updated.CorrelationID,
		MaskedContact:    updated.MaskedContact,
		ResendsRemaining: updated.ResendsRemaining(s.config.MaxResends),
	}, nil
}

// exhaustResends fails a session that asked for more deliveries than allowed.
func (s *Service) exhaustResends(ctx context.Context, sess *models.Session, now time.Time) error {
	failed, err := s.updateWithRetry(ctx, sess, func(m *models.Session) error {
		if err := guardLive(m, now); err != nil {
			return err
		}
		return m.MarkFailed(models.FailureResendsExhausted, now)
	})
	if err != nil {
		return translateUpdateErr(err)
	}
	s.recordTerminal(ctx, failed, audit.EventVerificationFailed)
	return dErrors.New(dErrors.CodeRateLimited, "resend limit reached, start again")
}
