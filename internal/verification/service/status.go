package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"rentkyc/internal/verification/models"
	dErrors "rentkyc/pkg/domain-errors"
	"rentkyc/pkg/platform/audit"
	"rentkyc/pkg/platform/sentinel"
)

// Status reports where a session stands so a client can re-derive its
// wizard step. Identity attributes are never part of it.
func (s *Service) Status(ctx context.Context, correlationID string) (result *models.StatusResult, err error) {
	ctx, span := s.startSpan(ctx, "verification.Status",
		attribute.String("verification.correlation_id", correlationID),
	)
	defer func() { s.finish(span, "status", err) }()

	if correlationID == "" {
		return nil, errUnknownSession()
	}
	now := s.clock(ctx)
	sess, err := s.store.Get(ctx, correlationID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, errUnknownSession()
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	if sess.IsExpiredAt(now) {
		s.expireLazily(ctx, sess, now)
		sess.State = models.StateExpired
	}

	return &models.StatusResult{
		CorrelationID:     sess.CorrelationID,
		State:             sess.State,
		Step:              models.StepFor(sess.State),
		MaskedContact:     sess.MaskedContact,
		AttemptsRemaining: sess.AttemptsRemaining(s.config.MaxAttempts),
		ResendsRemaining:  sess.ResendsRemaining(s.config.MaxResends),
		ExpiresAt:         sess.ExpiresAt,
	}, nil
}

// SweepExpired expires live sessions past their TTL and evicts terminal
// sessions past retention.
func (s *Service) SweepExpired(ctx context.Context) (result models.ExpireResult, err error) {
	ctx, span := s.startSpan(ctx, "verification.SweepExpired")
	defer func() { s.finish(span, "sweep", err) }()

	result, err = s.store.Expire(ctx, s.clock(ctx))
	for _, sess := range result.Expired {
		s.recordTerminal(ctx, sess, audit.EventVerificationExpired)
	}
	s.metrics.RecordSweep(len(result.Expired), result.Evicted)
	if err != nil {
		return result, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sweep sessions")
	}
	return result, nil
}
