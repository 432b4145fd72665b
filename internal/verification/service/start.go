package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"rentkyc/internal/verification/models"
	"rentkyc/internal/verification/provider"
	dErrors "rentkyc/pkg/domain-errors"
	"rentkyc/pkg/platform/audit"
	"rentkyc/pkg/platform/sentinel"
)

const startKeyPrefix = "start:"

// Start opens a verification session for a subject. The provider is called
// first; only on success is any prior live session for the subject
// superseded and the new one stored. A provider failure leaves no record.
func (s *Service) Start(ctx context.Context, subjectID string) (result *models.StartResult, err error) {
	ctx, span := s.startSpan(ctx, "verification.Start")
	defer func() { s.finish(span, "start", err) }()

	subject, err := models.ParseSubject(subjectID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidSubject, "subject id must be 12 digits")
	}
	now := s.clock(ctx)

	if err := s.checkStartLimit(ctx, subject); err != nil {
		return nil, err
	}

	sess := models.NewSession(subject, now, s.config.SessionTTL)
	var started *provider.StartResult
	err = s.observeProvider(ctx, "start", func(ctx context.Context) error {
		var callErr error
		started, callErr = s.provider.Start(ctx, subject.ID())
		return callErr
	})
	if err != nil {
		s.logger.WarnContext(ctx, "provider start failed",
			"category", string(provider.CategoryOf(err)),
			"error", err,
		)
		return nil, translateProviderErr(err)
	}
	span.SetAttributes(attribute.String("verification.correlation_id", started.CorrelationID))

	if err := sess.MarkAwaitingCode(started.CorrelationID, started.MaskedContact, now); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to open session")
	}

	if err := s.supersedeLive(ctx, subject.Key(), now); err != nil {
		return nil, err
	}
	err = s.store.Create(ctx, sess)
	if errors.Is(err, sentinel.ErrConflict) {
		// A concurrent Start for the same subject won the index; replace it.
		if err := s.supersedeLive(ctx, subject.Key(), now); err != nil {
			return nil, err
		}
		err = s.store.Create(ctx, sess)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to store verification session",
			"correlation_id", sess.CorrelationID,
			"error", err,
		)
		switch {
		case errors.Is(err, sentinel.ErrAlreadyUsed):
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "duplicate correlation id")
		case errors.Is(err, sentinel.ErrConflict):
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "another verification was started concurrently, retry the request")
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store session")
		}
	}

	s.metrics.IncrementSessionsStarted()
	s.logAudit(ctx, audit.EventVerificationStarted, sess, "")

	return &models.StartResult{
		CorrelationID: sess.CorrelationID,
		MaskedContact: sess.MaskedContact,
		ExpiresAt:     sess.ExpiresAt,
	}, nil
}

func (s *Service) checkStartLimit(ctx context.Context, subject models.Subject) error {
	if s.limiter == nil {
		return nil
	}
	res, err := s.limiter.Allow(ctx, startKeyPrefix+subject.Key(), s.config.StartLimit, s.config.StartWindow)
	if err != nil {
		// Fail open when the limiter backend is down.
		s.logger.WarnContext(ctx, "start limiter unavailable", "error", err)
		return nil
	}
	if !res.Allowed {
		s.metrics.IncrementStartThrottled()
		s.logger.InfoContext(ctx, "start throttled", "reset_at", res.ResetAt)
		return dErrors.New(dErrors.CodeRateLimited, "too many verification attempts, try again later")
	}
	return nil
}

// supersedeLive fails the subject's live session, if any, so at most one live
// session exists per subject.
func (s *Service) supersedeLive(ctx context.Context, subjectKey string, now time.Time) error {
	prior, err := s.store.FindLiveBySubject(ctx, subjectKey, now)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up live session")
	}

	superseded, err := s.updateWithRetry(ctx, prior, func(m *models.Session) error {
		if !m.State.IsLive() {
			return models.ErrInvalidTransition
		}
		return m.MarkFailed(models.FailureSuperseded, now)
	})
	switch {
	case err == nil:
		s.recordTerminal(ctx, superseded, audit.EventVerificationSuperseded)
		return nil
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, sentinel.ErrNotFound):
		// Ended on its own in the meantime.
		return nil
	default:
		return translateUpdateErr(err)
	}
}
