// Package service is the verification state machine. It is the only code
// allowed to change a session's state. Resend and Submit claim the session
// through a versioned update before calling the provider, so at most one
// provider call per session is in flight and every limit is checked against
// the committed counters; the outcome is committed with the claim released.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rentkyc/internal/verification/metrics"
	"rentkyc/internal/verification/models"
	"rentkyc/internal/verification/provider"
	dErrors "rentkyc/pkg/domain-errors"
	"rentkyc/pkg/platform/audit"
	"rentkyc/pkg/platform/sentinel"
	"rentkyc/pkg/requestcontext"
)

const tracerName = "rentkyc/internal/verification/service"

// Service orchestrates verification sessions.
type Service struct {
	store          Store
	provider       provider.Provider
	limiter        StartLimiter
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	logger         *slog.Logger
	tracer         trace.Tracer
	config         Config
	now            func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithStartLimiter enables the per-subject start throttle.
func WithStartLimiter(limiter StartLimiter) Option {
	return func(s *Service) {
		s.limiter = limiter
	}
}

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.config = cfg
	}
}

// WithClock overrides the request-scoped time. Tests use it to move past
// TTLs and cooldowns.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(store Store, p provider.Provider, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if p == nil {
		return nil, fmt.Errorf("provider is required")
	}

	svc := &Service{
		store:    store,
		provider: p,
		config:   DefaultConfig(),
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if err := svc.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid verification config: %w", err)
	}
	if svc.metrics == nil {
		svc.metrics = metrics.New(prometheus.NewRegistry())
	}
	return svc, nil
}

func (s *Service) clock(ctx context.Context) time.Time {
	if s.now != nil {
		return s.now()
	}
	return requestcontext.Now(ctx)
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish records the outcome of an operation on its span and metrics.
func (s *Service) finish(span trace.Span, operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(dErrors.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(attribute.String("verification.outcome", outcome))
	s.metrics.RecordOutcome(operation, outcome)
	span.End()
}

// loadLive fetches a session that may still accept provider calls. Unknown
// and terminal sessions are indistinguishable to the caller; a live session
// past its TTL is expired on the spot.
func (s *Service) loadLive(ctx context.Context, correlationID string, now time.Time) (*models.Session, error) {
	if correlationID == "" {
		return nil, errUnknownSession()
	}
	sess, err := s.store.Get(ctx, correlationID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, errUnknownSession()
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	if sess.State == models.StateExpired {
		return nil, errSessionExpired()
	}
	if !sess.State.IsLive() {
		return nil, errUnknownSession()
	}
	if sess.IsExpiredAt(now) {
		s.expireLazily(ctx, sess, now)
		return nil, errSessionExpired()
	}
	return sess, nil
}

// expireLazily marks a session expired during a lookup. Losing the race to
// another writer is fine: whoever wins, the caller still sees expiry.
func (s *Service) expireLazily(ctx context.Context, sess *models.Session, now time.Time) {
	expired, err := s.updateWithRetry(ctx, sess, func(m *models.Session) error {
		return m.MarkExpired(now)
	})
	if err != nil {
		if !errors.Is(err, models.ErrInvalidTransition) {
			s.logger.WarnContext(ctx, "failed to mark session expired",
				"correlation_id", sess.CorrelationID,
				"error", err,
			)
		}
		return
	}
	s.recordTerminal(ctx, expired, audit.EventVerificationExpired)
}

// claim reserves a live session for one provider call. check runs against
// the freshest copy before the claim is taken. The returned session is the
// claimed version; the token must be released or consumed by the commit.
func (s *Service) claim(ctx context.Context, sess *models.Session, now time.Time, check func(*models.Session) error) (*models.Session, string, error) {
	token := uuid.NewString()
	claimed, err := s.updateWithRetry(ctx, sess, func(m *models.Session) error {
		if err := guardLive(m, now); err != nil {
			return err
		}
		if check != nil {
			if err := check(m); err != nil {
				return err
			}
		}
		return m.Claim(token, now, s.config.CallLease)
	})
	if err != nil {
		return nil, "", translateUpdateErr(err)
	}
	return claimed, token, nil
}

// release drops a claim without recording an outcome. Nothing else about the
// session changes.
func (s *Service) release(ctx context.Context, sess *models.Session, token string) {
	_, err := s.updateWithRetry(ctx, sess, func(m *models.Session) error {
		if !m.Release(token) {
			return errClaimLost
		}
		return nil
	})
	if err != nil && !errors.Is(err, errClaimLost) {
		s.logger.WarnContext(ctx, "failed to release session claim",
			"correlation_id", sess.CorrelationID,
			"error", err,
		)
	}
}

// updateWithRetry applies mutate at the version read earlier. On a conflict
// it re-reads once and re-applies mutate to the fresh copy; mutate must
// therefore re-check every guard. A second conflict is surfaced.
func (s *Service) updateWithRetry(ctx context.Context, sess *models.Session, mutate func(*models.Session) error) (*models.Session, error) {
	updated, err := s.store.Update(ctx, sess.CorrelationID, sess.Version, mutate)
	if !errors.Is(err, sentinel.ErrConflict) {
		return updated, err
	}
	s.metrics.IncrementStoreConflicts()

	current, err := s.store.Get(ctx, sess.CorrelationID)
	if err != nil {
		return nil, err
	}
	updated, err = s.store.Update(ctx, current.CorrelationID, current.Version, mutate)
	if errors.Is(err, sentinel.ErrConflict) {
		s.metrics.IncrementStoreConflicts()
		return nil, dErrors.Wrap(err, dErrors.CodeConflict, "session was modified concurrently, retry the request")
	}
	return updated, err
}

// recordTerminal emits the audit event and transition metric for a session
// that just became terminal.
func (s *Service) recordTerminal(ctx context.Context, sess *models.Session, event audit.AuditEvent) {
	s.metrics.RecordTransition(string(sess.State), string(sess.FailureReason))
	s.logAudit(ctx, event, sess, string(sess.FailureReason))
}

// logAudit writes an audit log line and publishes the event. Only the
// correlation id and the subject hash leave this function.
func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, sess *models.Session, reason string) {
	requestID := requestcontext.RequestID(ctx)
	s.logger.InfoContext(ctx, string(event),
		"event", string(event),
		"log_type", "audit",
		"correlation_id", sess.CorrelationID,
		"state", string(sess.State),
		"reason", reason,
		"request_id", requestID,
	)
	if s.auditPublisher == nil {
		return
	}
	if err := s.auditPublisher.Emit(ctx, audit.Event{
		Category:      event.Category(),
		Timestamp:     s.clock(ctx),
		Subject:       sess.CorrelationID,
		SubjectIDHash: sess.SubjectKey,
		Action:        string(event),
		Decision:      string(sess.State),
		Reason:        reason,
		RequestID:     requestID,
	}); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "event", string(event), "error", err)
	}
}

// observeProvider times one provider call on a child span.
func (s *Service) observeProvider(ctx context.Context, operation string, call func(ctx context.Context) error) error {
	ctx, span := s.startSpan(ctx, "provider."+operation,
		attribute.String("verification.provider_operation", operation),
	)
	defer span.End()

	start := time.Now()
	err := call(ctx)
	outcome := "ok"
	if err != nil {
		outcome = string(provider.CategoryOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.metrics.ObserveProviderLatency(operation, outcome, time.Since(start))
	return err
}
