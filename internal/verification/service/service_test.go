package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"rentkyc/internal/ratelimit/store/bucket"
	"rentkyc/internal/verification/models"
	"rentkyc/internal/verification/provider"
	"rentkyc/internal/verification/provider/fake"
	"rentkyc/internal/verification/store"
	dErrors "rentkyc/pkg/domain-errors"
	"rentkyc/pkg/platform/audit/publisher"
	auditmemory "rentkyc/pkg/platform/audit/store/memory"
)

const testSubject = "490987654321"

type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	provider *fake.Provider
	store    *store.InMemoryStore
	audit    *auditmemory.InMemoryStore
	service  *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	s.provider = fake.New()
	s.store = store.NewInMemoryStore()
	s.audit = auditmemory.NewInMemoryStore()
	s.service = s.newService(DefaultConfig())
}

func (s *ServiceSuite) newService(cfg Config, opts ...Option) *Service {
	return s.newServiceWith(s.provider, cfg, opts...)
}

func (s *ServiceSuite) newServiceWith(p *fake.Provider, cfg Config, opts ...Option) *Service {
	base := []Option{
		WithConfig(cfg),
		WithClock(func() time.Time { return s.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(publisher.NewPublisher(s.audit)),
	}
	svc, err := New(s.store, p, append(base, opts...)...)
	s.Require().NoError(err)
	return svc
}

func (s *ServiceSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *ServiceSuite) requireCode(err error, code dErrors.Code) {
	s.T().Helper()
	s.Require().Error(err)
	s.Equal(code, dErrors.CodeOf(err), "unexpected error: %v", err)
}

func (s *ServiceSuite) stored(correlationID string) *models.Session {
	sess, err := s.store.Get(s.ctx, correlationID)
	s.Require().NoError(err)
	return sess
}

func (s *ServiceSuite) TestNew() {
	s.Run("requires a store and provider", func() {
		_, err := New(nil, s.provider)
		s.Error(err)
		_, err = New(s.store, nil)
		s.Error(err)
	})

	s.Run("rejects unusable policy", func() {
		cfg := DefaultConfig()
		cfg.MaxAttempts = 0
		_, err := New(s.store, s.provider, WithConfig(cfg))
		s.Error(err)
	})
}

func (s *ServiceSuite) TestStart() {
	s.Run("invalid subject never reaches the provider", func() {
		for _, raw := range []string{"", "12345", "49098765432a", "4909876543210"} {
			_, err := s.service.Start(s.ctx, raw)
			s.requireCode(err, dErrors.CodeInvalidSubject)
		}
		s.Zero(s.provider.Calls(fake.OpStart))
		s.Zero(s.store.Len())
	})

	s.Run("formatted subject is normalized", func() {
		res, err := s.service.Start(s.ctx, "4909 8765-4321")
		s.Require().NoError(err)
		sess := s.stored(res.CorrelationID)
		s.Equal(testSubject, sess.SubjectID)
	})

	s.Run("opens an awaiting_code session", func() {
		res, err := s.service.Start(s.ctx, "111122223333")
		s.Require().NoError(err)
		s.NotEmpty(res.CorrelationID)
		s.NotContains(res.CorrelationID, "111122223333")
		s.Equal("XXXXXX6789", res.MaskedContact)
		s.Equal(s.now.Add(10*time.Minute), res.ExpiresAt)

		sess := s.stored(res.CorrelationID)
		s.Equal(models.StateAwaitingCode, sess.State)
		s.Zero(sess.Attempts)
		s.Zero(sess.ResendCount)
	})
}

func (s *ServiceSuite) TestStartProviderFailuresLeaveNoRecord() {
	s.Run("timeout is provider_unavailable with no orphan", func() {
		p := fake.New(fake.WithLatency(time.Second))
		svc, err := New(s.store, p, WithClock(func() time.Time { return s.now }))
		s.Require().NoError(err)

		ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
		defer cancel()
		_, err = svc.Start(ctx, testSubject)
		s.requireCode(err, dErrors.CodeProviderUnavailable)
		s.Zero(s.store.Len())
	})

	s.Run("rejected subject", func() {
		s.provider.FailNext(fake.OpStart, provider.CategoryRejected)
		_, err := s.service.Start(s.ctx, testSubject)
		s.requireCode(err, dErrors.CodeProviderRejected)
		s.Zero(s.store.Len())
	})

	s.Run("refused credentials", func() {
		s.provider.FailNext(fake.OpStart, provider.CategoryConfig)
		_, err := s.service.Start(s.ctx, testSubject)
		s.requireCode(err, dErrors.CodeConfig)
	})

	s.Run("unavailable does not disturb an existing live session", func() {
		first, err := s.service.Start(s.ctx, testSubject)
		s.Require().NoError(err)

		s.provider.FailNext(fake.OpStart, provider.CategoryUnavailable)
		_, err = s.service.Start(s.ctx, testSubject)
		s.requireCode(err, dErrors.CodeProviderUnavailable)

		s.Equal(models.StateAwaitingCode, s.stored(first.CorrelationID).State)
	})
}

// Start -> wrong code -> resend -> right code -> verified once.
func (s *ServiceSuite) TestHappyPathScenario() {
	started, err := s.service.Start(s.ctx, testSubject)
	s.Require().NoError(err)
	s.Equal("XXXXXX6789", started.MaskedContact)

	_, err = s.service.Submit(s.ctx, started.CorrelationID, "000000")
	s.requireCode(err, dErrors.CodeInvalidCode)
	var rejected *RejectedCodeError
	s.Require().True(errors.As(err, &rejected))
	s.Equal(2, rejected.AttemptsRemaining)

	sess := s.stored(started.CorrelationID)
	s.Equal(1, sess.Attempts)
	s.Equal(models.StateAwaitingCode, sess.State)

	s.advance(31 * time.Second)
	resent, err := s.service.Resend(s.ctx, started.CorrelationID)
	s.Require().NoError(err)
	s.Equal(started.CorrelationID, resent.CorrelationID)
	s.Equal("XXXXXX6789", resent.MaskedContact)
	s.Equal(2, resent.ResendsRemaining)
	s.Equal(1, s.stored(started.CorrelationID).ResendCount)

	verified, err := s.service.Submit(s.ctx, started.CorrelationID, fake.DefaultCode)
	s.Require().NoError(err)
	s.Equal("Test Subject", verified.IdentityAttributes.Name)
	s.Equal("XXXXXX6789", verified.IdentityAttributes.Contact)

	sess = s.stored(started.CorrelationID)
	s.Equal(models.StateVerified, sess.State)
	s.Nil(sess.Result, "attributes are never persisted")

	_, err = s.service.Submit(s.ctx, started.CorrelationID, fake.DefaultCode)
	s.requireCode(err, dErrors.CodeUnknownSession)
	_, err = s.service.Resend(s.ctx, started.CorrelationID)
	s.requireCode(err, dErrors.CodeUnknownSession)

	s.Equal(2, s.provider.Calls(fake.OpSubmit), "terminal sessions make no provider calls")
}

func (s *ServiceSuite) TestAttemptsExhaustion() {
	started, err := s.service.Start(s.ctx, testSubject)
	s.Require().NoError(err)

	for i := 1; i <= 3; i++ {
		_, err := s.service.Submit(s.ctx, started.CorrelationID, "000000")
		s.requireCode(err, dErrors.CodeInvalidCode)
		var rejected *RejectedCodeError
		s.Require().True(errors.As(err, &rejected))
		s.Equal(3-i, rejected.AttemptsRemaining)
	}

	sess := s.stored(started.CorrelationID)
	s.Equal(models.StateFailed, sess.State)
	s.Equal(models.FailureAttemptsExhausted, sess.FailureReason)
	s.Equal(3, sess.Attempts)

	_, err = s.service.Submit(s.ctx, started.CorrelationID, fake.DefaultCode)
	s.requireCode(err, dErrors.CodeUnknownSession)
	s.Equal(3, s.provider.Calls(fake.OpSubmit))
	s.Equal(3, s.stored(started.CorrelationID).Attempts, "attempts never exceed the ceiling")
}

func (s *ServiceSuite) TestResendLimits() {
	s.Run("cooldown", func() {
		started, err := s.service.Start(s.ctx, testSubject)
		s.Require().NoError(err)

		_, err = s.service.Resend(s.ctx, started.CorrelationID)
		s.requireCode(err, dErrors.CodeRateLimited)
		s.Zero(s.provider.Calls(fake.OpResend))
	})

	s.Run("ceiling fails the session", func() {
		cfg := DefaultConfig()
		cfg.ResendCooldown = 0
		svc := s.newService(cfg)
		started, err := svc.Start(s.ctx, "111122223333")
		s.Require().NoError(err)

		for range cfg.MaxResends {
			_, err := svc.Resend(s.ctx, started.CorrelationID)
			s.Require().NoError(err)
		}
		_, err = svc.Resend(s.ctx, started.CorrelationID)
		s.requireCode(err, dErrors.CodeRateLimited)

		sess := s.stored(started.CorrelationID)
		s.Equal(cfg.MaxResends, sess.ResendCount)
		s.Equal(models.StateFailed, sess.State)
		s.Equal(models.FailureResendsExhausted, sess.FailureReason)
		s.Equal(cfg.MaxResends, s.provider.Calls(fake.OpResend))

		_, err = svc.Submit(s.ctx, started.CorrelationID, fake.DefaultCode)
		s.requireCode(err, dErrors.CodeUnknownSession)
		_, err = svc.Resend(s.ctx, started.CorrelationID)
		s.requireCode(err, dErrors.CodeUnknownSession)
		s.Zero(s.provider.Calls(fake.OpSubmit))
	})

	s.Run("provider throttling", func() {
		s.advance(time.Minute)
		started, err := s.service.Start(s.ctx, "444455556666")
		s.Require().NoError(err)
		s.advance(time.Minute)

		s.provider.FailNext(fake.OpResend, provider.CategoryRateLimited)
		_, err = s.service.Resend(s.ctx, started.CorrelationID)
		s.requireCode(err, dErrors.CodeRateLimited)
		s.Zero(s.stored(started.CorrelationID).ResendCount)
	})
}

func (s *ServiceSuite) TestExpiry() {
	started, err := s.service.Start(s.ctx, testSubject)
	s.Require().NoError(err)
	s.advance(10 * time.Minute)

	_, err = s.service.Submit(s.ctx, started.CorrelationID, fake.DefaultCode)
	s.requireCode(err, dErrors.CodeSessionExpired)
	_, err = s.service.Resend(s.ctx, started.CorrelationID)
	s.requireCode(err, dErrors.CodeSessionExpired)

	s.Zero(s.provider.Calls(fake.OpSubmit))
	s.Zero(s.provider.Calls(fake.OpResend))
	s.Equal(models.StateExpired, s.stored(started.CorrelationID).State)

	status, err := s.service.Status(s.ctx, started.CorrelationID)
	s.Require().NoError(err)
	s.Equal(models.StateExpired, status.State)
	s.Equal(models.StepAadhar, status.Step)

	s.Run("provider-side expiry marks the session expired", func() {
		next, err := s.service.Start(s.ctx, testSubject)
		s.Require().NoError(err)
		s.provider.FailNext(fake.OpSubmit, provider.CategoryExpired)

		_, err = s.service.Submit(s.ctx, next.CorrelationID, fake.DefaultCode)
		s.requireCode(err, dErrors.CodeSessionExpired)
		s.Equal(models.StateExpired, s.stored(next.CorrelationID).State)
	})
}

func (s *ServiceSuite) TestStartSupersedesLiveSession() {
	first, err := s.service.Start(s.ctx, testSubject)
	s.Require().NoError(err)
	second, err := s.service.Start(s.ctx, testSubject)
	s.Require().NoError(err)
	s.NotEqual(first.CorrelationID, second.CorrelationID)

	sess := s.stored(first.CorrelationID)
	s.Equal(models.StateFailed, sess.State)
	s.Equal(models.FailureSuperseded, sess.FailureReason)

	_, err = s.service.Submit(s.ctx, first.CorrelationID, fake.DefaultCode)
	s.requireCode(err, dErrors.CodeUnknownSession)
	_, err = s.service.Resend(s.ctx, first.CorrelationID)
	s.requireCode(err, dErrors.CodeUnknownSession)

	_, err = s.service.Submit(s.ctx, second.CorrelationID, fake.DefaultCode)
	s.NoError(err)

	events, err := s.audit.ListBySubject(s.ctx, first.CorrelationID)
	s.Require().NoError(err)
	actions := make([]string, 0, len(events))
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	s.Contains(actions, "verification_superseded")
}

func (s *ServiceSuite) TestProviderUnavailableNeverChangesState() {
	started, err := s.service.Start(s.ctx, testSubject)
	s.Require().NoError(err)
	before := s.stored(started.CorrelationID)

	s.provider.FailNext(fake.OpSubmit, provider.CategoryUnavailable)
	_, err = s.service.Submit(s.ctx, started.CorrelationID, fake.DefaultCode)
	s.requireCode(err, dErrors.CodeProviderUnavailable)

	after := s.stored(started.CorrelationID)
	s.Equal(before.State, after.State)
	s.Equal(before.Attempts, after.Attempts)
	s.Equal(before.ResendCount, after.ResendCount)
	s.Empty(after.ClaimToken, "the claim is released")

	s.provider.FailNext(fake.OpResend, provider.CategoryUnavailable)
	s.advance(time.Minute)
	_, err = s.service.Resend(s.ctx, started.CorrelationID)
	s.requireCode(err, dErrors.CodeProviderUnavailable)
	s.Zero(s.stored(started.CorrelationID).ResendCount)
	s.Empty(s.stored(started.CorrelationID).ClaimToken)

	_, err = s.service.Submit(s.ctx, started.CorrelationID, fake.DefaultCode)
	s.NoError(err, "caller retry succeeds")
}

func (s *ServiceSuite) TestConcurrentSubmits() {
	s.Run("one right and one wrong code", func() {
		started, err := s.service.Start(s.ctx, testSubject)
		s.Require().NoError(err)
		before := s.provider.Calls(fake.OpSubmit)

		var wg sync.WaitGroup
		var verified, rejected, busy atomic.Int32
		for _, code := range []string{fake.DefaultCode, "000000"} {
			wg.Go(func() {
				_, err := s.service.Submit(s.ctx, started.CorrelationID, code)
				switch {
				case err == nil:
					verified.Add(1)
				case dErrors.HasCode(err, dErrors.CodeInvalidCode):
					rejected.Add(1)
				case dErrors.HasCode(err, dErrors.CodeConflict), dErrors.HasCode(err, dErrors.CodeUnknownSession):
					busy.Add(1)
				}
			})
		}
		wg.Wait()

		s.Equal(int32(2), verified.Load()+rejected.Load()+busy.Load())
		s.LessOrEqual(verified.Load(), int32(1))
		sess := s.stored(started.CorrelationID)
		s.Equal(int(rejected.Load()), sess.Attempts, "every reported rejection is counted")
		if verified.Load() == 1 {
			s.Equal(models.StateVerified, sess.State)
		} else {
			s.Equal(models.StateAwaitingCode, sess.State)
		}
		s.Equal(int(verified.Load()+rejected.Load()), s.provider.Calls(fake.OpSubmit)-before)
	})

	s.Run("guesses reaching the provider never exceed remaining attempts", func() {
		slow := fake.New(fake.WithLatency(30 * time.Millisecond))
		svc := s.newServiceWith(slow, DefaultConfig())
		started, err := svc.Start(s.ctx, "111122223333")
		s.Require().NoError(err)

		for range 2 {
			_, err := svc.Submit(s.ctx, started.CorrelationID, "000000")
			s.requireCode(err, dErrors.CodeInvalidCode)
		}
		before := slow.Calls(fake.OpSubmit)

		codes := []string{fake.DefaultCode}
		for i := range 9 {
			codes = append(codes, fmt.Sprintf("00000%d", i))
		}
		var wg sync.WaitGroup
		var verified, rejected, busy atomic.Int32
		for _, code := range codes {
			wg.Go(func() {
				_, err := svc.Submit(s.ctx, started.CorrelationID, code)
				switch {
				case err == nil:
					verified.Add(1)
				case dErrors.HasCode(err, dErrors.CodeInvalidCode):
					rejected.Add(1)
				default:
					busy.Add(1)
				}
			})
		}
		wg.Wait()

		reached := slow.Calls(fake.OpSubmit) - before
		s.Equal(1, reached, "one attempt left means one code reaches the provider")
		s.Equal(int32(1), verified.Load()+rejected.Load())

		sess := s.stored(started.CorrelationID)
		s.LessOrEqual(sess.Attempts, 3)
		if verified.Load() == 1 {
			s.Equal(models.StateVerified, sess.State, "an accepted code is never lost")
		} else {
			s.Equal(models.StateFailed, sess.State)
			s.Equal(3, sess.Attempts)
		}
	})

	s.Run("many wrong codes never lose an increment", func() {
		cfg := DefaultConfig()
		cfg.MaxAttempts = 100
		svc := s.newService(cfg)
		started, err := svc.Start(s.ctx, "222233334444")
		s.Require().NoError(err)
		before := s.provider.Calls(fake.OpSubmit)

		const goroutines = 20
		var wg sync.WaitGroup
		var rejected atomic.Int32
		for range goroutines {
			wg.Go(func() {
				_, err := svc.Submit(s.ctx, started.CorrelationID, "000000")
				if dErrors.HasCode(err, dErrors.CodeInvalidCode) {
					rejected.Add(1)
				}
			})
		}
		wg.Wait()

		sess := s.stored(started.CorrelationID)
		s.Equal(int(rejected.Load()), sess.Attempts)
		s.Equal(sess.Attempts, s.provider.Calls(fake.OpSubmit)-before, "every code that reached the provider was counted")
	})

	s.Run("two right codes verify once", func() {
		started, err := s.service.Start(s.ctx, "444455556666")
		s.Require().NoError(err)

		var wg sync.WaitGroup
		var successes atomic.Int32
		for range 2 {
			wg.Go(func() {
				if _, err := s.service.Submit(s.ctx, started.CorrelationID, fake.DefaultCode); err == nil {
					successes.Add(1)
				}
			})
		}
		wg.Wait()
		s.Equal(int32(1), successes.Load())
	})
}

func (s *ServiceSuite) TestConcurrentResends() {
	slow := fake.New(fake.WithLatency(30 * time.Millisecond))
	cfg := DefaultConfig()
	cfg.MaxResends = 1
	cfg.ResendCooldown = 0
	svc := s.newServiceWith(slow, cfg)
	started, err := svc.Start(s.ctx, testSubject)
	s.Require().NoError(err)

	var wg sync.WaitGroup
	var delivered atomic.Int32
	for range 10 {
		wg.Go(func() {
			if _, err := svc.Resend(s.ctx, started.CorrelationID); err == nil {
				delivered.Add(1)
			}
		})
	}
	wg.Wait()

	s.Equal(1, slow.Calls(fake.OpResend), "concurrent resends trigger one delivery")
	s.Equal(int32(1), delivered.Load())
	sess := s.stored(started.CorrelationID)
	s.Equal(1, sess.ResendCount)
	s.Empty(sess.ClaimToken)
}

func (s *ServiceSuite) TestStartThrottle() {
	limiter := bucket.NewInMemoryBucketStore(bucket.WithClock(func() time.Time { return s.now }))
	cfg := DefaultConfig()
	cfg.StartLimit = 2
	svc := s.newService(cfg, WithStartLimiter(limiter))

	for range 2 {
		_, err := svc.Start(s.ctx, testSubject)
		s.Require().NoError(err)
	}
	_, err := svc.Start(s.ctx, testSubject)
	s.requireCode(err, dErrors.CodeRateLimited)
	s.Equal(2, s.provider.Calls(fake.OpStart))

	_, err = svc.Start(s.ctx, "111122223333")
	s.NoError(err, "throttle is per subject")

	s.advance(cfg.StartWindow + time.Second)
	_, err = svc.Start(s.ctx, testSubject)
	s.NoError(err)
}

func (s *ServiceSuite) TestStatus() {
	started, err := s.service.Start(s.ctx, testSubject)
	s.Require().NoError(err)

	status, err := s.service.Status(s.ctx, started.CorrelationID)
	s.Require().NoError(err)
	s.Equal(models.StateAwaitingCode, status.State)
	s.Equal(models.StepOTP, status.Step)
	s.Equal(3, status.AttemptsRemaining)
	s.Equal("XXXXXX6789", status.MaskedContact)

	_, err = s.service.Submit(s.ctx, started.CorrelationID, fake.DefaultCode)
	s.Require().NoError(err)

	status, err = s.service.Status(s.ctx, started.CorrelationID)
	s.Require().NoError(err)
	s.Equal(models.StepComplete, status.Step)

	_, err = s.service.Status(s.ctx, "missing")
	s.requireCode(err, dErrors.CodeUnknownSession)
}

func (s *ServiceSuite) TestSweepExpired() {
	started, err := s.service.Start(s.ctx, testSubject)
	s.Require().NoError(err)
	s.advance(11 * time.Minute)

	res, err := s.service.SweepExpired(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(res.Expired, 1)

	events, err := s.audit.ListBySubject(s.ctx, started.CorrelationID)
	s.Require().NoError(err)
	s.Equal("verification_expired", events[len(events)-1].Action)

	s.advance(store.DefaultRetention)
	res, err = s.service.SweepExpired(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Evicted)
	_, err = s.service.Status(s.ctx, started.CorrelationID)
	s.requireCode(err, dErrors.CodeUnknownSession)
}

func (s *ServiceSuite) TestAuditNeverCarriesSubjectID() {
	started, err := s.service.Start(s.ctx, testSubject)
	s.Require().NoError(err)
	_, err = s.service.Submit(s.ctx, started.CorrelationID, "000000")
	s.Require().Error(err)
	_, err = s.service.Submit(s.ctx, started.CorrelationID, fake.DefaultCode)
	s.Require().NoError(err)

	events, err := s.audit.ListAll(s.ctx)
	s.Require().NoError(err)
	s.NotEmpty(events)
	for _, e := range events {
		for _, field := range []string{e.Subject, e.SubjectIDHash, e.Reason, e.Decision} {
			s.False(strings.Contains(field, testSubject), "audit field leaked subject id: %q", field)
			s.False(strings.Contains(field, "9876546789"), "audit field leaked contact: %q", field)
		}
	}
}
