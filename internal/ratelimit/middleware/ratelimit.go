// Package middleware throttles verification traffic per client IP in front
// of the handlers. The per-subject start limit lives in the service.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"rentkyc/internal/ratelimit/store/bucket"
	dErrors "rentkyc/pkg/domain-errors"
	"rentkyc/pkg/platform/circuit"
	"rentkyc/pkg/platform/httputil"
	"rentkyc/pkg/requestcontext"
)

// StatusHeader is set to "degraded" while the in-memory fallback is serving.
const StatusHeader = "X-RateLimit-Status"

// Limiter is a sliding-window counter backend.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*bucket.Result, error)
}

// Middleware applies a per-IP limit. When the primary backend keeps failing
// the breaker opens and an in-memory fallback takes over.
type Middleware struct {
	primary  Limiter
	fallback Limiter
	breaker  *circuit.Breaker
	logger   *slog.Logger
	limit    int
	window   time.Duration
	disabled bool
}

type Option func(*Middleware)

// WithDisabled turns limiting off entirely (local runs and tests).
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

// WithFallback sets the limiter used while the primary is failing.
func WithFallback(l Limiter) Option {
	return func(m *Middleware) {
		m.fallback = l
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(m *Middleware) {
		m.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func New(primary Limiter, limit int, window time.Duration, opts ...Option) *Middleware {
	m := &Middleware{
		primary: primary,
		limit:   limit,
		window:  window,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.fallback == nil {
		m.fallback = bucket.NewInMemoryBucketStore()
	}
	if m.breaker == nil {
		m.breaker = circuit.New("ratelimit")
	}
	if m.disabled {
		m.logger.Info("rate limiting disabled")
	}
	return m
}

// PerIP limits requests per client IP within class, e.g. "verification".
func (m *Middleware) PerIP(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled || m.limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			key := "ip:" + class + ":" + requestcontext.ClientIP(ctx)
			result, degraded, err := m.check(ctx, key)
			if err != nil {
				m.logger.ErrorContext(ctx, "rate limit check failed",
					"request_id", requestcontext.RequestID(ctx),
					"error", err,
				)
				next.ServeHTTP(w, r)
				return
			}

			addRateLimitHeaders(w, result)
			if degraded {
				w.Header().Set(StatusHeader, "degraded")
			}
			if !result.Allowed {
				writeRateLimitExceeded(w, result)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Middleware) check(ctx context.Context, key string) (*bucket.Result, bool, error) {
	if m.breaker.Allow() {
		result, err := m.primary.Allow(ctx, key, m.limit, m.window)
		if err == nil {
			if _, change := m.breaker.RecordSuccess(); change.Closed {
				m.logger.InfoContext(ctx, "rate limit backend recovered")
			}
			if !m.breaker.IsOpen() {
				return result, false, nil
			}
		} else {
			useFallback, change := m.breaker.RecordFailure()
			if change.Opened {
				m.logger.WarnContext(ctx, "rate limit backend failing, using in-memory fallback", "error", err)
			}
			if !useFallback {
				return nil, false, err
			}
		}
	}
	result, err := m.fallback.Allow(ctx, key, m.limit, m.window)
	return result, true, err
}

func addRateLimitHeaders(w http.ResponseWriter, result *bucket.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func writeRateLimitExceeded(w http.ResponseWriter, result *bucket.Result) {
	retryAfter := max(int(time.Until(result.ResetAt).Seconds()+0.5), 1)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many requests, try again later"))
}
