// Package sweeper periodically expires stale verification sessions, evicts
// terminal ones once their retention has passed and prunes idle in-memory
// throttle windows.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"rentkyc/internal/verification/models"
)

// DefaultInterval is how often a sweep runs when none is configured.
const DefaultInterval = time.Minute

// Sweepable is the slice of the verification service the sweeper drives.
type Sweepable interface {
	SweepExpired(ctx context.Context) (models.ExpireResult, error)
}

// Pruner drops idle state and reports how many entries it removed.
type Pruner interface {
	Prune(ctx context.Context) int
}

type Sweeper struct {
	target   Sweepable
	pruners  map[string]Pruner
	interval time.Duration
	logger   *slog.Logger
}

type Option func(*Sweeper)

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithPruner adds a named Pruner that runs on every tick.
func WithPruner(name string, p Pruner) Option {
	return func(s *Sweeper) {
		if p != nil {
			s.pruners[name] = p
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(target Sweepable, opts ...Option) *Sweeper {
	s := &Sweeper{
		target:   target,
		pruners:  make(map[string]Pruner),
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on every tick until ctx is cancelled. A failed sweep is logged
// and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "session sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "session sweeper stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and logs what it did.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	for name, p := range s.pruners {
		if removed := p.Prune(ctx); removed > 0 {
			s.logger.DebugContext(ctx, "pruned idle entries", "pruner", name, "removed", removed)
		}
	}

	start := time.Now()
	res, err := s.target.SweepExpired(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "session sweep failed",
			"error", err,
			"expired", len(res.Expired),
			"evicted", res.Evicted,
		)
		return
	}
	if len(res.Expired) == 0 && res.Evicted == 0 {
		return
	}
	s.logger.InfoContext(ctx, "session sweep completed",
		"expired", len(res.Expired),
		"evicted", res.Evicted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
