package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"rentkyc/internal/ratelimit/store/bucket"
	"rentkyc/internal/verification/models"
	"rentkyc/pkg/platform/audit"
)

// Store persists sessions. Implementations return sentinel.ErrNotFound,
// sentinel.ErrConflict and sentinel.ErrAlreadyUsed.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, correlationID string) (*models.Session, error)
	FindLiveBySubject(ctx context.Context, subjectKey string, now time.Time) (*models.Session, error)
	Update(ctx context.Context, correlationID string, expectedVersion int64, mutate func(*models.Session) error) (*models.Session, error)
	Expire(ctx context.Context, now time.Time) (models.ExpireResult, error)
}

// StartLimiter throttles Start per subject.
type StartLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*bucket.Result, error)
}

// AuditPublisher records verification events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}
