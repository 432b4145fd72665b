package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"rentkyc/internal/verification/models"
	"rentkyc/pkg/platform/sentinel"
)

const (
	sessionKeyPrefix = "verify:session:"
	subjectKeyPrefix = "verify:subject:"

	scanBatch = 100
	minKeyTTL = time.Second
)

// LatencyObserver receives per-operation store latencies.
type LatencyObserver interface {
	ObserveStoreLatency(operation string, d time.Duration)
}

// RedisStore keeps sessions in Redis so several gateway instances can share
// them. Read-modify-write uses WATCH/MULTI; a lost race surfaces as
// sentinel.ErrConflict.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	observer  LatencyObserver
	now       func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

func WithLatencyObserver(o LatencyObserver) RedisOption {
	return func(r *RedisStore) {
		r.observer = o
	}
}

// WithClock sets the clock used to derive key TTLs.
func WithClock(now func() time.Time) RedisOption {
	return func(r *RedisStore) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRedis(client *redis.Client, retention time.Duration, opts ...RedisOption) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	r := &RedisStore{
		client:    client,
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sessionKey(correlationID string) string { return sessionKeyPrefix + correlationID }
func subjectKey(key string) string           { return subjectKeyPrefix + key }

func (r *RedisStore) Create(ctx context.Context, session *models.Session) error {
	defer r.observe("create", time.Now())
	if session == nil || session.CorrelationID == "" {
		return sentinel.ErrInvalidState
	}
	sKey := sessionKey(session.CorrelationID)
	idxKey := subjectKey(session.SubjectKey)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, sKey).Result()
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if exists > 0 {
			return sentinel.ErrAlreadyUsed
		}

		currentID, err := tx.Get(ctx, idxKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("read subject index: %w", err)
		default:
			existing, err := load(ctx, tx, currentID)
			if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
				return err
			}
			if existing != nil && existing.IsLiveAt(session.CreatedAt) {
				return sentinel.ErrConflict
			}
		}

		stored := session.WithoutResult()
		stored.Version = 1
		payload, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sKey, payload, r.sessionTTL(stored))
			if stored.State.IsLive() {
				pipe.Set(ctx, idxKey, stored.CorrelationID, r.indexTTL(stored))
			}
			return nil
		})
		return err
	}, sKey, idxKey)
	if errors.Is(err, redis.TxFailedErr) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return err
	}
	session.Version = 1
	return nil
}

func (r *RedisStore) Get(ctx context.Context, correlationID string) (*models.Session, error) {
	defer r.observe("get", time.Now())
	return load(ctx, r.client, correlationID)
}

func (r *RedisStore) FindLiveBySubject(ctx context.Context, key string, now time.Time) (*models.Session, error) {
	defer r.observe("find_live_by_subject", time.Now())
	id, err := r.client.Get(ctx, subjectKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read subject index: %w", err)
	}
	session, err := load(ctx, r.client, id)
	if err != nil {
		return nil, err
	}
	if !session.IsLiveAt(now) {
		return nil, sentinel.ErrNotFound
	}
	return session, nil
}

func (r *RedisStore) Update(ctx context.Context, correlationID string, expectedVersion int64, mutate func(*models.Session) error) (*models.Session, error) {
	defer r.observe("update", time.Now())
	var out *models.Session
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		next, err := r.mutateInTx(ctx, tx, correlationID, expectedVersion, mutate)
		if err != nil {
			return err
		}
		out = next
		return nil
	}, sessionKey(correlationID))
	if errors.Is(err, redis.TxFailedErr) {
		return nil, sentinel.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// mutateInTx loads, checks the version, applies mutate and queues the write.
// The subject index key is watched once the subject is known.
func (r *RedisStore) mutateInTx(ctx context.Context, tx *redis.Tx, correlationID string, expectedVersion int64, mutate func(*models.Session) error) (*models.Session, error) {
	current, err := load(ctx, tx, correlationID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, sentinel.ErrConflict
	}
	idxKey := subjectKey(current.SubjectKey)
	if err := tx.Watch(ctx, idxKey).Err(); err != nil {
		return nil, fmt.Errorf("watch subject index: %w", err)
	}
	indexed, err := tx.Get(ctx, idxKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read subject index: %w", err)
	}

	next := current.WithoutResult()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1

	payload, err := json.Marshal(next.WithoutResult())
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(correlationID), payload, r.sessionTTL(next))
		if !next.State.IsLive() && indexed == correlationID {
			pipe.Del(ctx, idxKey)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Expire scans session keys. Live sessions past ExpiresAt are marked expired
// under WATCH; sessions that lose a race are left for the next sweep.
// Terminal sessions past retention are deleted, although their key TTL would
// remove them shortly anyway.
func (r *RedisStore) Expire(ctx context.Context, now time.Time) (models.ExpireResult, error) {
	defer r.observe("expire", time.Now())
	var result models.ExpireResult
	iter := r.client.Scan(ctx, 0, sessionKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		id := iter.Val()[len(sessionKeyPrefix):]
		session, err := load(ctx, r.client, id)
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return result, err
		}
		switch {
		case session.IsExpiredAt(now):
			expired, err := r.Update(ctx, id, session.Version, func(s *models.Session) error {
				return s.MarkExpired(now)
			})
			if err != nil {
				if errors.Is(err, sentinel.ErrConflict) || errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, models.ErrInvalidTransition) {
					continue
				}
				return result, err
			}
			result.Expired = append(result.Expired, expired)
		case session.EvictableAt(now, r.retention):
			if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
				return result, fmt.Errorf("evict session: %w", err)
			}
			result.Evicted++
		}
	}
	if err := iter.Err(); err != nil {
		return result, fmt.Errorf("scan sessions: %w", err)
	}
	return result, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, c getter, correlationID string) (*models.Session, error) {
	raw, err := c.Get(ctx, sessionKey(correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

// sessionTTL keeps the record until retention has elapsed after it ended, or
// after it would have expired if it is still live.
func (r *RedisStore) sessionTTL(s *models.Session) time.Duration {
	end := s.ExpiresAt
	if s.TerminalAt != nil {
		end = *s.TerminalAt
	}
	return max(end.Add(r.retention).Sub(r.now()), minKeyTTL)
}

func (r *RedisStore) indexTTL(s *models.Session) time.Duration {
	return max(s.ExpiresAt.Sub(r.now()), minKeyTTL)
}

func (r *RedisStore) observe(op string, start time.Time) {
	if r.observer != nil {
		r.observer.ObserveStoreLatency(op, time.Since(start))
	}
}
