package store

import (
	"context"
	"sync"
	"time"

	"rentkyc/internal/verification/models"
	"rentkyc/pkg/platform/sentinel"
)

// DefaultRetention is how long terminal sessions are kept before eviction.
const DefaultRetention = 15 * time.Minute

type entry struct {
	mu      sync.Mutex
	session *models.Session
}

// InMemoryStore keeps sessions in process memory.
//
// The store-level RWMutex only guards map membership (sessions and the
// subject index). Read-modify-write on a session holds that session's entry
// mutex, so mutations of different correlation ids never contend.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	bySubject map[string]string
	retention time.Duration
}

type Option func(*options)

type options struct {
	retention time.Duration
}

// WithRetention sets how long terminal sessions survive before Expire evicts them.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{retention: DefaultRetention}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewInMemoryStore(opts ...Option) *InMemoryStore {
	o := buildOptions(opts)
	return &InMemoryStore{
		sessions:  make(map[string]*entry),
		bySubject: make(map[string]string),
		retention: o.retention,
	}
}

// Create inserts a new session at version 1. It fails with ErrAlreadyUsed if
// the correlation id exists and ErrConflict if the subject already has a
// live session.
func (s *InMemoryStore) Create(_ context.Context, session *models.Session) error {
	if session == nil || session.CorrelationID == "" {
		return sentinel.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.CorrelationID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	if id, ok := s.bySubject[session.SubjectKey]; ok {
		if e, ok := s.sessions[id]; ok {
			e.mu.Lock()
			live := e.session.IsLiveAt(session.CreatedAt)
			e.mu.Unlock()
			if live {
				return sentinel.ErrConflict
			}
		}
	}

	stored := session.WithoutResult()
	stored.Version = 1
	session.Version = 1
	s.sessions[stored.CorrelationID] = &entry{session: stored}
	if stored.State.IsLive() {
		s.bySubject[stored.SubjectKey] = stored.CorrelationID
	}
	return nil
}

// Get returns a copy of the session.
func (s *InMemoryStore) Get(_ context.Context, correlationID string) (*models.Session, error) {
	e, ok := s.lookup(correlationID)
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.WithoutResult(), nil
}

// FindLiveBySubject returns the subject's session if it is still live at now.
func (s *InMemoryStore) FindLiveBySubject(_ context.Context, subjectKey string, now time.Time) (*models.Session, error) {
	s.mu.RLock()
	id, ok := s.bySubject[subjectKey]
	var e *entry
	if ok {
		e, ok = s.sessions[id]
	}
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.session.IsLiveAt(now) {
		return nil, sentinel.ErrNotFound
	}
	return e.session.WithoutResult(), nil
}

// Update applies mutate to a copy of the session at expectedVersion and
// stores the result at the next version. A version mismatch is ErrConflict;
// an error from mutate aborts the update and is returned unchanged. The
// returned session still carries anything mutate attached to Result.
func (s *InMemoryStore) Update(_ context.Context, correlationID string, expectedVersion int64, mutate func(*models.Session) error) (*models.Session, error) {
	e, ok := s.lookup(correlationID)
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	e.mu.Lock()
	if e.session.Version != expectedVersion {
		e.mu.Unlock()
		return nil, sentinel.ErrConflict
	}
	next := e.session.WithoutResult()
	if err := mutate(next); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	next.Version = expectedVersion + 1
	e.session = next.WithoutResult()
	live := next.State.IsLive()
	e.mu.Unlock()

	if !live {
		s.unindex(next.SubjectKey, next.CorrelationID)
	}
	return next, nil
}

// Expire moves live sessions past ExpiresAt to StateExpired and evicts
// terminal sessions older than the retention window.
func (s *InMemoryStore) Expire(_ context.Context, now time.Time) (models.ExpireResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result models.ExpireResult
	for id, e := range s.sessions {
		e.mu.Lock()
		sess := e.session
		switch {
		case sess.IsExpiredAt(now):
			next := sess.WithoutResult()
			if err := next.MarkExpired(now); err == nil {
				next.Version++
				e.session = next
				result.Expired = append(result.Expired, next.WithoutResult())
				if s.bySubject[next.SubjectKey] == id {
					delete(s.bySubject, next.SubjectKey)
				}
			}
		case sess.EvictableAt(now, s.retention):
			delete(s.sessions, id)
			if s.bySubject[sess.SubjectKey] == id {
				delete(s.bySubject, sess.SubjectKey)
			}
			result.Evicted++
		}
		e.mu.Unlock()
	}
	return result, nil
}

// Len reports how many sessions are held, terminal ones included.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *InMemoryStore) lookup(correlationID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[correlationID]
	return e, ok
}

func (s *InMemoryStore) unindex(subjectKey, correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bySubject[subjectKey] == correlationID {
		delete(s.bySubject, subjectKey)
	}
}
