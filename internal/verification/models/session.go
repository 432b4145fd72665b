package models

import (
	"errors"
	"fmt"
	"time"
)

// State is the verification session lifecycle position.
type State string

const (
	StateStarted      State = "started"
	StateAwaitingCode State = "awaiting_code"
	StateVerified     State = "verified"
	StateExpired      State = "expired"
	StateFailed       State = "failed"
)

// IsLive reports whether the state still accepts provider calls.
func (s State) IsLive() bool {
	return s == StateStarted || s == StateAwaitingCode
}

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	return s == StateVerified || s == StateExpired || s == StateFailed
}

// FailureReason explains why a session ended in StateFailed.
type FailureReason string

const (
	FailureAttemptsExhausted FailureReason = "attempts_exhausted"
	FailureSuperseded        FailureReason = "superseded"
	FailureProviderRejected  FailureReason = "provider_rejected"
	FailureResendsExhausted  FailureReason = "resends_exhausted"
)

// ErrInvalidTransition is returned by transition methods when the session is
// not in a state that allows the requested move.
var ErrInvalidTransition = errors.New("invalid session transition")

// ErrSessionBusy is returned by Claim while another request holds an
// unexpired claim on the session.
var ErrSessionBusy = errors.New("session has a provider call in flight")

// Session is the unit of in-flight verification state, keyed by the
// provider-issued correlation id.
//
// Invariants:
//   - State only moves forward; AwaitingCode -> AwaitingCode (resend, rejected
//     code) is the only self-loop and nothing returns to Started.
//   - Result is attached once, on the transition into Verified, and is never
//     persisted (stores save WithoutResult).
//   - Sessions outside Started/AwaitingCode accept no provider calls.
//   - At most one Resend or Submit provider call is in flight per session:
//     the caller must hold the claim (ClaimToken) until the outcome is
//     recorded.
type Session struct {
	CorrelationID string        `json:"correlation_id"`
	SubjectID     string        `json:"subject_id"`
	SubjectKey    string        `json:"subject_key"`
	MaskedContact string        `json:"masked_contact"`
	State         State         `json:"state"`
	Attempts      int           `json:"attempts"`
	ResendCount   int           `json:"resend_count"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	Version       int64         `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	LastSentAt    time.Time     `json:"last_sent_at"`
	TerminalAt    *time.Time    `json:"terminal_at,omitempty"`
	ClaimToken    string        `json:"claim_token,omitempty"`
	ClaimedUntil  time.Time     `json:"claimed_until,omitzero"`

	Result *IdentityAttributes `json:"-"`
}

// NewSession builds a session in StateStarted for a normalized subject. The
// correlation id is unknown until the provider answers.
func NewSession(subject Subject, now time.Time, ttl time.Duration) *Session {
	return &Session{
		SubjectID:  subject.ID(),
		SubjectKey: subject.Key(),
		State:      StateStarted,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

// IsExpiredAt reports whether a live session has outlived ExpiresAt.
func (s *Session) IsExpiredAt(now time.Time) bool {
	return s.State.IsLive() && !now.Before(s.ExpiresAt)
}

// IsLiveAt reports whether the session can still progress at now.
func (s *Session) IsLiveAt(now time.Time) bool {
	return s.State.IsLive() && now.Before(s.ExpiresAt)
}

// Claim reserves the session for one provider call until now+lease. A claim
// left behind by a crashed request lapses after the lease.
func (s *Session) Claim(token string, now time.Time, lease time.Duration) error {
	if s.State != StateAwaitingCode {
		return s.transitionError(StateAwaitingCode)
	}
	if s.ClaimToken != "" && now.Before(s.ClaimedUntil) {
		return ErrSessionBusy
	}
	s.ClaimToken = token
	s.ClaimedUntil = now.Add(lease)
	return nil
}

// Release drops the claim if token still holds it.
func (s *Session) Release(token string) bool {
	if token == "" || s.ClaimToken != token {
		return false
	}
	s.ClaimToken = ""
	s.ClaimedUntil = time.Time{}
	return true
}

// MarkAwaitingCode records the provider's answer to Start.
func (s *Session) MarkAwaitingCode(correlationID, maskedContact string, now time.Time) error {
	if s.State != StateStarted {
		return s.transitionError(StateAwaitingCode)
	}
	s.CorrelationID = correlationID
	s.MaskedContact = maskedContact
	s.State = StateAwaitingCode
	s.LastSentAt = now
	return nil
}

// RecordResend counts a successful re-delivery.
func (s *Session) RecordResend(maskedContact string, now time.Time) error {
	if s.State != StateAwaitingCode {
		return s.transitionError(StateAwaitingCode)
	}
	s.ResendCount++
	s.LastSentAt = now
	if maskedContact != "" {
		s.MaskedContact = maskedContact
	}
	return nil
}

// RecordRejectedCode counts a wrong code. Reaching maxAttempts fails the
// session; the return value reports whether that happened.
func (s *Session) RecordRejectedCode(maxAttempts int, now time.Time) (bool, error) {
	if s.State != StateAwaitingCode {
		return false, s.transitionError(StateAwaitingCode)
	}
	s.Attempts++
	if s.Attempts >= maxAttempts {
		s.fail(FailureAttemptsExhausted, now)
		return true, nil
	}
	return false, nil
}

// MarkVerified attaches the identity attributes exactly once.
func (s *Session) MarkVerified(attrs IdentityAttributes, now time.Time) error {
	if s.State != StateAwaitingCode || s.Result != nil {
		return s.transitionError(StateVerified)
	}
	s.State = StateVerified
	s.Result = &attrs
	s.terminate(now)
	return nil
}

// MarkExpired moves a live session to StateExpired.
func (s *Session) MarkExpired(now time.Time) error {
	if !s.State.IsLive() {
		return s.transitionError(StateExpired)
	}
	s.State = StateExpired
	s.terminate(now)
	return nil
}

// MarkFailed moves a live session to StateFailed.
func (s *Session) MarkFailed(reason FailureReason, now time.Time) error {
	if !s.State.IsLive() {
		return s.transitionError(StateFailed)
	}
	s.fail(reason, now)
	return nil
}

// AttemptsRemaining is how many wrong codes the session can still absorb.
func (s *Session) AttemptsRemaining(maxAttempts int) int {
	return max(maxAttempts-s.Attempts, 0)
}

// ResendsRemaining is how many re-deliveries are still allowed.
func (s *Session) ResendsRemaining(maxResends int) int {
	return max(maxResends-s.ResendCount, 0)
}

// EvictableAt reports whether a terminal session has outlived its retention.
func (s *Session) EvictableAt(now time.Time, retention time.Duration) bool {
	return s.TerminalAt != nil && !now.Before(s.TerminalAt.Add(retention))
}

// WithoutResult returns a copy safe to persist: identity attributes are
// handed to the caller once and never stored.
func (s *Session) WithoutResult() *Session {
	cp := *s
	cp.Result = nil
	if s.TerminalAt != nil {
		t := *s.TerminalAt
		cp.TerminalAt = &t
	}
	return &cp
}

func (s *Session) fail(reason FailureReason, now time.Time) {
	s.State = StateFailed
	s.FailureReason = reason
	s.terminate(now)
}

func (s *Session) terminate(now time.Time) {
	t := now
	s.TerminalAt = &t
	s.ClaimToken = ""
	s.ClaimedUntil = time.Time{}
}

func (s *Session) transitionError(to State) error {
	return fmt.Errorf("%s -> %s: %w", s.State, to, ErrInvalidTransition)
}
