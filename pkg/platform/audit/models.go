package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose so sinks can
// apply different retention and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance, such as a
	// verified identity being released to the registration flow.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to abuse monitoring: rejected
	// codes, exhausted attempts, superseded sessions.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity that can be sampled.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. It is
// transport-agnostic and never carries raw subject ids or contact values:
// Subject is the verification correlation id and SubjectIDHash the SHA-256 of
// the document number.
type Event struct {
	Category      EventCategory
	Timestamp     time.Time
	Subject       string
	SubjectIDHash string
	Action        string
	Decision      string
	Reason        string
	RequestID     string
}

type AuditEvent string

const (
	EventVerificationStarted    AuditEvent = "verification_started"
	EventVerificationResent     AuditEvent = "verification_code_resent"
	EventVerificationRejected   AuditEvent = "verification_code_rejected"
	EventVerificationSucceeded  AuditEvent = "verification_succeeded"
	EventVerificationFailed     AuditEvent = "verification_failed"
	EventVerificationExpired    AuditEvent = "verification_expired"
	EventVerificationSuperseded AuditEvent = "verification_superseded"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventVerificationSucceeded: CategoryCompliance,

	EventVerificationRejected:   CategorySecurity,
	EventVerificationFailed:     CategorySecurity,
	EventVerificationSuperseded: CategorySecurity,

	EventVerificationStarted: CategoryOperations,
	EventVerificationResent:  CategoryOperations,
	EventVerificationExpired: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySubject(ctx context.Context, subject string) ([]Event, error)
}
