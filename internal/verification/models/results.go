package models

import "time"

// IdentityAttributes is the provider's verified identity snapshot.
type IdentityAttributes struct {
	Name    string `json:"name"`
	DOB     string `json:"dob"`
	Gender  string `json:"gender"`
	Address string `json:"address"`
	Contact string `json:"contact"`
}

// StartResult is returned after a session is opened.
type StartResult struct {
	CorrelationID string
	MaskedContact string
	ExpiresAt     time.Time
}

// ResendResult is returned after a code is re-delivered.
type ResendResult struct {
	CorrelationID    string
	MaskedContact    string
	ResendsRemaining int
}

// SubmitResult carries the identity attributes, exactly once.
type SubmitResult struct {
	CorrelationID      string
	IdentityAttributes IdentityAttributes
}

// WizardStep is the registration wizard screen a client should show. It is
// derived from the authoritative session state, never tracked client-side.
type WizardStep string

const (
	StepAadhar   WizardStep = "aadhar"
	StepOTP      WizardStep = "otp"
	StepComplete WizardStep = "complete"
)

// StepFor maps a session state to the wizard step.
func StepFor(state State) WizardStep {
	switch state {
	case StateAwaitingCode:
		return StepOTP
	case StateVerified:
		return StepComplete
	default:
		return StepAadhar
	}
}

// StatusResult is a read-only view of a session. It never includes identity
// attributes.
type StatusResult struct {
	CorrelationID     string
	State             State
	Step              WizardStep
	MaskedContact     string
	AttemptsRemaining int
	ResendsRemaining  int
	ExpiresAt         time.Time
}

// ExpireResult reports what a sweep did. Expired holds the sessions moved to
// StateExpired by this sweep; evicted terminal sessions are only counted.
type ExpireResult struct {
	Expired []*Session
	Evicted int
}
