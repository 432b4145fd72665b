// Package provider isolates the external identity-verification provider
// behind three stateless operations. Implementations normalize the
// provider's response shape and failure modes into the closed Category set
// in errors.go and hold no session state between calls.
package provider

import (
	"context"

	"rentkyc/internal/verification/models"
)

// StartResult is the provider's answer to a start request.
type StartResult struct {
	CorrelationID string
	MaskedContact string
}

// ResendResult is the provider's answer to a resend request.
type ResendResult struct {
	MaskedContact string
}

// Provider is implemented by every verification backend.
type Provider interface {
	// Start triggers out-of-band code delivery for an already validated
	// 12-digit subject id and returns the provider's correlation id.
	Start(ctx context.Context, subjectID string) (*StartResult, error)

	// Resend re-triggers delivery for an existing correlation id. No new
	// correlation id is issued.
	Resend(ctx context.Context, correlationID string) (*ResendResult, error)

	// Submit exchanges a code for identity attributes. A correlation id that
	// has produced attributes must not be submitted again.
	Submit(ctx context.Context, correlationID, code string) (*models.IdentityAttributes, error)
}

// Unconfigured answers every call with err. It stands in for a backend whose
// credentials are missing so the server can still boot and report
// config_error instead of crashing.
func Unconfigured(err error) Provider {
	return unconfigured{err: err}
}

type unconfigured struct {
	err error
}

func (u unconfigured) Start(context.Context, string) (*StartResult, error) {
	return nil, u.err
}

func (u unconfigured) Resend(context.Context, string) (*ResendResult, error) {
	return nil, u.err
}

func (u unconfigured) Submit(context.Context, string, string) (*models.IdentityAttributes, error) {
	return nil, u.err
}
