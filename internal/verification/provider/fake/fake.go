// Package fake is an in-process provider.Provider for tests and local
// development. It accepts one configurable code, issues UUID correlation ids
// and can be told to fail or stall on demand.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"rentkyc/internal/verification/models"
	"rentkyc/internal/verification/provider"
	"rentkyc/pkg/platform/privacy"
)

const (
	ProviderID = "fake"

	DefaultCode    = "123456"
	DefaultContact = "9876546789"
)

// Operation names a provider call for failure injection and call counting.
type Operation string

const (
	OpStart  Operation = "start"
	OpResend Operation = "resend"
	OpSubmit Operation = "submit"
)

type correlation struct {
	subjectID string
	used      bool
}

// Provider is safe for concurrent use.
type Provider struct {
	mu       sync.Mutex
	code     string
	contact  string
	attrs    models.IdentityAttributes
	latency  time.Duration
	newID    func() string
	rejected map[string]bool
	pending  map[Operation][]provider.Category
	calls    map[Operation]int
	issued   map[string]*correlation
}

type Option func(*Provider)

// WithCode sets the only code Submit accepts.
func WithCode(code string) Option {
	return func(p *Provider) {
		p.code = code
	}
}

// WithContact sets the unmasked contact the provider "delivers" to.
func WithContact(contact string) Option {
	return func(p *Provider) {
		p.contact = contact
	}
}

func WithAttributes(attrs models.IdentityAttributes) Option {
	return func(p *Provider) {
		p.attrs = attrs
	}
}

// WithLatency delays every call. A context deadline shorter than the delay
// yields provider_unavailable, like a real upstream timeout.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) {
		p.latency = d
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(p *Provider) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// WithRejectedSubject makes Start refuse subjectID with provider_rejected.
func WithRejectedSubject(subjectID string) Option {
	return func(p *Provider) {
		p.rejected[subjectID] = true
	}
}

func New(opts ...Option) *Provider {
	p := &Provider{
		code:    DefaultCode,
		contact: DefaultContact,
		attrs: models.IdentityAttributes{
			Name:    "Test Subject",
			DOB:     "1990-01-01",
			Gender:  "M",
			Address: "1 Test Street, Pune, Maharashtra, India",
		},
		newID:    uuid.NewString,
		rejected: make(map[string]bool),
		pending:  make(map[Operation][]provider.Category),
		calls:    make(map[Operation]int),
		issued:   make(map[string]*correlation),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FailNext queues a failure for the next call of op. Queued failures are
// consumed in order, one per call.
func (p *Provider) FailNext(op Operation, category provider.Category) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[op] = append(p.pending[op], category)
}

// Calls reports how many times op reached the provider.
func (p *Provider) Calls(op Operation) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Forget drops a correlation id as if the upstream lost it.
func (p *Provider) Forget(correlationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.issued, correlationID)
}

func (p *Provider) Start(ctx context.Context, subjectID string) (*provider.StartResult, error) {
	if err := p.enter(ctx, OpStart); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejected[subjectID] {
		return nil, provider.NewError(provider.CategoryRejected, ProviderID, "subject has no linked contact", nil)
	}
	id := p.newID()
	p.issued[id] = &correlation{subjectID: subjectID}
	return &provider.StartResult{
		CorrelationID: id,
		MaskedContact: privacy.MaskContact(p.contact),
	}, nil
}

func (p *Provider) Resend(ctx context.Context, correlationID string) (*provider.ResendResult, error) {
	if err := p.enter(ctx, OpResend); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.issued[correlationID]
	if !ok || c.used {
		return nil, provider.NewError(provider.CategoryUnknownCorrelation, ProviderID, "unknown correlation id", nil)
	}
	return &provider.ResendResult{MaskedContact: privacy.MaskContact(p.contact)}, nil
}

func (p *Provider) Submit(ctx context.Context, correlationID, code string) (*models.IdentityAttributes, error) {
	if err := p.enter(ctx, OpSubmit); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.issued[correlationID]
	if !ok || c.used {
		return nil, provider.NewError(provider.CategoryUnknownCorrelation, ProviderID, "unknown correlation id", nil)
	}
	if code != p.code {
		return nil, provider.NewError(provider.CategoryInvalidCode, ProviderID, "code rejected", nil)
	}
	c.used = true
	attrs := p.attrs
	attrs.Contact = privacy.MaskContact(p.contact)
	return &attrs, nil
}

// enter counts the call, applies latency and pops any queued failure.
func (p *Provider) enter(ctx context.Context, op Operation) error {
	p.mu.Lock()
	p.calls[op]++
	latency := p.latency
	var injected provider.Category
	if q := p.pending[op]; len(q) > 0 {
		injected = q[0]
		p.pending[op] = q[1:]
	}
	p.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return provider.NewError(provider.CategoryUnavailable, ProviderID, "timeout", ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return provider.NewError(provider.CategoryUnavailable, ProviderID, "canceled", err)
	}
	if injected != "" {
		return provider.NewError(injected, ProviderID, "injected failure", nil)
	}
	return nil
}
