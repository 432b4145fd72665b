package provider

import (
	"errors"
	"fmt"
)

// Category is the normalized provider failure taxonomy.
type Category string

const (
	// CategoryInvalidSubject: the provider refused the subject id format.
	CategoryInvalidSubject Category = "invalid_subject"

	// CategoryUnavailable: transport failure, timeout, 5xx, open circuit or a
	// malformed success payload. The only retryable category.
	CategoryUnavailable Category = "provider_unavailable"

	// CategoryRejected: the provider understood the request and refused it,
	// e.g. no record or no linked mobile number for the subject.
	CategoryRejected Category = "provider_rejected"

	// CategoryConfig: missing or refused credentials.
	CategoryConfig Category = "config_error"

	// CategoryUnknownCorrelation: the provider does not know the correlation id.
	CategoryUnknownCorrelation Category = "unknown_correlation"

	// CategoryRateLimited: the provider throttled delivery.
	CategoryRateLimited Category = "rate_limited"

	// CategoryInvalidCode: wrong OTP.
	CategoryInvalidCode Category = "invalid_code"

	// CategoryExpired: the provider-side OTP or session timed out.
	CategoryExpired Category = "expired"
)

// Error wraps provider failures with a normalized category. Message is a
// fixed, PII-free description; provider payloads never end up here.
type Error struct {
	Category   Category
	ProviderID string
	Message    string
	Underlying error
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("provider %s [%s]: %s: %v", e.ProviderID, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("provider %s [%s]: %s", e.ProviderID, e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// NewError creates a normalized provider error.
func NewError(category Category, providerID, message string, underlying error) *Error {
	return &Error{
		Category:   category,
		ProviderID: providerID,
		Message:    message,
		Underlying: underlying,
	}
}

// IsRetryable reports whether the caller may safely repeat the request.
func IsRetryable(err error) bool {
	return CategoryOf(err) == CategoryUnavailable
}

// CategoryOf extracts the category from err. Errors that did not come from a
// provider are treated as unavailable: nothing is assumed to have happened
// upstream.
func CategoryOf(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryUnavailable
}
