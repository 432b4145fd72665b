// Package surepass implements provider.Provider against the Surepass Aadhaar
// v2 OTP API. Every quirk of the upstream envelope (inconsistent success
// flags, optional fields, message codes vs. free text) is resolved here so
// nothing above this package string-matches provider responses.
package surepass

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"rentkyc/internal/verification/models"
	"rentkyc/internal/verification/provider"
	"rentkyc/pkg/platform/circuit"
	"rentkyc/pkg/platform/privacy"
)

const (
	ProviderID = "surepass"

	DefaultBaseURL = "https://api.surepass.io"
	DefaultTimeout = 5 * time.Second

	generateOTPPath = "/api/v1/aadhaar-v2/generate-otp"
	resendOTPPath   = "/api/v1/aadhaar-v2/resend-otp"
	submitOTPPath   = "/api/v1/aadhaar-v2/submit-otp"

	// maxResponseBytes bounds how much of an upstream body is read.
	maxResponseBytes = 1 << 20
)

// ErrMissingAPIKey is returned by New when no credential is configured.
var ErrMissingAPIKey = provider.NewError(provider.CategoryConfig, ProviderID, "api key not configured", nil)

// Client is a stateless, concurrency-safe Surepass adapter.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *circuit.Breaker
	logger     *slog.Logger
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithTimeout bounds every upstream call; on expiry the call is reported as
// provider_unavailable.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(c *Client) {
		if b != nil {
			c.breaker = b
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a client. A missing API key is a configuration error surfaced at
// construction, never at request time.
func New(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		timeout:    DefaultTimeout,
		httpClient: &http.Client{},
		breaker:    circuit.New(ProviderID),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// envelope is the common Surepass response wrapper.
type envelope struct {
	Success     *bool           `json:"success"`
	StatusCode  int             `json:"status_code"`
	Message     string          `json:"message"`
	MessageCode string          `json:"message_code"`
	Data        json.RawMessage `json:"data"`
}

type generateData struct {
	ClientID     string `json:"client_id"`
	MobileNumber string `json:"mobile_number"`
	OTPSent      *bool  `json:"otp_sent"`
	ValidAadhaar *bool  `json:"valid_aadhaar"`
}

type submitData struct {
	ClientID     string          `json:"client_id"`
	FullName     string          `json:"full_name"`
	Name         string          `json:"name"`
	DOB          string          `json:"dob"`
	Gender       string          `json:"gender"`
	Address      json.RawMessage `json:"address"`
	MobileNumber string          `json:"mobile_number"`
}

// Start calls generate-otp.
func (c *Client) Start(ctx context.Context, subjectID string) (*provider.StartResult, error) {
	status, body, err := c.post(ctx, "start", generateOTPPath, map[string]string{"id_number": subjectID})
	if err != nil {
		return nil, err
	}
	return parseStartResponse(status, body)
}

// Resend re-triggers delivery for an existing client_id.
func (c *Client) Resend(ctx context.Context, correlationID string) (*provider.ResendResult, error) {
	status, body, err := c.post(ctx, "resend", resendOTPPath, map[string]string{"client_id": correlationID})
	if err != nil {
		return nil, err
	}
	return parseResendResponse(status, body)
}

// Submit calls submit-otp.
func (c *Client) Submit(ctx context.Context, correlationID, code string) (*models.IdentityAttributes, error) {
	status, body, err := c.post(ctx, "submit", submitOTPPath, map[string]string{"client_id": correlationID, "otp": code})
	if err != nil {
		return nil, err
	}
	return parseSubmitResponse(status, body)
}

// post performs one bounded upstream call. Only transport-level outcomes are
// decided here; envelope interpretation belongs to the parse functions.
func (c *Client) post(ctx context.Context, op, path string, payload any) (int, []byte, error) {
	if !c.breaker.Allow() {
		c.logger.WarnContext(ctx, "provider circuit open", "provider", ProviderID, "operation", op)
		return 0, nil, provider.NewError(provider.CategoryUnavailable, ProviderID, "circuit open", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, provider.NewError(provider.CategoryUnavailable, ProviderID, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, provider.NewError(provider.CategoryConfig, ProviderID, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		c.recordFailure(ctx, op)
		msg := "transport error"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "timeout"
		}
		c.logger.WarnContext(ctx, "provider call failed",
			"provider", ProviderID,
			"operation", op,
			"reason", msg,
			"latency_ms", latency.Milliseconds(),
		)
		return 0, nil, provider.NewError(provider.CategoryUnavailable, ProviderID, msg, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.recordFailure(ctx, op)
		return 0, nil, provider.NewError(provider.CategoryUnavailable, ProviderID, "read response", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.recordFailure(ctx, op)
	} else {
		c.breaker.RecordSuccess()
	}
	c.logger.DebugContext(ctx, "provider call completed",
		"provider", ProviderID,
		"operation", op,
		"status", resp.StatusCode,
		"latency_ms", latency.Milliseconds(),
	)
	return resp.StatusCode, body, nil
}

func (c *Client) recordFailure(ctx context.Context, op string) {
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.ErrorContext(ctx, "provider circuit opened", "provider", ProviderID, "operation", op)
	}
}

// transportCategory classifies statuses that mean the same thing for every
// operation. ok=false means the envelope must be inspected.
func transportCategory(status int) (provider.Category, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provider.CategoryConfig, true
	case status == http.StatusTooManyRequests:
		return provider.CategoryRateLimited, true
	case status >= http.StatusInternalServerError:
		return provider.CategoryUnavailable, true
	}
	return "", false
}

func decodeEnvelope(status int, body []byte) (*envelope, error) {
	if category, ok := transportCategory(status); ok {
		return nil, provider.NewError(category, ProviderID, fmt.Sprintf("upstream status %d", status), nil)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, provider.NewError(provider.CategoryUnavailable, ProviderID, "malformed response", err)
	}
	return &env, nil
}

// succeeded treats a response as successful only when both the HTTP status
// and the envelope agree and data is present; Surepass has been seen to send
// success=true with an error status_code and vice versa.
func (e *envelope) succeeded(status int) bool {
	if e.Success == nil || !*e.Success {
		return false
	}
	if status < 200 || status > 299 {
		return false
	}
	if e.StatusCode != 0 && (e.StatusCode < 200 || e.StatusCode > 299) {
		return false
	}
	return len(e.Data) > 0 && string(e.Data) != "null"
}

// reason is the lower-cased message code, falling back to the message text.
func (e *envelope) reason() string {
	if e.MessageCode != "" {
		return strings.ToLower(e.MessageCode)
	}
	return strings.ToLower(e.Message)
}

func matchesAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func parseStartResponse(status int, body []byte) (*provider.StartResult, error) {
	env, err := decodeEnvelope(status, body)
	if err != nil {
		return nil, err
	}
	if !env.succeeded(status) {
		reason := env.reason()
		switch {
		case matchesAny(reason, "invalid_aadhaar", "invalid aadhaar", "invalid_id_number", "invalid id number"):
			return nil, provider.NewError(provider.CategoryInvalidSubject, ProviderID, "subject rejected as malformed", nil)
		case matchesAny(reason, "otp_already_sent", "rate", "too many", "wait"):
			return nil, provider.NewError(provider.CategoryRateLimited, ProviderID, "delivery throttled", nil)
		default:
			return nil, provider.NewError(provider.CategoryRejected, ProviderID, "subject rejected", nil)
		}
	}

	var data generateData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, provider.NewError(provider.CategoryUnavailable, ProviderID, "malformed data", err)
	}
	if data.ValidAadhaar != nil && !*data.ValidAadhaar {
		return nil, provider.NewError(provider.CategoryRejected, ProviderID, "subject not valid", nil)
	}
	if data.OTPSent != nil && !*data.OTPSent {
		return nil, provider.NewError(provider.CategoryRejected, ProviderID, "no delivery target for subject", nil)
	}
	if data.ClientID == "" {
		return nil, provider.NewError(provider.CategoryUnavailable, ProviderID, "missing client_id", nil)
	}
	return &provider.StartResult{
		CorrelationID: data.ClientID,
		MaskedContact: privacy.MaskContact(data.MobileNumber),
	}, nil
}

func parseResendResponse(status int, body []byte) (*provider.ResendResult, error) {
	env, err := decodeEnvelope(status, body)
	if err != nil {
		return nil, err
	}
	if !env.succeeded(status) {
		reason := env.reason()
		switch {
		case matchesAny(reason, "client_id", "client id", "not found", "invalid_request"):
			return nil, provider.NewError(provider.CategoryUnknownCorrelation, ProviderID, "unknown client id", nil)
		case matchesAny(reason, "otp_already_sent", "rate", "too many", "limit", "wait"):
			return nil, provider.NewError(provider.CategoryRateLimited, ProviderID, "delivery throttled", nil)
		case matchesAny(reason, "expired", "timeout"):
			return nil, provider.NewError(provider.CategoryExpired, ProviderID, "upstream session expired", nil)
		default:
			return nil, provider.NewError(provider.CategoryUnavailable, ProviderID, "resend not acknowledged", nil)
		}
	}
	var data generateData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, provider.NewError(provider.CategoryUnavailable, ProviderID, "malformed data", err)
	}
	masked := ""
	if data.MobileNumber != "" {
		masked = privacy.MaskContact(data.MobileNumber)
	}
	return &provider.ResendResult{MaskedContact: masked}, nil
}

func parseSubmitResponse(status int, body []byte) (*models.IdentityAttributes, error) {
	env, err := decodeEnvelope(status, body)
	if err != nil {
		return nil, err
	}
	if !env.succeeded(status) {
		reason := env.reason()
		switch {
		case matchesAny(reason, "expired", "timeout", "session_timed_out"):
			return nil, provider.NewError(provider.CategoryExpired, ProviderID, "code expired", nil)
		case matchesAny(reason, "client_id", "client id", "not found"):
			return nil, provider.NewError(provider.CategoryUnknownCorrelation, ProviderID, "unknown client id", nil)
		default:
			return nil, provider.NewError(provider.CategoryInvalidCode, ProviderID, "code rejected", nil)
		}
	}

	var data submitData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, provider.NewError(provider.CategoryUnavailable, ProviderID, "malformed data", err)
	}
	name := data.FullName
	if name == "" {
		name = data.Name
	}
	if name == "" {
		return nil, provider.NewError(provider.CategoryUnavailable, ProviderID, "missing identity attributes", nil)
	}
	return &models.IdentityAttributes{
		Name:    name,
		DOB:     data.DOB,
		Gender:  data.Gender,
		Address: formatAddress(data.Address),
		Contact: privacy.MaskContact(data.MobileNumber),
	}, nil
}

// addressParts lists structured address fields in postal order.
var addressParts = []string{"house", "street", "landmark", "loc", "vtc", "po", "subdist", "dist", "state", "zip", "country"}

// formatAddress accepts either a plain string or Surepass's structured address
// object and renders a single line.
func formatAddress(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var line string
	if err := json.Unmarshal(raw, &line); err == nil {
		return strings.TrimSpace(line)
	}
	var parts map[string]any
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	out := make([]string, 0, len(addressParts))
	for _, key := range addressParts {
		v, ok := parts[key]
		if !ok {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" && s != "<nil>" {
			out = append(out, s)
		}
	}
	return strings.Join(out, ", ")
}
