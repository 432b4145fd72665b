package surepass

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentkyc/internal/verification/provider"
	"rentkyc/pkg/platform/circuit"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL), WithLogger(quietLogger())}, opts...)
	c, err := New("test-key", opts...)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	t.Run("missing api key is a config error", func(t *testing.T) {
		c, err := New("  ")
		require.Error(t, err)
		assert.Nil(t, c)
		assert.Equal(t, provider.CategoryConfig, provider.CategoryOf(err))
	})

	t.Run("defaults applied", func(t *testing.T) {
		c, err := New("key")
		require.NoError(t, err)
		assert.Equal(t, DefaultBaseURL, c.baseURL)
		assert.Equal(t, DefaultTimeout, c.timeout)
	})
}

func TestClient_Start(t *testing.T) {
	t.Run("sends bearer token and subject, returns masked contact", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, generateOTPPath, r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "490987654321", body["id_number"])

			_, _ = w.Write([]byte(`{"success":true,"status_code":200,"message_code":"success",
				"data":{"client_id":"aadhaar_v2_abc","otp_sent":true,"valid_aadhaar":true,"mobile_number":"9876546789"}}`))
		})

		res, err := c.Start(context.Background(), "490987654321")
		require.NoError(t, err)
		assert.Equal(t, "aadhaar_v2_abc", res.CorrelationID)
		assert.Equal(t, "XXXXXX6789", res.MaskedContact)
	})

	t.Run("5xx is unavailable", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		_, err := c.Start(context.Background(), "490987654321")
		require.Error(t, err)
		assert.Equal(t, provider.CategoryUnavailable, provider.CategoryOf(err))
		assert.True(t, provider.IsRetryable(err))
	})

	t.Run("timeout is unavailable", func(t *testing.T) {
		release := make(chan struct{})
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}, WithTimeout(50*time.Millisecond))
		defer close(release)

		_, err := c.Start(context.Background(), "490987654321")
		require.Error(t, err)
		assert.Equal(t, provider.CategoryUnavailable, provider.CategoryOf(err))
	})

	t.Run("refused credentials are a config error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		_, err := c.Start(context.Background(), "490987654321")
		assert.Equal(t, provider.CategoryConfig, provider.CategoryOf(err))
	})

	t.Run("throttled upstream is rate limited", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
		_, err := c.Start(context.Background(), "490987654321")
		assert.Equal(t, provider.CategoryRateLimited, provider.CategoryOf(err))
	})

	t.Run("open circuit short-circuits without calling upstream", func(t *testing.T) {
		var calls atomic.Int32
		breaker := circuit.New(ProviderID, circuit.WithFailureThreshold(1), circuit.WithOpenTimeout(time.Hour))
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}, WithBreaker(breaker))

		_, err := c.Start(context.Background(), "490987654321")
		require.Error(t, err)
		_, err = c.Start(context.Background(), "490987654321")
		require.Error(t, err)

		assert.Equal(t, provider.CategoryUnavailable, provider.CategoryOf(err))
		assert.Equal(t, int32(1), calls.Load())
		assert.True(t, breaker.IsOpen())
	})
}

func TestParseStartResponse(t *testing.T) {
	t.Run("invalid aadhaar message code", func(t *testing.T) {
		_, err := parseStartResponse(422, []byte(`{"success":false,"message_code":"invalid_aadhaar","message":"Invalid Aadhaar Number"}`))
		assert.Equal(t, provider.CategoryInvalidSubject, provider.CategoryOf(err))
	})

	t.Run("no mobile linked is rejected", func(t *testing.T) {
		_, err := parseStartResponse(200, []byte(`{"success":true,"status_code":200,"data":{"client_id":"c1","otp_sent":false,"valid_aadhaar":true}}`))
		assert.Equal(t, provider.CategoryRejected, provider.CategoryOf(err))
	})

	t.Run("unknown failure is rejected", func(t *testing.T) {
		_, err := parseStartResponse(422, []byte(`{"success":false,"message":"Verification failed"}`))
		assert.Equal(t, provider.CategoryRejected, provider.CategoryOf(err))
	})

	t.Run("success flag with error status_code is not success", func(t *testing.T) {
		_, err := parseStartResponse(200, []byte(`{"success":true,"status_code":422,"message":"Verification failed","data":{"client_id":"c1"}}`))
		assert.Equal(t, provider.CategoryRejected, provider.CategoryOf(err))
	})

	t.Run("missing client id is unavailable", func(t *testing.T) {
		_, err := parseStartResponse(200, []byte(`{"success":true,"data":{"otp_sent":true}}`))
		assert.Equal(t, provider.CategoryUnavailable, provider.CategoryOf(err))
	})

	t.Run("malformed json is unavailable", func(t *testing.T) {
		_, err := parseStartResponse(200, []byte(`{not json`))
		assert.Equal(t, provider.CategoryUnavailable, provider.CategoryOf(err))
	})

	t.Run("missing mobile falls back to fully masked", func(t *testing.T) {
		res, err := parseStartResponse(200, []byte(`{"success":true,"data":{"client_id":"c1","otp_sent":true}}`))
		require.NoError(t, err)
		assert.Equal(t, "XXXXXXXXXX", res.MaskedContact)
	})
}

func TestClient_Resend(t *testing.T) {
	t.Run("reuses client id", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, resendOTPPath, r.URL.Path)
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "aadhaar_v2_abc", body["client_id"])
			_, _ = w.Write([]byte(`{"success":true,"data":{"client_id":"aadhaar_v2_abc","otp_sent":true}}`))
		})
		res, err := c.Resend(context.Background(), "aadhaar_v2_abc")
		require.NoError(t, err)
		assert.Empty(t, res.MaskedContact)
	})
}

func TestParseResendResponse(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected provider.Category
	}{
		{"unknown client id", 422, `{"success":false,"message_code":"invalid_client_id"}`, provider.CategoryUnknownCorrelation},
		{"already sent", 422, `{"success":false,"message":"OTP already sent, please wait"}`, provider.CategoryRateLimited},
		{"upstream expiry", 422, `{"success":false,"message_code":"session_expired"}`, provider.CategoryExpired},
		{"unrecognized failure", 422, `{"success":false,"message":"something odd"}`, provider.CategoryUnavailable},
		{"server error", 503, ``, provider.CategoryUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseResendResponse(tt.status, []byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, tt.expected, provider.CategoryOf(err))
		})
	}
}

func TestClient_Submit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, submitOTPPath, r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "aadhaar_v2_abc", body["client_id"])
		assert.Equal(t, "123456", body["otp"])
		_, _ = w.Write([]byte(`{"success":true,"status_code":200,"data":{
			"client_id":"aadhaar_v2_abc",
			"full_name":"Asha Verma",
			"dob":"1990-01-01",
			"gender":"F",
			"address":{"house":"12","street":"MG Road","dist":"Pune","state":"Maharashtra","country":"India"},
			"mobile_number":"9876546789"}}`))
	})

	attrs, err := c.Submit(context.Background(), "aadhaar_v2_abc", "123456")
	require.NoError(t, err)
	assert.Equal(t, "Asha Verma", attrs.Name)
	assert.Equal(t, "1990-01-01", attrs.DOB)
	assert.Equal(t, "F", attrs.Gender)
	assert.Equal(t, "12, MG Road, Pune, Maharashtra, India", attrs.Address)
	assert.Equal(t, "XXXXXX6789", attrs.Contact)
}

func TestParseSubmitResponse(t *testing.T) {
	t.Run("wrong code", func(t *testing.T) {
		_, err := parseSubmitResponse(422, []byte(`{"success":false,"message":"Enter valid OTP."}`))
		assert.Equal(t, provider.CategoryInvalidCode, provider.CategoryOf(err))
	})

	t.Run("expired code", func(t *testing.T) {
		_, err := parseSubmitResponse(422, []byte(`{"success":false,"message_code":"otp_expired"}`))
		assert.Equal(t, provider.CategoryExpired, provider.CategoryOf(err))
	})

	t.Run("unknown client id", func(t *testing.T) {
		_, err := parseSubmitResponse(422, []byte(`{"success":false,"message":"client_id not found"}`))
		assert.Equal(t, provider.CategoryUnknownCorrelation, provider.CategoryOf(err))
	})

	t.Run("success without attributes is unavailable", func(t *testing.T) {
		_, err := parseSubmitResponse(200, []byte(`{"success":true,"data":{"client_id":"c1"}}`))
		assert.Equal(t, provider.CategoryUnavailable, provider.CategoryOf(err))
	})

	t.Run("plain string address and name field", func(t *testing.T) {
		attrs, err := parseSubmitResponse(200, []byte(`{"success":true,"data":{"name":"A","address":" 1 Main St "}}`))
		require.NoError(t, err)
		assert.Equal(t, "A", attrs.Name)
		assert.Equal(t, "1 Main St", attrs.Address)
		assert.Equal(t, "XXXXXXXXXX", attrs.Contact)
	})
}
