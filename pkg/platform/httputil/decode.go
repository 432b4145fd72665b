package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	dErrors "rentkyc/pkg/domain-errors"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 4 << 10

// Validatable requests normalize and check themselves after decoding.
type Validatable interface {
	Validate() error
}

// DecodeCoder lets a request choose the code reported when its body cannot be
// decoded at all. Requests that do not implement it report bad_request.
type DecodeCoder interface {
	DecodeErrorCode() dErrors.Code
}

// DecodeAndPrepare decodes a bounded JSON body into T with unknown fields
// rejected, then runs Validate. On failure it writes the error response,
// logs it and returns ok=false.
func DecodeAndPrepare[T any, PT interface {
	*T
	Validatable
}](w http.ResponseWriter, r *http.Request, logger *slog.Logger, ctx context.Context, requestID string) (*T, bool) {
	req := new(T)
	if err := decodeJSON(w, r, req); err != nil {
		if coder, ok := any(req).(DecodeCoder); ok {
			err = recode(err, coder.DecodeErrorCode())
		}
		logger.WarnContext(ctx, "rejected request body",
			"request_id", requestID,
			"path", r.URL.Path,
			"error", err,
		)
		WriteError(w, err)
		return nil, false
	}
	if err := PT(req).Validate(); err != nil {
		logger.WarnContext(ctx, "invalid request",
			"request_id", requestID,
			"path", r.URL.Path,
			"error_code", string(dErrors.CodeOf(err)),
		)
		WriteError(w, err)
		return nil, false
	}
	return req, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return dErrors.Wrap(err, dErrors.CodeBadRequest, "request body too large")
		case errors.Is(err, io.EOF):
			return dErrors.Wrap(err, dErrors.CodeBadRequest, "request body is required")
		default:
			return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed JSON body")
		}
	}
	if dec.More() {
		return dErrors.New(dErrors.CodeBadRequest, "request body must contain a single JSON object")
	}
	return nil
}

// recode keeps the message and cause of a decode error under a new code.
func recode(err error, code dErrors.Code) error {
	var de *dErrors.Error
	if !errors.As(err, &de) {
		return dErrors.Wrap(err, code, "malformed JSON body")
	}
	return &dErrors.Error{Code: code, Message: de.Message, Err: de.Err}
}
