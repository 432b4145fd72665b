// Package handler exposes the verification state machine over HTTP for the
// registration wizard.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"rentkyc/internal/verification/models"
	"rentkyc/internal/verification/service"
	dErrors "rentkyc/pkg/domain-errors"
	"rentkyc/pkg/platform/httputil"
	"rentkyc/pkg/requestcontext"
)

// Service defines the verification operations the handler calls.
type Service interface {
	Start(ctx context.Context, subjectID string) (*models.StartResult, error)
	Resend(ctx context.Context, correlationID string) (*models.ResendResult, error)
	Submit(ctx context.Context, correlationID, code string) (*models.SubmitResult, error)
	Status(ctx context.Context, correlationID string) (*models.StatusResult, error)
}

// Handler wires verification endpoints to the verification service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a verification handler.
func New(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Register mounts verification endpoints on the router. The wizard's
// operation names are mounted as aliases of the same handlers.
func (h *Handler) Register(r chi.Router) {
	r.Post("/verification/start", h.HandleStart)
	r.Post("/verification/resend", h.HandleResend)
	r.Post("/verification/submit", h.HandleSubmit)
	r.Get("/verification/{correlationId}", h.HandleStatus)

	r.Post("/verification/start-verification", h.HandleStart)
	r.Post("/verification/resend-code", h.HandleResend)
	r.Post("/verification/submit-code", h.HandleSubmit)
}

// HandleStart handles POST /verification/start.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[StartRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.service.Start(ctx, req.SubjectID)
	if err != nil {
		h.logFailure(ctx, "start verification failed", requestID, "", err)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "verification started",
		"request_id", requestID,
		"correlation_id", res.CorrelationID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, fromStartResult(res))
}

// HandleResend handles POST /verification/resend.
func (h *Handler) HandleResend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[ResendRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.service.Resend(ctx, req.CorrelationID)
	if err != nil {
		h.logFailure(ctx, "resend code failed", requestID, req.CorrelationID, err)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "verification code resent",
		"request_id", requestID,
		"correlation_id", res.CorrelationID,
		"resends_remaining", res.ResendsRemaining,
	)
	httputil.WriteJSON(w, http.StatusOK, fromResendResult(res))
}

// HandleSubmit handles POST /verification/submit.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[SubmitRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	res, err := h.service.Submit(ctx, req.CorrelationID, req.Code)
	if err != nil {
		h.logFailure(ctx, "submit code failed", requestID, req.CorrelationID, err)
		var rejected *service.RejectedCodeError
		if errors.As(err, &rejected) {
			httputil.WriteJSON(w, http.StatusBadRequest, InvalidCodeResponse{
				Error:             string(dErrors.CodeInvalidCode),
				ErrorDescription:  rejected.Message(),
				AttemptsRemaining: rejected.AttemptsRemaining,
			})
			return
		}
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "verification completed",
		"request_id", requestID,
		"correlation_id", res.CorrelationID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteJSON(w, http.StatusOK, fromSubmitResult(res))
}

// HandleStatus handles GET /verification/{correlationId}.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	correlationID := strings.TrimSpace(chi.URLParam(r, "correlationId"))
	res, err := h.service.Status(ctx, correlationID)
	if err != nil {
		h.logFailure(ctx, "verification status failed", requestID, correlationID, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fromStatusResult(res))
}

// logFailure logs at warn for caller mistakes and error for everything else.
// Only the error code and correlation id are logged with the request.
func (h *Handler) logFailure(ctx context.Context, msg, requestID, correlationID string, err error) {
	code := dErrors.CodeOf(err)
	attrs := []any{
		"request_id", requestID,
		"correlation_id", correlationID,
		"error_code", string(code),
	}
	if httputil.ToHTTPStatus(code) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, append(attrs, "error", err)...)
		return
	}
	h.logger.WarnContext(ctx, msg, attrs...)
}
