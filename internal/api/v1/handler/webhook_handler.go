package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"grantgate/internal/api/v1/dto"
	"grantgate/internal/repository"
	"grantgate/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// maxWebhookBody bounds the raw body read before signature verification.
const maxWebhookBody = 1 << 20

type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, payload []byte, sig service.SignatureHeaders) (service.WebhookResult, error)
}

// WebhookHandler receives payment processor events.
type WebhookHandler struct {
	processor WebhookProcessor
	logger    zerolog.Logger
}

func NewWebhookHandler(processor WebhookProcessor, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{processor: processor, logger: logger}
}

func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/billing", h.Billing)
}

// Billing godoc
// @Summary Receive a billing webhook
// @Description Verifies the signature over the raw body and reconciles the account's entitlement.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param Stripe-Signature header string false "Stripe signature"
// @Param X-Signature header string false "hex HMAC-SHA256 of the raw body"
// @Success 200 {object} dto.WebhookResponse
// @Failure 400 {object} dto.ErrorResponse "invalid signature or malformed event"
// @Failure 404 {object} dto.ErrorResponse "account not found"
// @Failure 500 {object} dto.ErrorResponse "store failure"
// @Router /webhooks/billing [post]
func (h *WebhookHandler) Billing(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body too large", h.logger)
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable_body", "failed to read body", h.logger)
		return
	}

	res, err := h.processor.ProcessWebhook(r.Context(), payload, service.SignatureHeadersFrom(r.Header))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSignatureInvalid):
			writeError(w, http.StatusBadRequest, "invalid_signature", "signature verification failed", h.logger)
		case errors.Is(err, service.ErrMalformedMetadata),
			errors.Is(err, service.ErrMalformedPayload),
			errors.Is(err, service.ErrAccountMismatch):
			writeError(w, http.StatusBadRequest, "malformed_event", err.Error(), h.logger)
		case errors.Is(err, repository.ErrAccountNotFound):
			// non-2xx so the processor redelivers once the account exists
			writeError(w, http.StatusNotFound, "account_not_found", "account not found", h.logger)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to process event", h.logger)
		}
		return
	}

	writeJSON(w, http.StatusOK, dto.WebhookResponse{
		Received: true,
		Status:   string(res.Outcome),
		Reason:   res.Reason,
	}, h.logger)
}
