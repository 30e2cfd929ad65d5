package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"grantgate/internal/api/v1/dto"
	"grantgate/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// PubSubHandler receives Pub/Sub push deliveries: entitlement notifications
// and dead-lettered messages.
type PubSubHandler struct {
	notifications service.NotificationService
	dlq           service.DLQService
	logger        zerolog.Logger
}

func NewPubSubHandler(notifications service.NotificationService, dlq service.DLQService, logger zerolog.Logger) *PubSubHandler {
	return &PubSubHandler{notifications: notifications, dlq: dlq, logger: logger}
}

func (h *PubSubHandler) RegisterRoutes(r chi.Router, pushAuth func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(pushAuth)
		r.Post("/notifications/entitlements", h.Notification)
		r.Post("/dlq/record", h.RecordDLQ)
	})
}

// Notification godoc
// @Summary Deliver an entitlement notification
// @Description Pub/Sub push endpoint. Non-2xx responses make Pub/Sub redeliver.
// @Tags pubsub
// @Accept json
// @Param message body dto.PubSubPushRequest true "Pub/Sub push envelope"
// @Success 204
// @Failure 400 {string} string "undecodable message"
// @Failure 500 {string} string "delivery failed"
// @Router /notifications/entitlements [post]
func (h *PubSubHandler) Notification(w http.ResponseWriter, r *http.Request) {
	var req dto.PubSubPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid push payload", http.StatusBadRequest)
		return
	}
	if err := h.notifications.HandlePush(r.Context(), &req); err != nil {
		if errors.Is(err, service.ErrInvalidNotification) {
			h.logger.Warn().Err(err).Str("message_id", req.Message.MessageID).Msg("Dropping invalid notification")
			http.Error(w, "invalid notification", http.StatusBadRequest)
			return
		}
		http.Error(w, "delivery failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordDLQ godoc
// @Summary Record a dead-lettered message
// @Tags pubsub
// @Accept json
// @Param message body dto.PubSubPushRequest true "Pub/Sub push envelope"
// @Success 204
// @Failure 400 {string} string "invalid push payload"
// @Failure 500 {string} string "failed to record"
// @Router /dlq/record [post]
func (h *PubSubHandler) RecordDLQ(w http.ResponseWriter, r *http.Request) {
	var req dto.PubSubPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid push payload", http.StatusBadRequest)
		return
	}
	if err := h.dlq.ProcessAndSave(r.Context(), &req); err != nil {
		h.logger.Error().Err(err).Str("message_id", req.Message.MessageID).Msg("Failed to save DLQ message")
		http.Error(w, "failed to record", http.StatusInternalServerError)
		return
	}
	h.logger.Info().Str("message_id", req.Message.MessageID).Str("subscription", req.Subscription).Msg("Recorded dead-lettered message")
	w.WriteHeader(http.StatusNoContent)
}
