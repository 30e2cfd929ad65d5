package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"grantgate/internal/api/v1/dto"
	"grantgate/internal/middleware"
	"grantgate/internal/repository"
	"grantgate/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type CheckoutFlow interface {
	CreateCheckout(ctx context.Context, accountID, planID string) (string, error)
	Confirm(ctx context.Context, intentID, claimedAccountID string) (service.ConfirmResult, error)
	CreatePortalSession(ctx context.Context, accountID string) (string, error)
}

// CheckoutHandler serves the browser side of checkout.
type CheckoutHandler struct {
	checkout CheckoutFlow
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewCheckoutHandler(checkout CheckoutFlow, v *validator.Validate, logger zerolog.Logger) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout, validate: v, logger: logger}
}

// RegisterRoutes mounts the checkout routes. startLimit wraps only
// /checkout/start.
func (h *CheckoutHandler) RegisterRoutes(r chi.Router, authMw, startLimit func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(authMw)
		r.With(startLimit).Post("/checkout/start", h.Start)
		r.Post("/checkout/confirm", h.Confirm)
		r.Post("/billing/portal", h.Portal)
	})
}

// Start godoc
// @Summary Start a subscription checkout
// @Description Resolves the processor customer and returns a hosted checkout URL.
// @Tags checkout
// @Accept json
// @Produce json
// @Param checkout body dto.CheckoutStartRequest true "Account and plan"
// @Success 200 {object} dto.CheckoutStartResponse
// @Failure 400 {object} dto.ErrorResponse "invalid request, plan or account"
// @Failure 401 {string} string "unauthorized"
// @Failure 403 {object} dto.ErrorResponse "account does not match session"
// @Failure 429 {string} string "too many requests"
// @Failure 500 {object} dto.ErrorResponse "processor unavailable"
// @Router /checkout/start [post]
func (h *CheckoutHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req dto.CheckoutStartRequest
	if !h.decode(w, r, &req) || !h.authorize(w, r, req.AccountID) {
		return
	}

	url, err := h.checkout.CreateCheckout(r.Context(), req.AccountID, req.PlanID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidPlan):
			writeError(w, http.StatusBadRequest, "invalid_plan", "unknown plan", h.logger)
		case errors.Is(err, repository.ErrAccountNotFound):
			writeError(w, http.StatusBadRequest, "account_not_found", "account not found", h.logger)
		default:
			writeError(w, http.StatusInternalServerError, "processor_unavailable", "failed to create checkout session", h.logger)
		}
		return
	}
	writeJSON(w, http.StatusOK, dto.CheckoutStartResponse{CheckoutURL: url}, h.logger)
}

// Confirm godoc
// @Summary Confirm a completed checkout
// @Description Re-reads the checkout session from the processor and grants the entitlement when it is paid.
// @Tags checkout
// @Accept json
// @Produce json
// @Param confirm body dto.CheckoutConfirmRequest true "Intent and account"
// @Success 200 {object} dto.CheckoutConfirmResponse
// @Failure 400 {object} dto.ErrorResponse "mismatch, unpaid, unknown or superseded session"
// @Failure 401 {string} string "unauthorized"
// @Failure 403 {object} dto.ErrorResponse "account does not match session"
// @Failure 500 {object} dto.ErrorResponse "processor unavailable or internal error"
// @Router /checkout/confirm [post]
func (h *CheckoutHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req dto.CheckoutConfirmRequest
	if !h.decode(w, r, &req) || !h.authorize(w, r, req.AccountID) {
		return
	}

	res, err := h.checkout.Confirm(r.Context(), req.IntentID, req.AccountID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAccountMismatch):
			writeError(w, http.StatusBadRequest, "account_mismatch", "checkout belongs to another account", h.logger)
		case errors.Is(err, service.ErrCheckoutUnpaid):
			writeError(w, http.StatusBadRequest, "payment_not_completed", "checkout is not paid", h.logger)
		case errors.Is(err, service.ErrCheckoutNotFound):
			writeError(w, http.StatusBadRequest, "checkout_not_found", "checkout session not found", h.logger)
		case errors.Is(err, service.ErrCheckoutNotApplied):
			writeError(w, http.StatusBadRequest, "checkout_not_applied", "checkout did not grant access", h.logger)
		case errors.Is(err, repository.ErrAccountNotFound):
			writeError(w, http.StatusBadRequest, "account_not_found", "account not found", h.logger)
		case errors.Is(err, service.ErrProcessorUnavailable):
			writeError(w, http.StatusInternalServerError, "processor_unavailable", "failed to confirm checkout", h.logger)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to confirm checkout", h.logger)
		}
		return
	}
	writeJSON(w, http.StatusOK, dto.CheckoutConfirmResponse{
		Success: true,
		Tier:    string(res.Tier),
		Status:  string(res.Status),
	}, h.logger)
}

// Portal godoc
// @Summary Create a billing portal session
// @Tags checkout
// @Produce json
// @Success 200 {object} dto.PortalResponse
// @Failure 400 {object} dto.ErrorResponse "no billing customer"
// @Failure 401 {string} string "unauthorized"
// @Failure 500 {object} dto.ErrorResponse "processor unavailable"
// @Router /billing/portal [post]
func (h *CheckoutHandler) Portal(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	url, err := h.checkout.CreatePortalSession(r.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNoCustomer), errors.Is(err, repository.ErrAccountNotFound):
			writeError(w, http.StatusBadRequest, "no_customer", "account has no billing history", h.logger)
		default:
			writeError(w, http.StatusInternalServerError, "processor_unavailable", "failed to create portal session", h.logger)
		}
		return
	}
	writeJSON(w, http.StatusOK, dto.PortalResponse{URL: url}, h.logger)
}

func (h *CheckoutHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload", h.logger)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "validation failed: "+err.Error(), h.logger)
		return false
	}
	return true
}

// authorize requires the body's accountId to be the session's subject.
func (h *CheckoutHandler) authorize(w http.ResponseWriter, r *http.Request, accountID string) bool {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if userID != accountID {
		h.logger.Warn().Str("user_id", userID).Str("account_id", accountID).Msg("Checkout request for another account")
		writeError(w, http.StatusForbidden, "forbidden", "account does not match session", h.logger)
		return false
	}
	return true
}
