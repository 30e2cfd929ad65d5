package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"grantgate/internal/api/v1/dto"
	"grantgate/internal/middleware"
	"grantgate/internal/model"
	"grantgate/internal/repository"
	"grantgate/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type EntitlementReader interface {
	GetEntitlement(ctx context.Context, accountID string) (*model.Account, error)
}

type AccountHandler struct {
	accounts     service.AccountService
	entitlements EntitlementReader
	validate     *validator.Validate
	logger       zerolog.Logger
}

func NewAccountHandler(accounts service.AccountService, entitlements EntitlementReader, v *validator.Validate, logger zerolog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, entitlements: entitlements, validate: v, logger: logger}
}

func (h *AccountHandler) RegisterRoutes(r chi.Router, authMw func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(authMw)
		r.Post("/accounts/me", h.Create)
		r.Get("/accounts/me/entitlement", h.Entitlement)
	})
}

// Create godoc
// @Summary Register the authenticated user
// @Tags accounts
// @Accept json
// @Produce json
// @Param account body dto.AccountCreateDTO false "Optional email override"
// @Success 201 {object} dto.AccountResponseDTO
// @Success 200 {object} dto.AccountResponseDTO "already registered"
// @Failure 400 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse "email already registered"
// @Router /accounts/me [post]
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req dto.AccountCreateDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload", h.logger)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "validation failed: "+err.Error(), h.logger)
		return
	}
	email := req.Email
	if email == "" {
		email = middleware.UserEmail(r.Context())
	}

	acct, created, err := h.accounts.Register(r.Context(), userID, email)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidEmail):
			writeError(w, http.StatusBadRequest, "invalid_email", "a valid email is required", h.logger)
		case errors.Is(err, repository.ErrAccountExists):
			writeError(w, http.StatusConflict, "email_taken", "email already registered", h.logger)
		default:
			h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to register account")
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to register account", h.logger)
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, dto.AccountResponseDTO{
		AccountID: acct.ID,
		Email:     acct.Email,
		Tier:      string(acct.Tier),
		Status:    string(acct.Status),
		CreatedAt: acct.CreatedAt,
	}, h.logger)
}

// Entitlement godoc
// @Summary Get the caller's entitlement
// @Tags accounts
// @Produce json
// @Success 200 {object} dto.EntitlementResponseDTO
// @Failure 404 {object} dto.ErrorResponse
// @Router /accounts/me/entitlement [get]
func (h *AccountHandler) Entitlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	acct, err := h.entitlements.GetEntitlement(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account_not_found", "account not found", h.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load entitlement", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.EntitlementResponseDTO{
		AccountID:         acct.ID,
		Tier:              string(acct.Tier),
		Status:            string(acct.Status),
		IsPremium:         acct.IsPremium(),
		PeriodEnd:         acct.PeriodEnd,
		CancelAtPeriodEnd: acct.CancelAtPeriodEnd,
	}, h.logger)
}
