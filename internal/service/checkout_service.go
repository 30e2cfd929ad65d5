package service

import (
	"context"
	"errors"
	"fmt"

	"grantgate/internal/metrics"
	"grantgate/internal/model"
	"grantgate/internal/repository"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidPlan          = errors.New("invalid plan")
	ErrProcessorUnavailable = errors.New("payment processor unavailable")
	ErrCheckoutNotFound     = errors.New("checkout session not found")
	ErrNoCustomer           = errors.New("account has no billing customer")
	ErrCheckoutNotApplied   = errors.New("checkout did not grant access")
)

// AccountStore is the account access checkout needs.
type AccountStore interface {
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)
	UpdateProcessorCustomerRef(ctx context.Context, id, customerRef string) error
}

// CheckoutConfig is the checkout configuration, passed in explicitly.
type CheckoutConfig struct {
	Plans           map[string]string // plan id -> processor price id
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
}

type ConfirmResult struct {
	Outcome model.Outcome
	Tier    model.Tier
	Status  model.Status
}

// CheckoutService issues checkout sessions and confirms them on return.
type CheckoutService struct {
	accounts     AccountStore
	processor    PaymentProcessor
	entitlements *EntitlementService
	cfg          CheckoutConfig
	logger       zerolog.Logger
}

func NewCheckoutService(accounts AccountStore, processor PaymentProcessor, entitlements *EntitlementService, cfg CheckoutConfig, logger zerolog.Logger) *CheckoutService {
	return &CheckoutService{
		accounts:     accounts,
		processor:    processor,
		entitlements: entitlements,
		cfg:          cfg,
		logger:       logger.With().Str("service", "CheckoutService").Logger(),
	}
}

// CreateCheckout opens a subscription checkout for accountID and returns the
// hosted checkout URL.
func (s *CheckoutService) CreateCheckout(ctx context.Context, accountID, planID string) (string, error) {
	priceID, ok := s.cfg.Plans[planID]
	if !ok {
		metrics.CheckoutSessions.WithLabelValues("invalid_plan").Inc()
		return "", fmt.Errorf("%w: %s", ErrInvalidPlan, planID)
	}
	acct, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			metrics.CheckoutSessions.WithLabelValues("account_not_found").Inc()
			return "", err
		}
		s.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to fetch account for checkout session")
		return "", err
	}

	customerRef, err := s.resolveCustomer(ctx, acct)
	if err != nil {
		metrics.CheckoutSessions.WithLabelValues("processor_error").Inc()
		return "", err
	}

	intent, err := s.processor.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		AccountID:   acct.ID,
		CustomerRef: customerRef,
		PriceID:     priceID,
		SuccessURL:  s.cfg.SuccessURL,
		CancelURL:   s.cfg.CancelURL,
	})
	if err != nil {
		metrics.CheckoutSessions.WithLabelValues("processor_error").Inc()
		s.logger.Error().Err(err).Str("account_id", accountID).Str("plan", planID).Msg("Failed to create checkout session")
		return "", fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}

	metrics.CheckoutSessions.WithLabelValues("created").Inc()
	s.logger.Info().Str("account_id", accountID).Str("plan", planID).Str("intent_id", intent.ID).Msg("Checkout session created")
	return intent.URL, nil
}

// resolveCustomer returns the account's processor customer, reusing one with
// the same email before creating a new one.
func (s *CheckoutService) resolveCustomer(ctx context.Context, acct *model.Account) (string, error) {
	if acct.ProcessorCustomerRef != nil && *acct.ProcessorCustomerRef != "" {
		return *acct.ProcessorCustomerRef, nil
	}

	customerRef, err := s.processor.FindCustomerByEmail(ctx, acct.Email)
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", acct.ID).Msg("Failed to search processor customer")
		return "", fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
	if customerRef == "" {
		customerRef, err = s.processor.CreateCustomer(ctx, acct.ID, acct.Email)
		if err != nil {
			s.logger.Error().Err(err).Str("account_id", acct.ID).Msg("Failed to create processor customer")
			return "", fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
		}
		s.logger.Info().Str("account_id", acct.ID).Str("customer_ref", customerRef).Msg("Created processor customer")
	}

	if err := s.accounts.UpdateProcessorCustomerRef(ctx, acct.ID, customerRef); err != nil {
		s.logger.Error().Err(err).Str("account_id", acct.ID).Msg("Failed to store processor customer ref")
		return "", err
	}
	return customerRef, nil
}

// Confirm re-reads intentID from the processor and, when it is settled and
// was issued to claimedAccountID, applies the same write the webhook would.
func (s *CheckoutService) Confirm(ctx context.Context, intentID, claimedAccountID string) (ConfirmResult, error) {
	log := s.logger.With().Str("intent_id", intentID).Str("account_id", claimedAccountID).Logger()

	intent, err := s.processor.GetCheckoutSession(ctx, intentID)
	if err != nil {
		if errors.Is(err, ErrCheckoutNotFound) {
			metrics.Confirmations.WithLabelValues("not_found").Inc()
			return ConfirmResult{}, err
		}
		metrics.Confirmations.WithLabelValues("processor_error").Inc()
		log.Error().Err(err).Msg("Failed to fetch checkout session")
		return ConfirmResult{}, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}

	if embedded := intent.EmbeddedAccountID(); embedded == "" || embedded != claimedAccountID || !intent.ReferencesAgree() {
		metrics.Confirmations.WithLabelValues("account_mismatch").Inc()
		log.Warn().Str("embedded_account_id", embedded).Str("client_reference_id", intent.ClientReferenceID).
			Msg("Checkout confirmation for another account; possible identity confusion")
		return ConfirmResult{}, fmt.Errorf("%w: session %s", ErrAccountMismatch, intentID)
	}

	ev, err := CheckoutEvent(intent, "confirm:"+intent.ID, intent.CreatedAt)
	if err != nil {
		metrics.Confirmations.WithLabelValues("unpaid").Inc()
		log.Info().Err(err).Msg("Checkout not settled")
		return ConfirmResult{}, err
	}

	res, err := s.entitlements.Apply(ctx, *ev)
	if err != nil {
		metrics.Confirmations.WithLabelValues("error").Inc()
		return ConfirmResult{}, err
	}
	metrics.Confirmations.WithLabelValues(string(res.Outcome)).Inc()
	// A stale or skipped write, or a duplicate of an intent whose access has
	// since ended, leaves the account without the entitlement it paid for.
	if !res.Current.IsPremium() {
		log.Warn().Str("outcome", string(res.Outcome)).Str("status", string(res.Current.Status)).Msg("Checkout confirmed but access not granted")
		return ConfirmResult{}, fmt.Errorf("%w: account is %s after %s write", ErrCheckoutNotApplied, res.Current.Status, res.Outcome)
	}
	return ConfirmResult{Outcome: res.Outcome, Tier: res.Current.Tier, Status: res.Current.Status}, nil
}

// CreatePortalSession returns a self-service billing portal URL.
func (s *CheckoutService) CreatePortalSession(ctx context.Context, accountID string) (string, error) {
	acct, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	if acct.ProcessorCustomerRef == nil || *acct.ProcessorCustomerRef == "" {
		return "", ErrNoCustomer
	}
	url, err := s.processor.CreatePortalSession(ctx, *acct.ProcessorCustomerRef, s.cfg.PortalReturnURL)
	if err != nil {
		s.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to create portal session")
		return "", fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
	return url, nil
}
