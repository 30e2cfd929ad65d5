package service

import (
	"context"
	"errors"
	"time"

	"grantgate/internal/metrics"
	"grantgate/internal/model"
	"grantgate/internal/repository"

	"github.com/rs/zerolog"
)

// EntitlementStore is the persistence the reconciliation path needs.
type EntitlementStore interface {
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)
	ApplyEntitlementEvent(ctx context.Context, ev model.EntitlementEvent) (model.ApplyResult, error)
}

// WebhookOutcome is reported back to the processor in the response body.
type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookStale     WebhookOutcome = "stale"
	WebhookSkipped   WebhookOutcome = "skipped"
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookRejected  WebhookOutcome = "rejected"
)

type WebhookResult struct {
	EventID   string
	EventType string
	Outcome   WebhookOutcome
	Reason    string
	Account   *model.Account
}

// EntitlementService owns the one write path for entitlement state. Webhook
// deliveries and checkout confirmations both end in Apply.
type EntitlementService struct {
	store    EntitlementStore
	verifier *Verifier
	norm     *Normalizer
	archiver Archiver
	notifier Notifier
	logger   zerolog.Logger
}

func NewEntitlementService(store EntitlementStore, verifier *Verifier, norm *Normalizer, archiver Archiver, notifier Notifier, logger zerolog.Logger) *EntitlementService {
	return &EntitlementService{
		store:    store,
		verifier: verifier,
		norm:     norm,
		archiver: archiver,
		notifier: notifier,
		logger:   logger.With().Str("service", "EntitlementService").Logger(),
	}
}

// ProcessWebhook verifies, normalizes and applies one webhook delivery.
// Errors are ErrSignatureInvalid, ErrMalformedMetadata, ErrMalformedPayload,
// ErrAccountMismatch, repository.ErrAccountNotFound or a store failure.
func (s *EntitlementService) ProcessWebhook(ctx context.Context, payload []byte, sig SignatureHeaders) (WebhookResult, error) {
	event, err := s.verifier.Verify(payload, sig)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
		s.logger.Warn().Err(err).Msg("Rejected webhook with invalid signature")
		return WebhookResult{}, err
	}
	res := WebhookResult{EventID: event.ID, EventType: string(event.Type)}
	log := s.logger.With().Str("event_id", event.ID).Str("event_type", string(event.Type)).Logger()

	if err := s.archiver.Archive(ctx, event.ID, payload); err != nil {
		log.Warn().Err(err).Msg("Failed to archive webhook payload")
	}

	ev, err := s.norm.Normalize(event)
	switch {
	case errors.Is(err, ErrUnrecognizedEventType):
		log.Debug().Msg("Unhandled event type")
		return s.finish(res, WebhookIgnored, ""), nil
	case errors.Is(err, ErrCheckoutUnpaid):
		log.Info().Err(err).Msg("Checkout completed without payment; not granting access")
		return s.finish(res, WebhookRejected, "payment_not_completed"), nil
	case err != nil:
		metrics.WebhookEvents.WithLabelValues(res.EventType, "malformed").Inc()
		log.Error().Err(err).Msg("Failed to normalize webhook event")
		return res, err
	case ev == nil:
		return s.finish(res, WebhookIgnored, ""), nil
	}

	applied, err := s.Apply(ctx, *ev)
	if err != nil {
		outcome := "error"
		if errors.Is(err, repository.ErrAccountNotFound) {
			outcome = "account_not_found"
		}
		metrics.WebhookEvents.WithLabelValues(res.EventType, outcome).Inc()
		return res, err
	}
	res.Account = &applied.Current
	return s.finish(res, webhookOutcome(applied.Outcome), ""), nil
}

func (s *EntitlementService) finish(res WebhookResult, outcome WebhookOutcome, reason string) WebhookResult {
	res.Outcome = outcome
	res.Reason = reason
	metrics.WebhookEvents.WithLabelValues(res.EventType, string(outcome)).Inc()
	return res
}

func webhookOutcome(o model.Outcome) WebhookOutcome {
	switch o {
	case model.OutcomeApplied:
		return WebhookProcessed
	case model.OutcomeDuplicate:
		return WebhookDuplicate
	case model.OutcomeStale:
		return WebhookStale
	}
	return WebhookSkipped
}

// Apply writes ev through the store and sends the activation notification.
// A notification failure is logged and never undoes the write.
func (s *EntitlementService) Apply(ctx context.Context, ev model.EntitlementEvent) (model.ApplyResult, error) {
	log := s.logger.With().
		Str("event_id", ev.EventID).
		Str("account_id", ev.AccountID).
		Str("event_type", string(ev.Type)).
		Logger()

	res, err := s.store.ApplyEntitlementEvent(ctx, ev)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			log.Warn().Msg("Entitlement event for unknown account")
		} else {
			log.Error().Err(err).Msg("Failed to apply entitlement event")
		}
		return res, err
	}

	switch res.Outcome {
	case model.OutcomeApplied:
		log.Info().
			Str("from_status", string(res.Previous.Status)).
			Str("to_status", string(res.Current.Status)).
			Str("tier", string(res.Current.Tier)).
			Msg("Entitlement updated")
	case model.OutcomeStale:
		log.Info().Time("effective_at", ev.EffectiveAt).Msg("Dropped stale entitlement event")
	case model.OutcomeSkipped:
		log.Warn().
			Str("from_status", string(res.Previous.Status)).
			Str("to_status", string(ev.Status)).
			Msg("Entitlement event violates lifecycle; skipped")
	default:
		log.Debug().Msg("Entitlement event already processed")
	}

	if res.Activated() {
		s.notifyActivated(ctx, ev, res.Current, log)
	}
	return res, nil
}

func (s *EntitlementService) notifyActivated(ctx context.Context, ev model.EntitlementEvent, acct model.Account, log zerolog.Logger) {
	note := model.EntitlementNotification{
		AccountID: acct.ID,
		Email:     acct.Email,
		Tier:      acct.Tier,
		Status:    acct.Status,
		EventID:   ev.EventID,
		At:        time.Now().UTC(),
	}
	// detached so a client disconnect on the confirm path does not drop it
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.notifier.EntitlementActivated(nctx, note); err != nil {
		metrics.Notifications.WithLabelValues("enqueue_failed").Inc()
		log.Error().Err(err).Msg("Failed to send activation notification")
		return
	}
	metrics.Notifications.WithLabelValues("enqueued").Inc()
}

// GetEntitlement returns the account as feature gates see it.
func (s *EntitlementService) GetEntitlement(ctx context.Context, accountID string) (*model.Account, error) {
	acct, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		if !errors.Is(err, repository.ErrAccountNotFound) {
			s.logger.Error().Err(err).Str("account_id", accountID).Msg("Failed to fetch entitlement")
		}
		return nil, err
	}
	return acct, nil
}
