package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"grantgate/internal/model"

	"github.com/stripe/stripe-go/v82"
)

var (
	ErrUnrecognizedEventType = errors.New("unrecognized event type")
	ErrMalformedMetadata     = errors.New("event metadata missing account id")
	ErrMalformedPayload      = errors.New("event payload malformed")
	ErrCheckoutUnpaid        = errors.New("checkout payment not completed")
	ErrAccountMismatch       = errors.New("checkout account does not match")
)

const accountMetadataKey = "user_id"

// objectRef decodes a Stripe field that is either an id or an expanded object.
type objectRef string

func (r *objectRef) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		*r = objectRef(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = objectRef(obj.ID)
	return nil
}

type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	PaymentStatus     string            `json:"payment_status"`
	Status            string            `json:"status"`
	AmountTotal       int64             `json:"amount_total"`
	Customer          objectRef         `json:"customer"`
	Subscription      objectRef         `json:"subscription"`
	Created           int64             `json:"created"`
}

type subscriptionPayload struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Metadata          map[string]string `json:"metadata"`
	Customer          objectRef         `json:"customer"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (s subscriptionPayload) periodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return unixPtr(end)
}

type subscriptionDetails struct {
	Subscription objectRef         `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type invoicePayload struct {
	ID                  string               `json:"id"`
	Customer            objectRef            `json:"customer"`
	Subscription        objectRef            `json:"subscription"`
	Metadata            map[string]string    `json:"metadata"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Metadata     map[string]string `json:"metadata"`
			Subscription objectRef         `json:"subscription"`
		} `json:"data"`
	} `json:"lines"`
	PeriodEnd int64 `json:"period_end"`
}

func (inv invoicePayload) subscriptionRef() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		return string(inv.Parent.SubscriptionDetails.Subscription)
	}
	if inv.Subscription != "" {
		return string(inv.Subscription)
	}
	for _, line := range inv.Lines.Data {
		if line.Subscription != "" {
			return string(line.Subscription)
		}
	}
	return ""
}

func (inv invoicePayload) accountID() string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		if id := inv.Parent.SubscriptionDetails.Metadata[accountMetadataKey]; id != "" {
			return id
		}
	}
	if inv.SubscriptionDetails != nil {
		if id := inv.SubscriptionDetails.Metadata[accountMetadataKey]; id != "" {
			return id
		}
	}
	if id := inv.Metadata[accountMetadataKey]; id != "" {
		return id
	}
	for _, line := range inv.Lines.Data {
		if id := line.Metadata[accountMetadataKey]; id != "" {
			return id
		}
	}
	return ""
}

// Normalizer maps Stripe events onto entitlement events.
type Normalizer struct{}

func NewNormalizer() *Normalizer { return &Normalizer{} }

// Normalize returns the entitlement event for event, or nil when the event is
// recognized but changes nothing.
func (n *Normalizer) Normalize(event stripe.Event) (*model.EntitlementEvent, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedPayload, event.ID)
	}
	at := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var sess checkoutSessionPayload
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return CheckoutEvent(sess.intent(), event.ID, at)

	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.resumed",
		"customer.subscription.paused",
		"customer.subscription.deleted":
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return subscriptionEvent(string(event.Type), sub, event.ID, at)

	case "invoice.payment_succeeded", "invoice.paid", "invoice.payment_failed":
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return invoiceEvent(string(event.Type), inv, event.ID, at)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnrecognizedEventType, event.Type)
}

func (s checkoutSessionPayload) intent() *model.CheckoutIntent {
	return &model.CheckoutIntent{
		ID:                s.ID,
		AccountID:         s.Metadata[accountMetadataKey],
		ClientReferenceID: s.ClientReferenceID,
		PaymentStatus:     s.PaymentStatus,
		Status:            s.Status,
		AmountTotal:       s.AmountTotal,
		CustomerRef:       string(s.Customer),
		SubscriptionRef:   string(s.Subscription),
		CreatedAt:         time.Unix(s.Created, 0).UTC(),
	}
}

// CheckoutEvent builds the entitlement event for a completed checkout intent.
// The webhook and the confirmation poller both go through it.
func CheckoutEvent(intent *model.CheckoutIntent, eventID string, at time.Time) (*model.EntitlementEvent, error) {
	if !intent.ReferencesAgree() {
		return nil, fmt.Errorf("%w: session %s", ErrAccountMismatch, intent.ID)
	}
	accountID := intent.EmbeddedAccountID()
	if accountID == "" {
		return nil, fmt.Errorf("%w: session %s", ErrMalformedMetadata, intent.ID)
	}
	if !intent.Settled() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrCheckoutUnpaid, intent.ID, intent.PaymentStatus)
	}
	return &model.EntitlementEvent{
		Type:            model.EventCheckoutCompleted,
		EventID:         eventID,
		IntentID:        intent.ID,
		AccountID:       accountID,
		Status:          model.StatusActive,
		Tier:            model.TierPtr(model.TierPro),
		EffectiveAt:     at,
		CustomerRef:     intent.CustomerRef,
		SubscriptionRef: intent.SubscriptionRef,
	}, nil
}

func subscriptionEvent(eventType string, sub subscriptionPayload, eventID string, at time.Time) (*model.EntitlementEvent, error) {
	accountID := sub.Metadata[accountMetadataKey]
	if accountID == "" {
		return nil, fmt.Errorf("%w: subscription %s", ErrMalformedMetadata, sub.ID)
	}
	cancelAtPeriodEnd := sub.CancelAtPeriodEnd
	ev := &model.EntitlementEvent{
		Type:              model.EventSubscriptionUpdated,
		EventID:           eventID,
		AccountID:         accountID,
		EffectiveAt:       at,
		CustomerRef:       string(sub.Customer),
		SubscriptionRef:   sub.ID,
		PeriodEnd:         sub.periodEnd(),
		CancelAtPeriodEnd: &cancelAtPeriodEnd,
	}

	switch eventType {
	case "customer.subscription.paused":
		ev.Status = model.StatusPaused
	case "customer.subscription.deleted":
		ev.Type = model.EventSubscriptionCanceled
		ev.Tier = model.TierPtr(model.TierFree)
		ev.Status = model.StatusCanceled
		if sub.Status == string(stripe.SubscriptionStatusIncompleteExpired) {
			ev.Status = model.StatusExpired
		}
	default:
		// created, resumed and updated all follow the subscription's own status,
		// so one created as incomplete grants nothing before its first payment.
		switch stripe.SubscriptionStatus(sub.Status) {
		case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
			activate(ev)
		case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
			ev.Type = model.EventPaymentFailed
			ev.Status = model.StatusPastDue
		case stripe.SubscriptionStatusPaused:
			ev.Status = model.StatusPaused
		case stripe.SubscriptionStatusCanceled:
			ev.Type = model.EventSubscriptionCanceled
			ev.Tier = model.TierPtr(model.TierFree)
			ev.Status = model.StatusCanceled
		case stripe.SubscriptionStatusIncompleteExpired:
			ev.Type = model.EventSubscriptionCanceled
			ev.Tier = model.TierPtr(model.TierFree)
			ev.Status = model.StatusExpired
		default:
			// incomplete: the first payment has not settled yet
			return nil, nil
		}
	}
	return ev, nil
}

func invoiceEvent(eventType string, inv invoicePayload, eventID string, at time.Time) (*model.EntitlementEvent, error) {
	subRef := inv.subscriptionRef()
	if subRef == "" {
		// one-off invoice, not an entitlement concern
		return nil, nil
	}
	accountID := inv.accountID()
	if accountID == "" {
		return nil, fmt.Errorf("%w: invoice %s", ErrMalformedMetadata, inv.ID)
	}
	ev := &model.EntitlementEvent{
		EventID:         eventID,
		AccountID:       accountID,
		EffectiveAt:     at,
		CustomerRef:     string(inv.Customer),
		SubscriptionRef: subRef,
	}
	if eventType == "invoice.payment_failed" {
		ev.Type = model.EventPaymentFailed
		ev.Status = model.StatusPastDue
		return ev, nil
	}
	ev.Type = model.EventSubscriptionUpdated
	activate(ev)
	return ev, nil
}

func activate(ev *model.EntitlementEvent) {
	ev.Tier = model.TierPtr(model.TierPro)
	ev.Status = model.StatusActive
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
