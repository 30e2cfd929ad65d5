package model

import "time"

// EventType is the processor-independent kind of an entitlement event.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout_completed"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	EventPaymentFailed        EventType = "payment_failed"
)

// EntitlementEvent is a verified processor event reduced to what the
// entitlement store needs.
type EntitlementEvent struct {
	Type      EventType
	EventID   string
	IntentID  string // checkout session id, set for checkout-derived events
	AccountID string
	Status    Status
	Tier      *Tier // nil leaves the tier unchanged

	// EffectiveAt is the processor's timestamp for the event; ordering is
	// decided on it, never on arrival time.
	EffectiveAt time.Time

	CustomerRef       string
	SubscriptionRef   string
	PeriodEnd         *time.Time
	CancelAtPeriodEnd *bool
}

// SessionKey is the ledger key that marks a checkout intent as consumed. It is
// empty for events that do not derive from a checkout.
func (e EntitlementEvent) SessionKey() string {
	if e.IntentID == "" {
		return ""
	}
	return "checkout_session:" + e.IntentID
}

// LedgerKey is the key ev is recorded under in the processed-events ledger.
// Only the first applied event of a checkout intent claims the session key;
// every other row is keyed by event id so that a stale or skipped delivery
// never blocks a newer event for the same intent.
func (e EntitlementEvent) LedgerKey(outcome Outcome, sessionClaimed bool) string {
	if e.IntentID != "" && outcome == OutcomeApplied && !sessionClaimed {
		return e.SessionKey()
	}
	return e.EventID
}

// Outcome is what the store did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeSkipped   Outcome = "skipped"
)

// ApplyResult reports the account before and after an apply.
type ApplyResult struct {
	Outcome  Outcome
	Previous Account
	Current  Account
}

// Activated reports whether the apply granted access to an account that did
// not have a paid entitlement before.
func (r ApplyResult) Activated() bool {
	if r.Outcome != OutcomeApplied || r.Current.Status != StatusActive {
		return false
	}
	switch r.Previous.Status {
	case StatusNone, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// ReconcileIntent is Reconcile for a store that knows whether ev's checkout
// intent was already consumed. A consumed intent turns ev into a duplicate
// unless ev is strictly newer than the account's last event, in which case it
// is reconciled like any other event and moves the ordering forward.
func ReconcileIntent(current Account, ev EntitlementEvent, sessionClaimed bool) (Account, Outcome) {
	if sessionClaimed && (current.LastEventTime == nil || !ev.EffectiveAt.After(*current.LastEventTime)) {
		return current, OutcomeDuplicate
	}
	return Reconcile(current, ev)
}

// Reconcile decides whether ev may be applied to current and returns the
// resulting account. It is pure; callers run it under the row lock.
func Reconcile(current Account, ev EntitlementEvent) (Account, Outcome) {
	if current.LastEventID != nil && *current.LastEventID == ev.EventID {
		return current, OutcomeDuplicate
	}
	if current.LastEventTime != nil && ev.EffectiveAt.Before(*current.LastEventTime) {
		return current, OutcomeStale
	}
	if !transitionAllowed(current, ev) {
		return current, OutcomeSkipped
	}

	next := current
	next.Status = ev.Status
	if ev.Tier != nil {
		next.Tier = *ev.Tier
	}
	if ev.CustomerRef != "" {
		ref := ev.CustomerRef
		next.ProcessorCustomerRef = &ref
	}
	if ev.SubscriptionRef != "" {
		ref := ev.SubscriptionRef
		next.ProcessorSubscriptionRef = &ref
	}
	if ev.PeriodEnd != nil {
		next.PeriodEnd = ev.PeriodEnd
	}
	if ev.CancelAtPeriodEnd != nil {
		next.CancelAtPeriodEnd = *ev.CancelAtPeriodEnd
	}
	if ev.Status == StatusCanceled || ev.Status == StatusExpired {
		next.CancelAtPeriodEnd = false
	}

	id := ev.EventID
	at := ev.EffectiveAt
	next.LastEventID = &id
	next.LastEventTime = &at
	return next, OutcomeApplied
}

func transitionAllowed(current Account, ev EntitlementEvent) bool {
	switch ev.Status {
	case StatusNone:
		return false
	case StatusActive:
		if current.Status == StatusCanceled || current.Status == StatusExpired {
			return freshCheckout(current, ev)
		}
		return true
	case StatusPaused:
		return current.Status == StatusActive || current.Status == StatusPaused
	case StatusPastDue:
		switch current.Status {
		case StatusActive, StatusPastDue, StatusPaused:
			return true
		}
		return false
	}
	return true
}

// freshCheckout reports whether ev starts a new paid period: a completed
// checkout, or a subscription other than the one that ended.
func freshCheckout(current Account, ev EntitlementEvent) bool {
	if ev.Type == EventCheckoutCompleted {
		return true
	}
	if ev.SubscriptionRef == "" {
		return false
	}
	return current.ProcessorSubscriptionRef == nil || *current.ProcessorSubscriptionRef != ev.SubscriptionRef
}

// TierPtr returns a pointer to t.
func TierPtr(t Tier) *Tier { return &t }
