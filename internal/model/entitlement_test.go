package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func activeAccount() Account {
	return Account{
		ID:                       "acct_1",
		Tier:                     TierPro,
		Status:                   StatusActive,
		ProcessorSubscriptionRef: strPtr("sub_1"),
		LastEventID:              strPtr("evt_1"),
		LastEventTime:            timePtr(t0),
	}
}

func TestReconcileAppliesNewerEvent(t *testing.T) {
	ev := EntitlementEvent{
		Type:        EventPaymentFailed,
		EventID:     "evt_2",
		AccountID:   "acct_1",
		Status:      StatusPastDue,
		EffectiveAt: t0.Add(time.Minute),
	}

	next, outcome := Reconcile(activeAccount(), ev)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, StatusPastDue, next.Status)
	assert.Equal(t, TierPro, next.Tier, "payment failure leaves tier unchanged")
	assert.Equal(t, "evt_2", *next.LastEventID)
	assert.Equal(t, t0.Add(time.Minute), *next.LastEventTime)
}

func TestReconcileIsIdempotentOnLastEvent(t *testing.T) {
	acct := activeAccount()
	ev := EntitlementEvent{Type: EventSubscriptionCanceled, EventID: "evt_1", Status: StatusCanceled, Tier: TierPtr(TierFree), EffectiveAt: t0}

	next, outcome := Reconcile(acct, ev)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, acct, next)
}

func TestReconcileRejectsStaleEvent(t *testing.T) {
	acct := activeAccount()
	ev := EntitlementEvent{Type: EventSubscriptionCanceled, EventID: "evt_0", Status: StatusCanceled, Tier: TierPtr(TierFree), EffectiveAt: t0.Add(-time.Second)}

	next, outcome := Reconcile(acct, ev)
	assert.Equal(t, OutcomeStale, outcome)
	assert.Equal(t, acct, next)
}

func TestReconcileAcceptsEqualTimestamp(t *testing.T) {
	ev := EntitlementEvent{Type: EventSubscriptionUpdated, EventID: "evt_same_second", Status: StatusActive, Tier: TierPtr(TierPro), EffectiveAt: t0}

	_, outcome := Reconcile(activeAccount(), ev)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestReconcileStateMachine(t *testing.T) {
	later := t0.Add(time.Hour)
	tests := []struct {
		name    string
		current Account
		ev      EntitlementEvent
		want    Outcome
	}{
		{
			name:    "none to active on checkout",
			current: Account{Tier: TierFree, Status: StatusNone},
			ev:      EntitlementEvent{Type: EventCheckoutCompleted, EventID: "e", Status: StatusActive, Tier: TierPtr(TierPro), EffectiveAt: later},
			want:    OutcomeApplied,
		},
		{
			name:    "never back to none",
			current: activeAccount(),
			ev:      EntitlementEvent{Type: EventSubscriptionUpdated, EventID: "e", Status: StatusNone, EffectiveAt: later},
			want:    OutcomeSkipped,
		},
		{
			name:    "canceled stays canceled on update of the ended subscription",
			current: Account{Tier: TierFree, Status: StatusCanceled, ProcessorSubscriptionRef: strPtr("sub_1")},
			ev:      EntitlementEvent{Type: EventSubscriptionUpdated, EventID: "e", Status: StatusActive, Tier: TierPtr(TierPro), SubscriptionRef: "sub_1", EffectiveAt: later},
			want:    OutcomeSkipped,
		},
		{
			name:    "canceled to active with a new subscription",
			current: Account{Tier: TierFree, Status: StatusCanceled, ProcessorSubscriptionRef: strPtr("sub_1")},
			ev:      EntitlementEvent{Type: EventSubscriptionUpdated, EventID: "e", Status: StatusActive, Tier: TierPtr(TierPro), SubscriptionRef: "sub_2", EffectiveAt: later},
			want:    OutcomeApplied,
		},
		{
			name:    "expired to active through checkout",
			current: Account{Tier: TierFree, Status: StatusExpired},
			ev:      EntitlementEvent{Type: EventCheckoutCompleted, EventID: "e", Status: StatusActive, Tier: TierPtr(TierPro), EffectiveAt: later},
			want:    OutcomeApplied,
		},
		{
			name:    "paused only from active",
			current: Account{Tier: TierPro, Status: StatusPastDue},
			ev:      EntitlementEvent{Type: EventSubscriptionUpdated, EventID: "e", Status: StatusPaused, EffectiveAt: later},
			want:    OutcomeSkipped,
		},
		{
			name:    "active to paused",
			current: activeAccount(),
			ev:      EntitlementEvent{Type: EventSubscriptionUpdated, EventID: "e", Status: StatusPaused, EffectiveAt: later},
			want:    OutcomeApplied,
		},
		{
			name:    "paused resumes to active",
			current: Account{Tier: TierPro, Status: StatusPaused},
			ev:      EntitlementEvent{Type: EventSubscriptionUpdated, EventID: "e", Status: StatusActive, Tier: TierPtr(TierPro), EffectiveAt: later},
			want:    OutcomeApplied,
		},
		{
			name:    "past due recovers",
			current: Account{Tier: TierPro, Status: StatusPastDue},
			ev:      EntitlementEvent{Type: EventSubscriptionUpdated, EventID: "e", Status: StatusActive, Tier: TierPtr(TierPro), EffectiveAt: later},
			want:    OutcomeApplied,
		},
		{
			name:    "payment failure without a paid entitlement",
			current: Account{Tier: TierFree, Status: StatusNone},
			ev:      EntitlementEvent{Type: EventPaymentFailed, EventID: "e", Status: StatusPastDue, EffectiveAt: later},
			want:    OutcomeSkipped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := Reconcile(tt.current, tt.ev)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReconcileCancelClearsCancelAtPeriodEnd(t *testing.T) {
	acct := activeAccount()
	acct.CancelAtPeriodEnd = true

	next, outcome := Reconcile(acct, EntitlementEvent{
		Type: EventSubscriptionCanceled, EventID: "evt_9", Status: StatusCanceled, Tier: TierPtr(TierFree), EffectiveAt: t0.Add(time.Hour),
	})
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, TierFree, next.Tier)
	assert.False(t, next.CancelAtPeriodEnd)
}

func TestApplyResultActivated(t *testing.T) {
	assert.True(t, ApplyResult{Outcome: OutcomeApplied, Previous: Account{Status: StatusNone}, Current: Account{Status: StatusActive}}.Activated())
	assert.True(t, ApplyResult{Outcome: OutcomeApplied, Previous: Account{Status: StatusCanceled}, Current: Account{Status: StatusActive}}.Activated())
	assert.False(t, ApplyResult{Outcome: OutcomeApplied, Previous: Account{Status: StatusPastDue}, Current: Account{Status: StatusActive}}.Activated())
	assert.False(t, ApplyResult{Outcome: OutcomeDuplicate, Previous: Account{Status: StatusNone}, Current: Account{Status: StatusActive}}.Activated())
}

func TestLedgerKey(t *testing.T) {
	plain := EntitlementEvent{EventID: "evt_1"}
	assert.Empty(t, plain.SessionKey())
	assert.Equal(t, "evt_1", plain.LedgerKey(OutcomeApplied, false))

	checkout := EntitlementEvent{EventID: "evt_1", IntentID: "cs_1"}
	assert.Equal(t, "checkout_session:cs_1", checkout.SessionKey())
	assert.Equal(t, "checkout_session:cs_1", checkout.LedgerKey(OutcomeApplied, false))
	assert.Equal(t, "evt_1", checkout.LedgerKey(OutcomeApplied, true))
	assert.Equal(t, "evt_1", checkout.LedgerKey(OutcomeStale, false))
	assert.Equal(t, "evt_1", checkout.LedgerKey(OutcomeSkipped, false))
}

func TestReconcileIntent(t *testing.T) {
	acct := activeAccount()
	last := *acct.LastEventTime
	older := EntitlementEvent{Type: EventCheckoutCompleted, EventID: "confirm:cs_1", IntentID: "cs_1", Status: StatusActive, Tier: TierPtr(TierPro), EffectiveAt: last.Add(-time.Minute)}
	same := older
	same.EventID = "evt_same"
	same.EffectiveAt = last
	newer := older
	newer.EventID = "evt_cs"
	newer.EffectiveAt = last.Add(time.Minute)

	_, got := ReconcileIntent(acct, older, true)
	assert.Equal(t, OutcomeDuplicate, got)
	_, got = ReconcileIntent(acct, same, true)
	assert.Equal(t, OutcomeDuplicate, got)

	next, got := ReconcileIntent(acct, newer, true)
	assert.Equal(t, OutcomeApplied, got)
	assert.Equal(t, "evt_cs", *next.LastEventID)
	assert.True(t, next.LastEventTime.Equal(newer.EffectiveAt))

	_, got = ReconcileIntent(acct, older, false)
	assert.Equal(t, OutcomeStale, got)
}

func TestCheckoutIntentSettled(t *testing.T) {
	assert.True(t, (&CheckoutIntent{PaymentStatus: PaymentStatusPaid}).Settled())
	assert.True(t, (&CheckoutIntent{PaymentStatus: PaymentStatusNoPaymentRequired}).Settled())
	assert.True(t, (&CheckoutIntent{PaymentStatus: PaymentStatusUnpaid, Status: "complete", AmountTotal: 0}).Settled())
	assert.False(t, (&CheckoutIntent{PaymentStatus: PaymentStatusUnpaid, Status: "complete", AmountTotal: 2900}).Settled())
	assert.False(t, (&CheckoutIntent{PaymentStatus: PaymentStatusUnpaid, Status: "open"}).Settled())
}

func TestIsPremium(t *testing.T) {
	assert.True(t, (&Account{Tier: TierPro, Status: StatusActive}).IsPremium())
	assert.True(t, (&Account{Tier: TierPro, Status: StatusPastDue}).IsPremium())
	assert.False(t, (&Account{Tier: TierPro, Status: StatusPaused}).IsPremium())
	assert.False(t, (&Account{Tier: TierFree, Status: StatusCanceled}).IsPremium())
}
