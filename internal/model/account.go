package model

import "time"

// Tier is the product level an account is entitled to.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Status is the lifecycle state of an account's paid entitlement.
type Status string

const (
	StatusNone     Status = "none"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
	StatusPaused   Status = "paused"
)

// Account is a user of the application together with its entitlement state.
type Account struct {
	ID                       string     `db:"id" json:"id"`
	Email                    string     `db:"email" json:"email"`
	Tier                     Tier       `db:"tier" json:"tier"`
	Status                   Status     `db:"status" json:"status"`
	ProcessorCustomerRef     *string    `db:"processor_customer_ref" json:"processor_customer_ref,omitempty"`
	ProcessorSubscriptionRef *string    `db:"processor_subscription_ref" json:"processor_subscription_ref,omitempty"`
	PeriodEnd                *time.Time `db:"period_end" json:"period_end,omitempty"`
	CancelAtPeriodEnd        bool       `db:"cancel_at_period_end" json:"cancel_at_period_end"`
	LastEventID              *string    `db:"last_event_id" json:"-"`
	LastEventTime            *time.Time `db:"last_event_time" json:"-"`
	CreatedAt                time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt                time.Time  `db:"updated_at" json:"updated_at"`
}

// IsPremium is the single check every feature gate uses.
// A past_due account keeps access while the processor retries payment.
func (a *Account) IsPremium() bool {
	if a.Tier != TierPro {
		return false
	}
	return a.Status == StatusActive || a.Status == StatusPastDue
}

// CheckoutIntent is a processor-hosted checkout session as seen by this service.
type CheckoutIntent struct {
	ID                string
	URL               string
	AccountID         string // metadata user_id
	ClientReferenceID string
	PaymentStatus     string
	Status            string
	AmountTotal       int64
	CustomerRef       string
	SubscriptionRef   string
	CreatedAt         time.Time
}

const (
	PaymentStatusPaid              = "paid"
	PaymentStatusUnpaid            = "unpaid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

// EmbeddedAccountID is the account the intent was issued for.
func (c *CheckoutIntent) EmbeddedAccountID() string {
	if c.AccountID != "" {
		return c.AccountID
	}
	return c.ClientReferenceID
}

// ReferencesAgree reports whether the metadata account and the client
// reference, when both are present, name the same account.
func (c *CheckoutIntent) ReferencesAgree() bool {
	return c.AccountID == "" || c.ClientReferenceID == "" || c.AccountID == c.ClientReferenceID
}

// Settled reports whether the intent grants access. A completed session with
// nothing due (full discount) counts as settled even when reported unpaid.
func (c *CheckoutIntent) Settled() bool {
	switch c.PaymentStatus {
	case PaymentStatusPaid, PaymentStatusNoPaymentRequired:
		return true
	case PaymentStatusUnpaid:
		return c.Status == "complete" && c.AmountTotal == 0
	}
	return false
}
