package model

import "time"

// DeadLetterMessage is a Pub/Sub message that exhausted its delivery attempts.
type DeadLetterMessage struct {
	ID               string    `db:"id"`
	SubscriptionName string    `db:"subscription_name"`
	MessageID        string    `db:"message_id"`
	Payload          string    `db:"payload"`
	Attributes       *string   `db:"attributes"` // JSON object, nullable
	Status           string    `db:"status"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// EntitlementNotification is published when an account gains a paid entitlement.
type EntitlementNotification struct {
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	Tier      Tier      `json:"tier"`
	Status    Status    `json:"status"`
	EventID   string    `json:"event_id"`
	At        time.Time `json:"at"`
}
