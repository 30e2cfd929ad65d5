package dto

import "time"

// AccountCreateDTO registers the authenticated user. Email falls back to the
// token's email claim.
type AccountCreateDTO struct {
	Email string `json:"email" validate:"omitempty,email"`
}

type AccountResponseDTO struct {
	AccountID string    `json:"accountId"`
	Email     string    `json:"email"`
	Tier      string    `json:"tier"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// EntitlementResponseDTO is what feature gates read.
type EntitlementResponseDTO struct {
	AccountID         string     `json:"accountId"`
	Tier              string     `json:"tier"`
	Status            string     `json:"status"`
	IsPremium         bool       `json:"isPremium"`
	PeriodEnd         *time.Time `json:"periodEnd,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
}
