package dto

// CheckoutStartRequest starts a subscription checkout.
type CheckoutStartRequest struct {
	AccountID string `json:"accountId" validate:"required"`
	PlanID    string `json:"planId" validate:"required"`
}

type CheckoutStartResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
}

// CheckoutConfirmRequest is sent by the client after returning from checkout.
type CheckoutConfirmRequest struct {
	IntentID  string `json:"intentId" validate:"required"`
	AccountID string `json:"accountId" validate:"required"`
}

type CheckoutConfirmResponse struct {
	Success bool   `json:"success"`
	Tier    string `json:"tier"`
	Status  string `json:"status"`
}

type PortalResponse struct {
	URL string `json:"url"`
}
