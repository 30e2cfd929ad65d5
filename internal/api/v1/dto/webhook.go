package dto

// WebhookResponse acknowledges a processor delivery.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
