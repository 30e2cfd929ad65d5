package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

var ErrSignatureInvalid = errors.New("webhook signature invalid")

// SignatureHeaders carries the signature headers a webhook request may use.
type SignatureHeaders struct {
	Stripe string // Stripe-Signature
	HMAC   string // X-Signature: hex HMAC-SHA256 of the raw body
}

func SignatureHeadersFrom(h http.Header) SignatureHeaders {
	return SignatureHeaders{
		Stripe: h.Get("Stripe-Signature"),
		HMAC:   h.Get("X-Signature"),
	}
}

// Verifier authenticates webhook payloads. Every failure is ErrSignatureInvalid.
type Verifier struct {
	stripeSecret string
	hmacSecret   string
}

func NewVerifier(stripeSecret, hmacSecret string) *Verifier {
	return &Verifier{stripeSecret: stripeSecret, hmacSecret: hmacSecret}
}

// Verify checks payload against whichever signature header is present and
// returns the decoded event. payload must be the exact bytes received.
func (v *Verifier) Verify(payload []byte, sig SignatureHeaders) (stripe.Event, error) {
	switch {
	case sig.Stripe != "":
		if v.stripeSecret == "" {
			return stripe.Event{}, fmt.Errorf("%w: no stripe webhook secret configured", ErrSignatureInvalid)
		}
		event, err := webhook.ConstructEventWithOptions(payload, sig.Stripe, v.stripeSecret, webhook.ConstructEventOptions{
			Tolerance:                webhook.DefaultTolerance,
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
		if event.ID == "" {
			return stripe.Event{}, fmt.Errorf("%w: event id missing", ErrSignatureInvalid)
		}
		return event, nil

	case sig.HMAC != "":
		if !VerifyHMACSignature(payload, sig.HMAC, v.hmacSecret) {
			return stripe.Event{}, ErrSignatureInvalid
		}
		var event stripe.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return stripe.Event{}, fmt.Errorf("%w: undecodable event: %v", ErrSignatureInvalid, err)
		}
		if event.ID == "" || event.Data == nil {
			return stripe.Event{}, fmt.Errorf("%w: event id or data missing", ErrSignatureInvalid)
		}
		return event, nil
	}
	return stripe.Event{}, fmt.Errorf("%w: no signature header", ErrSignatureInvalid)
}

// VerifyHMACSignature compares a hex HMAC-SHA256 signature in constant time.
// An empty secret or signature never verifies.
func VerifyHMACSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
