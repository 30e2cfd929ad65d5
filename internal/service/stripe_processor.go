package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"grantgate/internal/metrics"
	"grantgate/internal/model"

	"github.com/stripe/stripe-go/v82"
	billingsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	customerpkg "github.com/stripe/stripe-go/v82/customer"
)

// CheckoutSessionRequest describes a subscription checkout to open.
type CheckoutSessionRequest struct {
	AccountID   string
	CustomerRef string
	PriceID     string
	SuccessURL  string
	CancelURL   string
}

// PaymentProcessor is the processor API surface this service calls.
type PaymentProcessor interface {
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
	CreateCustomer(ctx context.Context, accountID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*model.CheckoutIntent, error)
	GetCheckoutSession(ctx context.Context, id string) (*model.CheckoutIntent, error)
	CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error)
}

// StripeProcessor talks to Stripe with its own key and backend; it never
// touches the package-level stripe.Key.
type StripeProcessor struct {
	sessions  *checkoutsession.Client
	customers *customerpkg.Client
	portal    *billingsession.Client
}

func NewStripeProcessor(secretKey string, timeout time.Duration) *StripeProcessor {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
	})
	return &StripeProcessor{
		sessions:  &checkoutsession.Client{B: backend, Key: secretKey},
		customers: &customerpkg.Client{B: backend, Key: secretKey},
		portal:    &billingsession.Client{B: backend, Key: secretKey},
	}
}

func observe(op string) func() {
	start := time.Now()
	return func() { metrics.ProcessorLatency.WithLabelValues(op).Observe(time.Since(start).Seconds()) }
}

func (p *StripeProcessor) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	defer observe("customer_search")()
	params := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query: fmt.Sprintf("email:'%s'", strings.ReplaceAll(email, "'", `\'`)),
			Limit: stripe.Int64(1),
		},
	}
	params.Context = ctx
	iter := p.customers.Search(params)
	if iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("search stripe customer: %w", err)
	}
	return "", nil
}

func (p *StripeProcessor) CreateCustomer(ctx context.Context, accountID, email string) (string, error) {
	defer observe("customer_create")()
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	params.AddMetadata(accountMetadataKey, accountID)
	params.SetIdempotencyKey("customer-" + accountID)
	cust, err := p.customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}

func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*model.CheckoutIntent, error) {
	defer observe("checkout_create")()
	params := &stripe.CheckoutSessionParams{
		Customer:            stripe.String(req.CustomerRef),
		Mode:                stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems:           []*stripe.CheckoutSessionLineItemParams{{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)}},
		SuccessURL:          stripe.String(req.SuccessURL),
		CancelURL:           stripe.String(req.CancelURL),
		ClientReferenceID:   stripe.String(req.AccountID),
		AllowPromotionCodes: stripe.Bool(true),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{accountMetadataKey: req.AccountID},
		},
	}
	params.Context = ctx
	params.AddMetadata(accountMetadataKey, req.AccountID)
	sess, err := p.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return intentFromSession(sess), nil
}

func (p *StripeProcessor) GetCheckoutSession(ctx context.Context, id string) (*model.CheckoutIntent, error) {
	defer observe("checkout_get")()
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := p.sessions.Get(id, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrCheckoutNotFound, id)
		}
		return nil, fmt.Errorf("fetch checkout session %s: %w", id, err)
	}
	return intentFromSession(sess), nil
}

func (p *StripeProcessor) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error) {
	defer observe("portal_create")()
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerRef),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := p.portal.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

func intentFromSession(sess *stripe.CheckoutSession) *model.CheckoutIntent {
	intent := &model.CheckoutIntent{
		ID:                sess.ID,
		URL:               sess.URL,
		AccountID:         sess.Metadata[accountMetadataKey],
		ClientReferenceID: sess.ClientReferenceID,
		PaymentStatus:     string(sess.PaymentStatus),
		Status:            string(sess.Status),
		AmountTotal:       sess.AmountTotal,
		CreatedAt:         time.Unix(sess.Created, 0).UTC(),
	}
	if sess.Customer != nil {
		intent.CustomerRef = sess.Customer.ID
	}
	if sess.Subscription != nil {
		intent.SubscriptionRef = sess.Subscription.ID
	}
	return intent
}
