package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"grantgate/internal/model"
	"grantgate/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test_secret"

// memStore mirrors the SQL repository: one lock around read, decide, ledger, write.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	ledger   map[string]model.Outcome
}

func newMemStore(accounts ...model.Account) *memStore {
	s := &memStore{accounts: map[string]*model.Account{}, ledger: map[string]model.Outcome{}}
	for i := range accounts {
		a := accounts[i]
		s.accounts[a.ID] = &a
	}
	return s
}

func (s *memStore) GetAccountByID(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) UpdateProcessorCustomerRef(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return repository.ErrAccountNotFound
	}
	a.ProcessorCustomerRef = &ref
	return nil
}

func (s *memStore) ApplyEntitlementEvent(_ context.Context, ev model.EntitlementEvent) (model.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[ev.AccountID]
	if !ok {
		return model.ApplyResult{}, repository.ErrAccountNotFound
	}
	current := *a
	_, claimed := s.ledger[ev.SessionKey()]
	claimed = claimed && ev.SessionKey() != ""
	next, outcome := model.ReconcileIntent(current, ev, claimed)
	key := ev.LedgerKey(outcome, claimed)
	if _, seen := s.ledger[key]; seen {
		return model.ApplyResult{Outcome: model.OutcomeDuplicate, Previous: current, Current: current}, nil
	}
	s.ledger[key] = outcome
	if outcome == model.OutcomeApplied {
		*a = next
	}
	return model.ApplyResult{Outcome: outcome, Previous: current, Current: *a}, nil
}

func (s *memStore) account(t *testing.T, id string) model.Account {
	t.Helper()
	a, err := s.GetAccountByID(context.Background(), id)
	require.NoError(t, err)
	return *a
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []model.EntitlementNotification
	err   error
}

func (n *recordingNotifier) EntitlementActivated(_ context.Context, note model.EntitlementNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

type fakeProcessor struct {
	mu              sync.Mutex
	customers       map[string]string // email -> customer ref
	createdCustomer int
	sessions        map[string]*model.CheckoutIntent
	lastRequest     CheckoutSessionRequest
	sessionMetadata map[string]string
	subscriptionMD  map[string]string
	err             error
	nextID          int
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{customers: map[string]string{}, sessions: map[string]*model.CheckoutIntent{}}
}

func (p *fakeProcessor) FindCustomerByEmail(_ context.Context, email string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	return p.customers[email], nil
}

func (p *fakeProcessor) CreateCustomer(_ context.Context, accountID, email string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.createdCustomer++
	ref := "cus_" + accountID
	p.customers[email] = ref
	return ref, nil
}

// CreateCheckoutSession records the metadata Stripe would store on the session
// and on the subscription it creates.
func (p *fakeProcessor) CreateCheckoutSession(_ context.Context, req CheckoutSessionRequest) (*model.CheckoutIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.nextID++
	p.lastRequest = req
	p.sessionMetadata = map[string]string{"user_id": req.AccountID}
	p.subscriptionMD = map[string]string{"user_id": req.AccountID}
	intent := &model.CheckoutIntent{
		ID:                fmt.Sprintf("cs_test_%d", p.nextID),
		URL:               fmt.Sprintf("https://checkout.stripe.test/c/cs_test_%d", p.nextID),
		AccountID:         req.AccountID,
		ClientReferenceID: req.AccountID,
		PaymentStatus:     model.PaymentStatusUnpaid,
		Status:            "open",
		AmountTotal:       2900,
		CustomerRef:       req.CustomerRef,
		CreatedAt:         time.Now().UTC().Truncate(time.Second),
	}
	p.sessions[intent.ID] = intent
	return intent, nil
}

func (p *fakeProcessor) GetCheckoutSession(_ context.Context, id string) (*model.CheckoutIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	intent, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckoutNotFound, id)
	}
	cp := *intent
	return &cp, nil
}

func (p *fakeProcessor) CreatePortalSession(_ context.Context, customerRef, _ string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return "https://billing.stripe.test/p/" + customerRef, nil
}

// complete marks a session paid the way Stripe does after checkout.
func (p *fakeProcessor) complete(id, paymentStatus string, amount int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.sessions[id]
	s.Status = "complete"
	s.PaymentStatus = paymentStatus
	s.AmountTotal = amount
	s.SubscriptionRef = "sub_" + id
}

func newAccount(id string) model.Account {
	return model.Account{ID: id, Email: id + "@example.com", Tier: model.TierFree, Status: model.StatusNone}
}

func newTestEntitlementService(store EntitlementStore, notifier Notifier) *EntitlementService {
	return NewEntitlementService(store, NewVerifier(testWebhookSecret, "hmac_secret"), NewNormalizer(), NewNoopArchiver(), notifier, zerolog.Nop())
}

// stripeEvent builds the JSON envelope Stripe posts for an event.
func stripeEvent(t *testing.T, id, eventType string, created time.Time, object any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2025-03-31.basil",
		"livemode":    false,
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return b
}

// signStripe produces a Stripe-Signature header for payload.
func signStripe(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func signed(payload []byte) SignatureHeaders {
	return SignatureHeaders{Stripe: signStripe(payload, testWebhookSecret)}
}

func checkoutObject(sessionID, accountID, paymentStatus string) map[string]any {
	return map[string]any{
		"id":                  sessionID,
		"object":              "checkout.session",
		"client_reference_id": accountID,
		"metadata":            map[string]string{"user_id": accountID},
		"payment_status":      paymentStatus,
		"status":              "complete",
		"amount_total":        2900,
		"customer":            "cus_" + accountID,
		"subscription":        "sub_" + sessionID,
	}
}

func subscriptionObject(subID, accountID, status string) map[string]any {
	return map[string]any{
		"id":                   subID,
		"object":               "subscription",
		"status":               status,
		"customer":             "cus_" + accountID,
		"metadata":             map[string]string{"user_id": accountID},
		"cancel_at_period_end": false,
		"items": map[string]any{
			"data": []map[string]any{{"current_period_end": time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC).Unix()}},
		},
	}
}

func invoiceObject(subID, accountID string) map[string]any {
	return map[string]any{
		"id":       "in_" + subID,
		"object":   "invoice",
		"customer": "cus_" + accountID,
		"parent": map[string]any{
			"type": "subscription_details",
			"subscription_details": map[string]any{
				"subscription": subID,
				"metadata":     map[string]string{"user_id": accountID},
			},
		},
	}
}
