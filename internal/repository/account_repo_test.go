package repository

import (
	"context"
	"testing"
	"time"

	"grantgate/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountCols = []string{
	"id", "email", "tier", "status", "processor_customer_ref", "processor_subscription_ref",
	"period_end", "cancel_at_period_end", "last_event_id", "last_event_time", "created_at", "updated_at",
}

var (
	created  = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	lastSeen = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func sp(s string) *string { return &s }

func activeRow() *pgxmock.Rows {
	return pgxmock.NewRows(accountCols).AddRow(
		"acct_1", "ada@example.com", "pro", "active", sp("cus_1"), sp("sub_1"),
		(*time.Time)(nil), false, sp("evt_1"), &lastSeen, created, created,
	)
}

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *accountRepo) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	repo := &accountRepo{pool: mock, now: func() time.Time { return lastSeen.Add(time.Hour) }}
	return mock, repo
}

func TestApplyEntitlementEventApplies(t *testing.T) {
	mock, repo := newMockRepo(t)
	ev := model.EntitlementEvent{
		Type:        model.EventPaymentFailed,
		EventID:     "evt_2",
		AccountID:   "acct_1",
		Status:      model.StatusPastDue,
		EffectiveAt: lastSeen.Add(time.Minute),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acct_1").
		WillReturnRows(activeRow())
	mock.ExpectExec(`INSERT INTO processed_billing_events`).
		WithArgs("evt_2", "evt_2", "acct_1", "payment_failed", "applied", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE accounts`).
		WithArgs("acct_1", "pro", "past_due", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), false, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := repo.ApplyEntitlementEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApplied, res.Outcome)
	assert.Equal(t, model.StatusActive, res.Previous.Status)
	assert.Equal(t, model.StatusPastDue, res.Current.Status)
	assert.Equal(t, model.TierPro, res.Current.Tier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEntitlementEventStaleRecordsLedgerOnly(t *testing.T) {
	mock, repo := newMockRepo(t)
	ev := model.EntitlementEvent{
		Type:        model.EventSubscriptionCanceled,
		EventID:     "evt_old",
		AccountID:   "acct_1",
		Status:      model.StatusCanceled,
		Tier:        model.TierPtr(model.TierFree),
		EffectiveAt: lastSeen.Add(-time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acct_1").
		WillReturnRows(activeRow())
	mock.ExpectExec(`INSERT INTO processed_billing_events`).
		WithArgs("evt_old", "evt_old", "acct_1", "subscription_canceled", "stale", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := repo.ApplyEntitlementEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeStale, res.Outcome)
	assert.Equal(t, model.StatusActive, res.Current.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func checkoutEvent(eventID string, at time.Time) model.EntitlementEvent {
	return model.EntitlementEvent{
		Type:        model.EventCheckoutCompleted,
		EventID:     eventID,
		IntentID:    "cs_1",
		AccountID:   "acct_1",
		Status:      model.StatusActive,
		Tier:        model.TierPtr(model.TierPro),
		EffectiveAt: at,
	}
}

func claimedRows(claimed bool) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"exists"}).AddRow(claimed)
}

func TestApplyEntitlementEventDuplicateInLedger(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acct_1").
		WillReturnRows(activeRow())
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("checkout_session:cs_1").
		WillReturnRows(claimedRows(false))
	mock.ExpectExec(`INSERT INTO processed_billing_events`).
		WithArgs("checkout_session:cs_1", "confirm:cs_1", "acct_1", "checkout_completed", "applied", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	res, err := repo.ApplyEntitlementEvent(context.Background(), checkoutEvent("confirm:cs_1", lastSeen.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, "evt_1", *res.Current.LastEventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEntitlementEventStaleCheckoutLeavesSessionUnclaimed(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acct_1").
		WillReturnRows(activeRow())
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("checkout_session:cs_1").
		WillReturnRows(claimedRows(false))
	mock.ExpectExec(`INSERT INTO processed_billing_events`).
		WithArgs("confirm:cs_1", "confirm:cs_1", "acct_1", "checkout_completed", "stale", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := repo.ApplyEntitlementEvent(context.Background(), checkoutEvent("confirm:cs_1", lastSeen.Add(-time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeStale, res.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEntitlementEventNewerEventForClaimedSession(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acct_1").
		WillReturnRows(activeRow())
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("checkout_session:cs_1").
		WillReturnRows(claimedRows(true))
	mock.ExpectExec(`INSERT INTO processed_billing_events`).
		WithArgs("evt_cs", "evt_cs", "acct_1", "checkout_completed", "applied", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE accounts`).
		WithArgs("acct_1", "pro", "active", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), false, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	at := lastSeen.Add(2 * time.Minute)
	res, err := repo.ApplyEntitlementEvent(context.Background(), checkoutEvent("evt_cs", at))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApplied, res.Outcome)
	assert.Equal(t, "evt_cs", *res.Current.LastEventID)
	assert.True(t, res.Current.LastEventTime.Equal(at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEntitlementEventOlderEventForClaimedSession(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("acct_1").
		WillReturnRows(activeRow())
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("checkout_session:cs_1").
		WillReturnRows(claimedRows(true))
	mock.ExpectExec(`INSERT INTO processed_billing_events`).
		WithArgs("confirm:cs_1", "confirm:cs_1", "acct_1", "checkout_completed", "duplicate", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := repo.ApplyEntitlementEvent(context.Background(), checkoutEvent("confirm:cs_1", lastSeen.Add(-time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, "evt_1", *res.Current.LastEventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEntitlementEventAccountNotFound(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accounts WHERE id = \$1 FOR UPDATE`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.ApplyEntitlementEvent(context.Background(), model.EntitlementEvent{EventID: "evt_x", AccountID: "ghost", Status: model.StatusActive})
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAccountByID(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery(`FROM accounts WHERE id = \$1`).
		WithArgs("acct_1").
		WillReturnRows(activeRow())

	acct, err := repo.GetAccountByID(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", acct.Email)
	assert.Equal(t, "cus_1", *acct.ProcessorCustomerRef)
	assert.True(t, acct.IsPremium())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAccountByIDNotFound(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery(`FROM accounts WHERE id = \$1`).
		WithArgs("nobody").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetAccountByID(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestCreateAccountConflict(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectQuery(`INSERT INTO accounts`).
		WithArgs("acct_1", "ada@example.com").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.CreateAccount(context.Background(), "acct_1", "ada@example.com")
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestUpdateProcessorCustomerRef(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectExec(`UPDATE accounts SET processor_customer_ref`).
		WithArgs("acct_1", "cus_9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE accounts SET processor_customer_ref`).
		WithArgs("ghost", "cus_9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.UpdateProcessorCustomerRef(context.Background(), "acct_1", "cus_9"))
	assert.ErrorIs(t, repo.UpdateProcessorCustomerRef(context.Background(), "ghost", "cus_9"), ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
