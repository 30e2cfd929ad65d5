package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grantgate/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
)

// AccountRepository persists accounts and their entitlement state.
type AccountRepository interface {
	CreateAccount(ctx context.Context, id, email string) (*model.Account, error)
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)
	UpdateProcessorCustomerRef(ctx context.Context, id, customerRef string) error
	// ApplyEntitlementEvent atomically applies ev to the account it names,
	// recording it in the processed-events ledger.
	ApplyEntitlementEvent(ctx context.Context, ev model.EntitlementEvent) (model.ApplyResult, error)
}

type accountRepo struct {
	pool PgxPool
	now  func() time.Time
}

func NewAccountRepo(pool PgxPool) AccountRepository {
	return &accountRepo{pool: pool, now: time.Now}
}

const accountColumns = `id, email, tier, status, processor_customer_ref, processor_subscription_ref,
       period_end, cancel_at_period_end, last_event_id, last_event_time, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		a      model.Account
		tier   string
		status string
	)
	err := row.Scan(
		&a.ID,
		&a.Email,
		&tier,
		&status,
		&a.ProcessorCustomerRef,
		&a.ProcessorSubscriptionRef,
		&a.PeriodEnd,
		&a.CancelAtPeriodEnd,
		&a.LastEventID,
		&a.LastEventTime,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Tier = model.Tier(tier)
	a.Status = model.Status(status)
	return &a, nil
}

func (r *accountRepo) CreateAccount(ctx context.Context, id, email string) (*model.Account, error) {
	const q = `
        INSERT INTO accounts (id, email, tier, status, created_at, updated_at)
        VALUES ($1, $2, 'free', 'none', NOW(), NOW())
        ON CONFLICT (id) DO NOTHING
        RETURNING ` + accountColumns
	a, err := scanAccount(r.pool.QueryRow(ctx, q, id, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountExists
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("create account %s: %w", id, err)
	}
	return a, nil
}

func (r *accountRepo) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	a, err := scanAccount(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch account %s: %w", id, err)
	}
	return a, nil
}

func (r *accountRepo) UpdateProcessorCustomerRef(ctx context.Context, id, customerRef string) error {
	const q = `UPDATE accounts SET processor_customer_ref = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, customerRef)
	if err != nil {
		return fmt.Errorf("update customer ref for account %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *accountRepo) ApplyEntitlementEvent(ctx context.Context, ev model.EntitlementEvent) (model.ApplyResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.ApplyResult{}, fmt.Errorf("begin apply for account %s: %w", ev.AccountID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	current, err := scanAccount(tx.QueryRow(ctx, q, ev.AccountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApplyResult{}, ErrAccountNotFound
	}
	if err != nil {
		return model.ApplyResult{}, fmt.Errorf("lock account %s: %w", ev.AccountID, err)
	}

	// The row lock serializes writers for this account, so the claim read here
	// is current for the rest of the transaction.
	var sessionClaimed bool
	if key := ev.SessionKey(); key != "" {
		const claimed = `SELECT EXISTS (SELECT 1 FROM processed_billing_events WHERE idempotency_key = $1)`
		if err := tx.QueryRow(ctx, claimed, key).Scan(&sessionClaimed); err != nil {
			return model.ApplyResult{}, fmt.Errorf("check checkout intent %s: %w", ev.IntentID, err)
		}
	}

	next, outcome := model.ReconcileIntent(*current, ev, sessionClaimed)

	const ledger = `
        INSERT INTO processed_billing_events (idempotency_key, event_id, account_id, event_type, outcome, effective_at, processed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (idempotency_key) DO NOTHING`
	tag, err := tx.Exec(ctx, ledger, ev.LedgerKey(outcome, sessionClaimed), ev.EventID, ev.AccountID, string(ev.Type), string(outcome), ev.EffectiveAt, r.now())
	if err != nil {
		return model.ApplyResult{}, fmt.Errorf("record event %s: %w", ev.EventID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ApplyResult{Outcome: model.OutcomeDuplicate, Previous: *current, Current: *current}, nil
	}

	if outcome == model.OutcomeApplied {
		const upd = `
            UPDATE accounts
            SET tier = $2,
                status = $3,
                processor_customer_ref = $4,
                processor_subscription_ref = $5,
                period_end = $6,
                cancel_at_period_end = $7,
                last_event_id = $8,
                last_event_time = $9,
                updated_at = NOW()
            WHERE id = $1`
		_, err := tx.Exec(ctx, upd,
			next.ID,
			string(next.Tier),
			string(next.Status),
			next.ProcessorCustomerRef,
			next.ProcessorSubscriptionRef,
			next.PeriodEnd,
			next.CancelAtPeriodEnd,
			next.LastEventID,
			next.LastEventTime,
		)
		if err != nil {
			return model.ApplyResult{}, fmt.Errorf("update entitlement for account %s: %w", ev.AccountID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ApplyResult{}, fmt.Errorf("commit apply for account %s: %w", ev.AccountID, err)
	}
	return model.ApplyResult{Outcome: outcome, Previous: *current, Current: next}, nil
}
