package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the PostgreSQL implementation of Billing. Debits and credits
// run in a transaction: the idempotency key is claimed by inserting a ledger
// entry first, and a conflict on that insert means the operation was already
// applied.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a ledger Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetBalance returns the user's balance row, creating a disabled default if
// none exists. A stale monthly window is rolled over before reading.
func (r *Repository) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO extra_usage_balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return nil, fmt.Errorf("ensuring balance row: %w: %w", ErrLedgerUnavailable, err)
	}

	// Reset monthly spend when the window has rolled over.
	_, err = r.pool.Exec(ctx,
		`UPDATE extra_usage_balances
		 SET monthly_spent_points = 0,
		     monthly_reset_at = date_trunc('month', NOW()),
		     updated_at = NOW()
		 WHERE user_id = $1 AND monthly_reset_at < date_trunc('month', NOW())`, userID)
	if err != nil {
		return nil, fmt.Errorf("rolling monthly window: %w: %w", ErrLedgerUnavailable, err)
	}

	return r.fetch(ctx, r.pool, userID)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) fetch(ctx context.Context, q queryer, userID string) (*Balance, error) {
	var b Balance
	err := q.QueryRow(ctx,
		`SELECT user_id, balance_points, enabled, auto_reload_enabled,
		        auto_reload_threshold_points, auto_reload_amount_dollars,
		        monthly_cap_points, monthly_spent_points, monthly_reset_at, updated_at
		 FROM extra_usage_balances WHERE user_id = $1`, userID,
	).Scan(&b.UserID, &b.BalancePoints, &b.Enabled, &b.AutoReloadEnabled,
		&b.AutoReloadThresholdPoints, &b.AutoReloadAmountDollars,
		&b.MonthlyCapPoints, &b.MonthlySpentPoints, &b.MonthlyResetAt, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("fetching balance: %w: %w", ErrLedgerUnavailable, err)
	}
	return &b, nil
}

// Debit draws pts down from the balance and adds them to the monthly spend.
// The stored balance never goes negative. A replayed idempotency key returns
// the current state with AlreadyProcessed set and no second application.
func (r *Repository) Debit(ctx context.Context, userID string, pts int64, idempotencyKey string) (*DebitResult, error) {
	if pts <= 0 {
		return nil, fmt.Errorf("debit points must be positive, got %d", pts)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning debit tx: %w: %w", ErrLedgerUnavailable, err)
	}
	defer tx.Rollback(ctx)

	claimed, err := r.claimKey(ctx, tx, userID, EntryKindDebit, pts, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !claimed {
		b, err := r.fetch(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("committing debit tx: %w: %w", ErrLedgerUnavailable, err)
		}
		return &DebitResult{Success: true, NewBalance: b.BalancePoints, AlreadyProcessed: true}, nil
	}

	var newBalance int64
	var hadFunds bool
	err = tx.QueryRow(ctx,
		`WITH old AS (
		     SELECT balance_points FROM extra_usage_balances WHERE user_id = $1 FOR UPDATE
		 )
		 UPDATE extra_usage_balances b
		 SET balance_points = GREATEST(b.balance_points - $2, 0),
		     monthly_spent_points = b.monthly_spent_points + $2,
		     updated_at = NOW()
		 FROM old
		 WHERE b.user_id = $1
		 RETURNING b.balance_points, old.balance_points >= $2`, userID, pts,
	).Scan(&newBalance, &hadFunds)
	if err != nil {
		return nil, fmt.Errorf("applying debit: %w: %w", ErrLedgerUnavailable, err)
	}

	if err := r.stampEntry(ctx, tx, idempotencyKey, newBalance); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing debit tx: %w: %w", ErrLedgerUnavailable, err)
	}
	return &DebitResult{Success: true, NewBalance: newBalance, InsufficientFunds: !hadFunds}, nil
}

// Credit adds pts to the balance with the same idempotency discipline.
func (r *Repository) Credit(ctx context.Context, userID string, pts int64, idempotencyKey string) (*CreditResult, error) {
	if pts <= 0 {
		return nil, fmt.Errorf("credit points must be positive, got %d", pts)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning credit tx: %w: %w", ErrLedgerUnavailable, err)
	}
	defer tx.Rollback(ctx)

	claimed, err := r.claimKey(ctx, tx, userID, EntryKindCredit, pts, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !claimed {
		b, err := r.fetch(ctx, tx, userID)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("committing credit tx: %w: %w", ErrLedgerUnavailable, err)
		}
		return &CreditResult{Success: true, NewBalance: b.BalancePoints, AlreadyProcessed: true}, nil
	}

	var newBalance int64
	err = tx.QueryRow(ctx,
		`UPDATE extra_usage_balances
		 SET balance_points = balance_points + $2,
		     updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING balance_points`, userID, pts,
	).Scan(&newBalance)
	if err != nil {
		return nil, fmt.Errorf("applying credit: %w: %w", ErrLedgerUnavailable, err)
	}

	if err := r.stampEntry(ctx, tx, idempotencyKey, newBalance); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing credit tx: %w: %w", ErrLedgerUnavailable, err)
	}
	return &CreditResult{Success: true, NewBalance: newBalance}, nil
}

// claimKey inserts the ledger entry that owns the idempotency key. Returns
// false when the key was already claimed by an earlier call.
func (r *Repository) claimKey(ctx context.Context, tx pgx.Tx, userID, kind string, pts int64, key string) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, idempotency_key, kind, points)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		uuid.New(), userID, key, kind, pts)
	if err != nil {
		return false, fmt.Errorf("claiming idempotency key: %w: %w", ErrLedgerUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) stampEntry(ctx context.Context, tx pgx.Tx, key string, balanceAfter int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE ledger_entries SET balance_after = $2 WHERE idempotency_key = $1`, key, balanceAfter)
	if err != nil {
		return fmt.Errorf("stamping ledger entry: %w: %w", ErrLedgerUnavailable, err)
	}
	return nil
}

// ListEntries returns the most recent ledger entries for a user.
func (r *Repository) ListEntries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, idempotency_key, kind, points, balance_after, created_at
		 FROM ledger_entries WHERE user_id = $1
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w: %w", ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt time.Time
		if err := rows.Scan(&e.ID, &e.UserID, &e.IdempotencyKey, &e.Kind, &e.Points, &e.BalanceAfter, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		e.CreatedAt = createdAt
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
