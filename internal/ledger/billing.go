package ledger

import (
	"context"
	"errors"
)

// ErrLedgerUnavailable reports that the billing store could not complete an
// operation. Callers treat it as "cannot proceed", never as granted usage.
var ErrLedgerUnavailable = errors.New("billing ledger unavailable")

// Billing is the narrow collaborator interface for the prepaid ledger. Every
// mutating call carries an idempotency key so upstream retries (a repeated
// payment notification, a re-run reconciliation) cannot double-apply.
type Billing interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	Debit(ctx context.Context, userID string, pts int64, idempotencyKey string) (*DebitResult, error)
	Credit(ctx context.Context, userID string, pts int64, idempotencyKey string) (*CreditResult, error)
}
