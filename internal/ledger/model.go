package ledger

import (
	"time"

	"github.com/agentmeter/agentmeter/internal/limiter"
)

// Balance is a user's prepaid extra-usage state. The ledger owns it
// exclusively; readers get copies and mutations go through idempotent
// Debit/Credit calls.
type Balance struct {
	UserID                    string    `json:"user_id"`
	BalancePoints             int64     `json:"balance_points"`
	Enabled                   bool      `json:"enabled"`
	AutoReloadEnabled         bool      `json:"auto_reload_enabled"`
	AutoReloadThresholdPoints int64     `json:"auto_reload_threshold_points"`
	AutoReloadAmountDollars   float64   `json:"auto_reload_amount_dollars"`
	MonthlyCapPoints          int64     `json:"monthly_cap_points"`
	MonthlySpentPoints        int64     `json:"monthly_spent_points"`
	MonthlyResetAt            time.Time `json:"monthly_reset_at"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// ExtraUsage converts the balance into the limiter's admission snapshot.
func (b *Balance) ExtraUsage() *limiter.ExtraUsage {
	if b == nil {
		return nil
	}
	return &limiter.ExtraUsage{
		Enabled:            b.Enabled,
		BalancePoints:      b.BalancePoints,
		AutoReloadEnabled:  b.AutoReloadEnabled,
		MonthlyCapPoints:   b.MonthlyCapPoints,
		MonthlySpentPoints: b.MonthlySpentPoints,
	}
}

// MonthlyHeadroom returns how many more points may be spent this month,
// or a negative value when no cap applies.
func (b *Balance) MonthlyHeadroom() int64 {
	if b.MonthlyCapPoints <= 0 {
		return -1
	}
	h := b.MonthlyCapPoints - b.MonthlySpentPoints
	if h < 0 {
		h = 0
	}
	return h
}

// DebitResult reports the outcome of an idempotent debit.
type DebitResult struct {
	Success           bool  `json:"success"`
	NewBalance        int64 `json:"new_balance"`
	AlreadyProcessed  bool  `json:"already_processed,omitempty"`
	InsufficientFunds bool  `json:"insufficient_funds,omitempty"`
}

// CreditResult reports the outcome of an idempotent credit.
type CreditResult struct {
	Success          bool  `json:"success"`
	NewBalance       int64 `json:"new_balance"`
	AlreadyProcessed bool  `json:"already_processed,omitempty"`
}

// Entry is one row of the append-only ledger audit trail.
type Entry struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Kind           string    `json:"kind"`
	Points         int64     `json:"points"`
	BalanceAfter   int64     `json:"balance_after"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	EntryKindDebit  = "debit"
	EntryKindCredit = "credit"
)
