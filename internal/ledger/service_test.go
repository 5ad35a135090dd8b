package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBilling is an in-memory Billing with idempotency-key tracking.
type fakeBilling struct {
	balances map[string]*Balance
	applied  map[string]bool
	fail     bool

	debitCalls  int
	creditCalls int
}

func newFakeBilling() *fakeBilling {
	return &fakeBilling{
		balances: make(map[string]*Balance),
		applied:  make(map[string]bool),
	}
}

func (f *fakeBilling) balance(userID string) *Balance {
	b, ok := f.balances[userID]
	if !ok {
		b = &Balance{UserID: userID}
		f.balances[userID] = b
	}
	return b
}

func (f *fakeBilling) GetBalance(_ context.Context, userID string) (*Balance, error) {
	if f.fail {
		return nil, ErrLedgerUnavailable
	}
	b := *f.balance(userID)
	return &b, nil
}

func (f *fakeBilling) Debit(_ context.Context, userID string, pts int64, key string) (*DebitResult, error) {
	f.debitCalls++
	if f.fail {
		return nil, ErrLedgerUnavailable
	}
	b := f.balance(userID)
	if f.applied[key] {
		return &DebitResult{Success: true, NewBalance: b.BalancePoints, AlreadyProcessed: true}, nil
	}
	f.applied[key] = true
	insufficient := b.BalancePoints < pts
	b.BalancePoints -= pts
	if b.BalancePoints < 0 {
		b.BalancePoints = 0
	}
	b.MonthlySpentPoints += pts
	return &DebitResult{Success: true, NewBalance: b.BalancePoints, InsufficientFunds: insufficient}, nil
}

func (f *fakeBilling) Credit(_ context.Context, userID string, pts int64, key string) (*CreditResult, error) {
	f.creditCalls++
	if f.fail {
		return nil, ErrLedgerUnavailable
	}
	b := f.balance(userID)
	if f.applied[key] {
		return &CreditResult{Success: true, NewBalance: b.BalancePoints, AlreadyProcessed: true}, nil
	}
	f.applied[key] = true
	b.BalancePoints += pts
	return &CreditResult{Success: true, NewBalance: b.BalancePoints}, nil
}

func TestService_DebitAppliesOnce(t *testing.T) {
	fb := newFakeBilling()
	fb.balance("u1").BalancePoints = 10_000
	svc := NewService(fb, 1.1)
	ctx := context.Background()

	res := svc.Debit(ctx, "u1", 4000, "turn-1")
	require.True(t, res.Success)
	assert.Equal(t, int64(6000), res.NewBalance)

	// Retried key does not double-apply.
	res = svc.Debit(ctx, "u1", 4000, "turn-1")
	require.True(t, res.Success)
	assert.True(t, res.AlreadyProcessed)
	assert.Equal(t, int64(6000), res.NewBalance)
}

func TestService_DebitFailureIsConservative(t *testing.T) {
	fb := newFakeBilling()
	fb.fail = true
	svc := NewService(fb, 1.1)

	res := svc.Debit(context.Background(), "u1", 100, "turn-1")
	assert.False(t, res.Success)
	assert.True(t, res.InsufficientFunds)
}

func TestService_AutoReloadBelowThreshold(t *testing.T) {
	fb := newFakeBilling()
	b := fb.balance("u1")
	b.BalancePoints = 5000
	b.AutoReloadEnabled = true
	b.AutoReloadThresholdPoints = 2000
	b.AutoReloadAmountDollars = 1.0
	svc := NewService(fb, 1.1)
	ctx := context.Background()

	res := svc.Debit(ctx, "u1", 4000, "turn-1")
	require.True(t, res.Success)

	// 5000 - 4000 = 1000 < 2000 threshold: reload of $1.00 = 10000 points.
	got, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(11_000), got.BalancePoints)

	// Retrying the same debit key triggers no second reload.
	_ = svc.Debit(ctx, "u1", 4000, "turn-1")
	got, err = svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(11_000), got.BalancePoints)
}

func TestService_NoAutoReloadAboveThreshold(t *testing.T) {
	fb := newFakeBilling()
	b := fb.balance("u1")
	b.BalancePoints = 50_000
	b.AutoReloadEnabled = true
	b.AutoReloadThresholdPoints = 2000
	b.AutoReloadAmountDollars = 1.0
	svc := NewService(fb, 1.1)

	res := svc.Debit(context.Background(), "u1", 4000, "turn-1")
	require.True(t, res.Success)
	assert.Equal(t, 0, fb.creditCalls)
}

func TestService_SnapshotOnOutageIsNil(t *testing.T) {
	fb := newFakeBilling()
	fb.fail = true
	svc := NewService(fb, 1.1)

	snap := svc.Snapshot(context.Background(), "u1")
	assert.Nil(t, snap)
	assert.False(t, snap.Usable(), "nil snapshot must deny the balance path")
}

func TestService_CreditPassesThrough(t *testing.T) {
	fb := newFakeBilling()
	svc := NewService(fb, 1.1)
	ctx := context.Background()

	res, err := svc.Credit(ctx, "u1", 2500, "pay-evt-9")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), res.NewBalance)

	res, err = svc.Credit(ctx, "u1", 2500, "pay-evt-9")
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.Equal(t, int64(2500), res.NewBalance)
}

func TestService_CreditFailure(t *testing.T) {
	fb := newFakeBilling()
	fb.fail = true
	svc := NewService(fb, 1.1)

	_, err := svc.Credit(context.Background(), "u1", 100, "pay-evt-1")
	require.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestBalance_ExtraUsageAndHeadroom(t *testing.T) {
	b := &Balance{
		Enabled:            true,
		BalancePoints:      1000,
		MonthlyCapPoints:   5000,
		MonthlySpentPoints: 4500,
	}
	snap := b.ExtraUsage()
	require.NotNil(t, snap)
	assert.True(t, snap.Usable())
	assert.Equal(t, int64(500), b.MonthlyHeadroom())

	b.MonthlyCapPoints = 0
	assert.Equal(t, int64(-1), b.MonthlyHeadroom())

	var nilBalance *Balance
	assert.Nil(t, nilBalance.ExtraUsage())
}

func TestService_DefaultMultiplier(t *testing.T) {
	svc := NewService(newFakeBilling(), 0)
	assert.Equal(t, 1.11, svc.BalanceDollars(10_000))
}

var _ Billing = (*fakeBilling)(nil)

func TestFakeBillingContract(t *testing.T) {
	// Sanity: the fake honors the clamp invariant the real repository enforces.
	fb := newFakeBilling()
	res, err := fb.Debit(context.Background(), "u1", 500, "k1")
	require.NoError(t, err)
	assert.True(t, res.InsufficientFunds)
	assert.Equal(t, int64(0), res.NewBalance)
}
