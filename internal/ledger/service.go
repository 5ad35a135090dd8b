package ledger

import (
	"context"
	"log/slog"

	"github.com/agentmeter/agentmeter/internal/limiter"
	"github.com/agentmeter/agentmeter/internal/metrics"
	"github.com/agentmeter/agentmeter/internal/points"
)

// Service fronts the Billing collaborator: it degrades conservatively when
// the ledger is down and tops the balance up after debits when auto-reload
// is configured.
type Service struct {
	billing    Billing
	multiplier float64
}

// NewService creates a ledger Service. multiplier is the extra-usage markup
// used when reporting dollar amounts.
func NewService(billing Billing, multiplier float64) *Service {
	if multiplier <= 0 {
		multiplier = points.DefaultExtraUsageMultiplier
	}
	return &Service{billing: billing, multiplier: multiplier}
}

// GetBalance returns the user's prepaid balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return s.billing.GetBalance(ctx, userID)
}

// BalanceDollars converts a point balance for display, rounded up to the
// cent at the extra-usage rate.
func (s *Service) BalanceDollars(pts int64) float64 {
	return points.ToDollars(pts, s.multiplier)
}

// Snapshot fetches the admission-time extra-usage view. A ledger outage
// yields a nil snapshot: the balance path is simply unavailable, which can
// only deny extra usage, never grant it.
func (s *Service) Snapshot(ctx context.Context, userID string) *limiter.ExtraUsage {
	b, err := s.billing.GetBalance(ctx, userID)
	if err != nil {
		slog.Warn("ledger: balance unavailable, extra usage disabled for request",
			"user_id", userID, "error", err)
		return nil
	}
	return b.ExtraUsage()
}

// Debit draws down the balance. Ledger failures come back as a conservative
// not-success/insufficient-funds result so callers treat them as "cannot
// proceed" rather than granted usage.
func (s *Service) Debit(ctx context.Context, userID string, pts int64, idempotencyKey string) *DebitResult {
	res, err := s.billing.Debit(ctx, userID, pts, idempotencyKey)
	if err != nil {
		slog.Error("ledger: debit failed", "user_id", userID, "points", pts, "error", err)
		metrics.LedgerOperations.WithLabelValues("debit", "error").Inc()
		return &DebitResult{Success: false, InsufficientFunds: true}
	}
	result := "applied"
	if res.AlreadyProcessed {
		result = "already_processed"
	}
	metrics.LedgerOperations.WithLabelValues("debit", result).Inc()

	if !res.AlreadyProcessed {
		s.maybeAutoReload(ctx, userID, idempotencyKey)
	}
	return res
}

// Credit adds points back to the balance.
func (s *Service) Credit(ctx context.Context, userID string, pts int64, idempotencyKey string) (*CreditResult, error) {
	res, err := s.billing.Credit(ctx, userID, pts, idempotencyKey)
	if err != nil {
		metrics.LedgerOperations.WithLabelValues("credit", "error").Inc()
		return nil, err
	}
	result := "applied"
	if res.AlreadyProcessed {
		result = "already_processed"
	}
	metrics.LedgerOperations.WithLabelValues("credit", result).Inc()
	return res, nil
}

// maybeAutoReload credits the configured reload amount when the balance has
// dropped below the threshold. The reload key derives from the debit's key,
// so a retried debit cannot trigger a second reload.
func (s *Service) maybeAutoReload(ctx context.Context, userID, debitKey string) {
	b, err := s.billing.GetBalance(ctx, userID)
	if err != nil {
		slog.Warn("ledger: auto-reload check skipped", "user_id", userID, "error", err)
		return
	}
	if !b.AutoReloadEnabled || b.BalancePoints >= b.AutoReloadThresholdPoints {
		return
	}
	reload := points.FromDollars(b.AutoReloadAmountDollars)
	if reload <= 0 {
		return
	}

	res, err := s.billing.Credit(ctx, userID, reload, debitKey+":reload")
	if err != nil {
		slog.Error("ledger: auto-reload credit failed", "user_id", userID, "error", err)
		metrics.LedgerOperations.WithLabelValues("auto_reload", "error").Inc()
		return
	}
	metrics.LedgerOperations.WithLabelValues("auto_reload", "applied").Inc()
	slog.Info("ledger: auto-reload applied",
		"user_id", userID, "points", reload, "new_balance", res.NewBalance)
}
