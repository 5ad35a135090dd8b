// Package usage implements the deduction/refund protocol: admission reserves
// an estimated cost, and after the stream settles the difference between
// actual and reserved is reconciled here. The reservation amount is captured
// once at admission and threaded through unchanged; it is never recomputed
// from the mutable counters.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentmeter/agentmeter/internal/events"
	"github.com/agentmeter/agentmeter/internal/ledger"
	"github.com/agentmeter/agentmeter/internal/limiter"
	"github.com/agentmeter/agentmeter/internal/metrics"
	"github.com/agentmeter/agentmeter/internal/points"
)

// Status distinguishes a real ledger/bucket mutation from a documented
// nothing-to-do call.
type Status string

const (
	StatusApplied Status = "applied"
	StatusNoOp    Status = "noop"
)

const (
	SourceBucket     = "bucket"
	SourceExtraUsage = "extra_usage"
)

// Service reconciles reservations against actual cost.
type Service struct {
	bucket    *limiter.TokenBucket
	ledger    *ledger.Service
	publisher *events.Publisher
}

// NewService creates a usage Service. publisher may be nil.
func NewService(bucket *limiter.TokenBucket, ledgerSvc *ledger.Service, publisher *events.Publisher) *Service {
	return &Service{bucket: bucket, ledger: ledgerSvc, publisher: publisher}
}

// DeductRequest carries one turn's settlement inputs.
type DeductRequest struct {
	UserID string
	Tier   points.Tier

	// TurnID identifies the logical turn; ledger idempotency keys derive
	// from it so a retried settlement cannot double-apply.
	TurnID string

	// ReservedPoints is the admission-time reservation, unchanged.
	ReservedPoints int64

	// UsedExtraUsage is true when admission went through the balance path
	// and the bucket counters were never touched.
	UsedExtraUsage bool

	Actual points.ActualUsage
}

// DeductResult reports what reconciliation did.
type DeductResult struct {
	Status           Status `json:"status"`
	ActualPoints     int64  `json:"actual_points"`
	AdjustmentPoints int64  `json:"adjustment_points"` // >0 extra debit, <0 refund
	Source           string `json:"source"`
}

// Deduct settles one finished turn. Free-tier turns are counted per request
// at admission and never reach this path.
func (s *Service) Deduct(ctx context.Context, req DeductRequest) (*DeductResult, error) {
	if req.Tier == points.TierFree {
		return &DeductResult{Status: StatusNoOp}, nil
	}
	if req.TurnID == "" {
		return nil, fmt.Errorf("turn id is required")
	}

	actual := points.Actual(req.Actual)

	if req.UsedExtraUsage {
		return s.settleExtraUsage(ctx, req, actual)
	}
	return s.settleBucket(ctx, req, actual)
}

// settleBucket reconciles the provisional bucket reservation: extra debit
// when the turn cost more than estimated, clamped release when it cost less.
func (s *Service) settleBucket(ctx context.Context, req DeductRequest, actual int64) (*DeductResult, error) {
	diff := actual - req.ReservedPoints

	switch {
	case diff > 0:
		if err := s.bucket.Charge(ctx, req.UserID, req.Tier, diff); err != nil {
			return nil, fmt.Errorf("charging bucket difference: %w", err)
		}
		metrics.PointsDeductedTotal.WithLabelValues(SourceBucket).Add(float64(diff))
	case diff < 0:
		released, err := s.bucket.Release(ctx, req.UserID, -diff)
		if err != nil {
			return nil, fmt.Errorf("releasing bucket difference: %w", err)
		}
		metrics.PointsRefundedTotal.WithLabelValues(SourceBucket).Add(float64(released))
	}

	s.publisher.PublishUsageDeducted(ctx, events.UsageEvent{
		UserID:         req.UserID,
		TurnID:         req.TurnID,
		Tier:           string(req.Tier),
		Source:         SourceBucket,
		ReservedPoints: req.ReservedPoints,
		ActualPoints:   actual,
		DeltaPoints:    diff,
		Timestamp:      time.Now().UTC(),
	})

	return &DeductResult{
		Status:           StatusApplied,
		ActualPoints:     actual,
		AdjustmentPoints: diff,
		Source:           SourceBucket,
	}, nil
}

// settleExtraUsage debits the full actual cost from the prepaid balance,
// since nothing was reserved there at admission. The debit is bounded by the
// monthly headroom so one turn cannot blow past the cap retroactively.
func (s *Service) settleExtraUsage(ctx context.Context, req DeductRequest, actual int64) (*DeductResult, error) {
	toDebit := actual
	if b, err := s.ledger.GetBalance(ctx, req.UserID); err == nil {
		if headroom := b.MonthlyHeadroom(); headroom >= 0 && toDebit > headroom {
			slog.Warn("usage: debit truncated at monthly cap",
				"user_id", req.UserID, "turn_id", req.TurnID,
				"actual_points", actual, "headroom", headroom)
			toDebit = headroom
		}
	}

	res, status := s.DeductFromBalance(ctx, req.UserID, toDebit, req.TurnID)
	if status == StatusApplied && !res.Success {
		return nil, fmt.Errorf("debiting extra usage for turn %s: %w", req.TurnID, ledger.ErrLedgerUnavailable)
	}

	s.publisher.PublishUsageDeducted(ctx, events.UsageEvent{
		UserID:         req.UserID,
		TurnID:         req.TurnID,
		Tier:           string(req.Tier),
		Source:         SourceExtraUsage,
		ReservedPoints: 0,
		ActualPoints:   actual,
		DeltaPoints:    toDebit,
		Timestamp:      time.Now().UTC(),
	})

	return &DeductResult{
		Status:           status,
		ActualPoints:     actual,
		AdjustmentPoints: toDebit,
		Source:           SourceExtraUsage,
	}, nil
}

// DeductFromBalance debits pts from the prepaid balance. pts <= 0 is a
// documented no-op: the ledger collaborator is never called and the caller
// can tell nothing happened.
func (s *Service) DeductFromBalance(ctx context.Context, userID string, pts int64, turnID string) (*ledger.DebitResult, Status) {
	if pts <= 0 {
		return &ledger.DebitResult{Success: true}, StatusNoOp
	}
	res := s.ledger.Debit(ctx, userID, pts, turnID+":debit")
	metrics.PointsDeductedTotal.WithLabelValues(SourceExtraUsage).Add(float64(pts))
	return res, StatusApplied
}

// RefundResult reports a refund outcome.
type RefundResult struct {
	Status     Status `json:"status"`
	Success    bool   `json:"success"`
	NewBalance int64  `json:"new_balance,omitempty"`
}

// RefundToBalance credits pts back to the prepaid balance. pts <= 0 is the
// same documented no-op as DeductFromBalance.
func (s *Service) RefundToBalance(ctx context.Context, userID string, pts int64, turnID string) (*RefundResult, error) {
	if pts <= 0 {
		return &RefundResult{Status: StatusNoOp, Success: true}, nil
	}
	res, err := s.ledger.Credit(ctx, userID, pts, turnID+":refund")
	if err != nil {
		return nil, fmt.Errorf("refunding to balance: %w", err)
	}
	metrics.PointsRefundedTotal.WithLabelValues(SourceExtraUsage).Add(float64(pts))
	return &RefundResult{Status: StatusApplied, Success: true, NewBalance: res.NewBalance}, nil
}

// RefundRequest reverses a reservation for a turn that failed entirely.
type RefundRequest struct {
	UserID         string
	TurnID         string
	Points         int64
	FromExtraUsage bool
}

// Refund returns a failed turn's reservation to wherever it was drawn from.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.Points <= 0 {
		return &RefundResult{Status: StatusNoOp, Success: true}, nil
	}

	var result *RefundResult
	if req.FromExtraUsage {
		res, err := s.RefundToBalance(ctx, req.UserID, req.Points, req.TurnID)
		if err != nil {
			return nil, err
		}
		result = res
	} else {
		released, err := s.bucket.Release(ctx, req.UserID, req.Points)
		if err != nil {
			return nil, fmt.Errorf("refunding to bucket: %w", err)
		}
		metrics.PointsRefundedTotal.WithLabelValues(SourceBucket).Add(float64(released))
		result = &RefundResult{Status: StatusApplied, Success: true}
	}

	s.publisher.PublishUsageRefunded(ctx, events.UsageEvent{
		UserID:      req.UserID,
		TurnID:      req.TurnID,
		Source:      refundSource(req.FromExtraUsage),
		DeltaPoints: -req.Points,
		Timestamp:   time.Now().UTC(),
	})
	return result, nil
}

func refundSource(fromExtraUsage bool) string {
	if fromExtraUsage {
		return SourceExtraUsage
	}
	return SourceBucket
}
