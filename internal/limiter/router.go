package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentmeter/agentmeter/internal/events"
	"github.com/agentmeter/agentmeter/internal/metrics"
	"github.com/agentmeter/agentmeter/internal/points"
)

// DenialPublisher receives denied-admission events for the audit trail.
// *events.Publisher satisfies it; a nil publisher drops denials.
type DenialPublisher interface {
	PublishRateLimitExceeded(ctx context.Context, ev events.RateLimitEvent)
}

// Router picks the limiter for each request by tier and mode:
//
//	free  + ask              -> sliding window
//	free  + agent/agent_long -> rejected, upgrade required
//	paid  + any mode         -> token bucket (budget shared across modes)
type Router struct {
	window *SlidingWindow
	bucket *TokenBucket
	pub    DenialPublisher
}

// NewRouter creates a Router over both limiters.
func NewRouter(window *SlidingWindow, bucket *TokenBucket, pub DenialPublisher) *Router {
	return &Router{window: window, bucket: bucket, pub: pub}
}

// CheckRateLimit runs the admission decision for one request.
func (r *Router) CheckRateLimit(ctx context.Context, userID string, mode points.Mode, tier points.Tier, estimatedInputTokens int64, extra *ExtraUsage) (*Decision, error) {
	if !points.ValidTier(tier) {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	if !points.ValidMode(mode) {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	decision, err := r.route(ctx, userID, mode, tier, estimatedInputTokens, extra)
	r.observe(ctx, userID, mode, tier, decision, err)
	return decision, err
}

func (r *Router) route(ctx context.Context, userID string, mode points.Mode, tier points.Tier, estimatedInputTokens int64, extra *ExtraUsage) (*Decision, error) {
	if tier == points.TierFree {
		if mode != points.ModeAsk {
			return nil, ErrUpgradeRequired
		}
		return r.window.Check(ctx, userID)
	}

	estimated := points.Estimate(estimatedInputTokens)
	return r.bucket.CheckAndReserve(ctx, userID, tier, estimated, extra)
}

func (r *Router) observe(ctx context.Context, userID string, mode points.Mode, tier points.Tier, decision *Decision, err error) {
	outcome := "allowed"
	switch {
	case err == nil && decision.ExtraUsagePointsDeducted > 0:
		outcome = "allowed_extra_usage"
	case err != nil:
		outcome = errOutcome(err)
		slog.Info("rate limit denied",
			"user_id", userID, "tier", tier, "mode", mode, "outcome", outcome)
	}
	if outcome == "rate_limited" && r.pub != nil {
		r.pub.PublishRateLimitExceeded(ctx, events.RateLimitEvent{
			UserID:    userID,
			Tier:      string(tier),
			Mode:      string(mode),
			Timestamp: time.Now().UTC(),
		})
	}
	metrics.RateLimitDecisions.WithLabelValues(string(tier), string(mode), outcome).Inc()
}

func errOutcome(err error) string {
	var rle *RateLimitError
	switch {
	case errors.As(err, &rle):
		return "rate_limited"
	case errors.Is(err, ErrUpgradeRequired):
		return "upgrade_required"
	case errors.Is(err, ErrServiceUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
