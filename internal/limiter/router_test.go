package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmeter/agentmeter/internal/config"
	"github.com/agentmeter/agentmeter/internal/events"
	"github.com/agentmeter/agentmeter/internal/points"
)

func setupRouter(t *testing.T) (*Router, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tiers := map[string]config.TierLimits{
		"pro": {
			SessionLimitPoints: 10_000,
			WeeklyLimitPoints:  50_000,
			SessionWindow:      5 * time.Hour,
			WeeklyWindow:       7 * 24 * time.Hour,
		},
	}
	window := NewSlidingWindow(client, 5, time.Minute)
	bucket := NewTokenBucket(client, tiers)
	return NewRouter(window, bucket, nil), mr
}

func TestRouter_FreeAskUsesSlidingWindow(t *testing.T) {
	r, mr := setupRouter(t)

	d, err := r.CheckRateLimit(context.Background(), "u1", points.ModeAsk, points.TierFree, 500, nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, mr.Exists("meter:window:u1"))
	assert.False(t, mr.Exists("meter:bucket:session:u1"))
}

func TestRouter_FreeAgentAlwaysRejected(t *testing.T) {
	r, _ := setupRouter(t)
	ctx := context.Background()

	// Rejected regardless of mode variant or token estimate.
	for _, mode := range []points.Mode{points.ModeAgent, points.ModeAgentLong} {
		for _, tokens := range []int64{0, 1, 1_000_000} {
			_, err := r.CheckRateLimit(ctx, "u1", mode, points.TierFree, tokens, nil)
			require.ErrorIs(t, err, ErrUpgradeRequired, "mode=%s tokens=%d", mode, tokens)
		}
	}
}

func TestRouter_PaidSharesBudgetAcrossModes(t *testing.T) {
	r, mr := setupRouter(t)
	ctx := context.Background()

	_, err := r.CheckRateLimit(ctx, "u1", points.ModeAsk, points.TierPro, 100_000, nil)
	require.NoError(t, err)
	_, err = r.CheckRateLimit(ctx, "u1", points.ModeAgent, points.TierPro, 100_000, nil)
	require.NoError(t, err)

	// Both requests drew from the same session counter.
	v, err := mr.Get("meter:bucket:session:u1")
	require.NoError(t, err)
	assert.Equal(t, "2000", v)
}

func TestRouter_UnknownTierOrMode(t *testing.T) {
	r, _ := setupRouter(t)
	ctx := context.Background()

	_, err := r.CheckRateLimit(ctx, "u1", points.ModeAsk, points.Tier("vip"), 100, nil)
	require.Error(t, err)
	_, err = r.CheckRateLimit(ctx, "u1", points.Mode("batch"), points.TierPro, 100, nil)
	require.Error(t, err)
}

type denialRecorder struct {
	events []events.RateLimitEvent
}

func (d *denialRecorder) PublishRateLimitExceeded(_ context.Context, ev events.RateLimitEvent) {
	d.events = append(d.events, ev)
}

func TestRouter_DeniedAdmissionPublishesEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rec := &denialRecorder{}
	window := NewSlidingWindow(client, 1, time.Minute)
	bucket := NewTokenBucket(client, map[string]config.TierLimits{})
	r := NewRouter(window, bucket, rec)
	ctx := context.Background()

	_, err := r.CheckRateLimit(ctx, "u1", points.ModeAsk, points.TierFree, 100, nil)
	require.NoError(t, err)
	assert.Empty(t, rec.events)

	_, err = r.CheckRateLimit(ctx, "u1", points.ModeAsk, points.TierFree, 100, nil)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)

	require.Len(t, rec.events, 1)
	assert.Equal(t, "u1", rec.events[0].UserID)
	assert.Equal(t, "free", rec.events[0].Tier)
	assert.Equal(t, "ask", rec.events[0].Mode)
	assert.False(t, rec.events[0].Timestamp.IsZero())

	// Actual denials only: a tier the policy table rejects outright is not
	// a capacity event.
	_, err = r.CheckRateLimit(ctx, "u2", points.ModeAgent, points.TierFree, 100, nil)
	require.ErrorIs(t, err, ErrUpgradeRequired)
	assert.Len(t, rec.events, 1)
}
