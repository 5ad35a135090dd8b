package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmeter/agentmeter/internal/cancel"
	"github.com/agentmeter/agentmeter/internal/config"
	"github.com/agentmeter/agentmeter/internal/ledger"
	"github.com/agentmeter/agentmeter/internal/limiter"
	"github.com/agentmeter/agentmeter/internal/points"
	"github.com/agentmeter/agentmeter/internal/timeout"
	"github.com/agentmeter/agentmeter/internal/usage"
)

// fakePipeline emits scripted chunks. With block set it then waits for ctx
// cancellation, like a model call pinned on a slow upstream.
type fakePipeline struct {
	chunks  []string
	usage   points.ActualUsage
	err     error
	block   bool
	started chan struct{}
}

func (p *fakePipeline) Run(ctx context.Context, _ TurnRequest, emit func(string) error) (points.ActualUsage, string, error) {
	var final string
	for _, c := range p.chunks {
		if err := emit(c); err != nil {
			return p.usage, final, err
		}
		final += c
	}
	if p.started != nil {
		close(p.started)
	}
	if p.block {
		<-ctx.Done()
		return p.usage, final, ctx.Err()
	}
	return p.usage, final, p.err
}

type fakeBilling struct {
	mu      sync.Mutex
	balance *ledger.Balance
	applied map[string]bool
	debits  int
}

func newFakeBilling(balance int64) *fakeBilling {
	return &fakeBilling{
		balance: &ledger.Balance{Enabled: true, BalancePoints: balance},
		applied: map[string]bool{},
	}
}

func (f *fakeBilling) GetBalance(_ context.Context, _ string) (*ledger.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := *f.balance
	return &b, nil
}

func (f *fakeBilling) Debit(_ context.Context, _ string, pts int64, key string) (*ledger.DebitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied[key] {
		return &ledger.DebitResult{Success: true, AlreadyProcessed: true, NewBalance: f.balance.BalancePoints}, nil
	}
	f.applied[key] = true
	f.debits++
	f.balance.BalancePoints -= pts
	if f.balance.BalancePoints < 0 {
		f.balance.BalancePoints = 0
	}
	f.balance.MonthlySpentPoints += pts
	return &ledger.DebitResult{Success: true, NewBalance: f.balance.BalancePoints}, nil
}

func (f *fakeBilling) Credit(_ context.Context, _ string, pts int64, key string) (*ledger.CreditResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied[key] {
		return &ledger.CreditResult{NewBalance: f.balance.BalancePoints, AlreadyProcessed: true}, nil
	}
	f.applied[key] = true
	f.balance.BalancePoints += pts
	return &ledger.CreditResult{NewBalance: f.balance.BalancePoints}, nil
}

type runnerEnv struct {
	runner  *Runner
	store   *Store
	coord   *cancel.Coordinator
	billing *fakeBilling
	mr      *miniredis.Miniredis
}

func setupRunner(t *testing.T, pipeline Pipeline, sessionBudget int64, chatLimit time.Duration) *runnerEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		_ = sub.Close()
	})

	tiers := map[string]config.TierLimits{
		"pro": {
			SessionLimitPoints: sessionBudget,
			WeeklyLimitPoints:  sessionBudget * 5,
			SessionWindow:      5 * time.Hour,
			WeeklyWindow:       168 * time.Hour,
		},
	}
	bucket := limiter.NewTokenBucket(rdb, tiers)
	window := limiter.NewSlidingWindow(rdb, 50, 4*time.Hour)
	router := limiter.NewRouter(window, bucket, nil)

	billing := newFakeBilling(0)
	ledgerSvc := ledger.NewService(billing, points.DefaultExtraUsageMultiplier)
	usageSvc := usage.NewService(bucket, ledgerSvc, nil)

	store := NewStore(rdb, time.Hour, 24*time.Hour, 10*time.Millisecond)
	coord := cancel.NewCoordinator(rdb, sub, 10*time.Millisecond)
	guard := timeout.NewGuard(timeout.Config{
		SafetyBuffer: 10 * time.Millisecond,
		EndpointLimits: map[timeout.Endpoint]time.Duration{
			timeout.EndpointChat:  chatLimit,
			timeout.EndpointAgent: 2 * chatLimit,
		},
	})

	return &runnerEnv{
		runner:  NewRunner(router, usageSvc, store, coord, guard, nil, pipeline),
		store:   store,
		coord:   coord,
		billing: billing,
		mr:      mr,
	}
}

func proTurn(turnID string) TurnRequest {
	return TurnRequest{
		UserID:      "user-1",
		ChatID:      "chat-1",
		TurnID:      turnID,
		Tier:        points.TierPro,
		Mode:        points.ModeAgent,
		Endpoint:    timeout.EndpointChat,
		InputTokens: 100_000, // reserves 1000 points
	}
}

func sessionCounter(t *testing.T, mr *miniredis.Miniredis) string {
	t.Helper()
	v, err := mr.Get("meter:bucket:session:user-1")
	require.NoError(t, err)
	return v
}

func TestRunner_HappyPath(t *testing.T) {
	pipe := &fakePipeline{
		chunks: []string{"hello ", "world"},
		usage:  points.ActualUsage{InputTokens: 100_000},
	}
	env := setupRunner(t, pipe, 10_000, time.Minute)
	ctx := context.Background()

	res, err := env.runner.Run(ctx, proTurn("turn-1"), nil)
	require.NoError(t, err)

	assert.False(t, res.Aborted)
	assert.True(t, res.Saved)
	assert.Equal(t, "hello world", res.Final)
	assert.Equal(t, usage.StatusApplied, res.Usage.Status)
	assert.Equal(t, int64(1000), res.Decision.PointsDeducted)

	// Actual matched the reservation, so the counter holds exactly it.
	assert.Equal(t, "1000", sessionCounter(t, env.mr))

	msg, ok, err := env.store.ReplayLast(ctx, "chat-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello world", msg)
}

func TestRunner_UserCancelKeepsPartial(t *testing.T) {
	pipe := &fakePipeline{
		chunks:  []string{"partial"},
		usage:   points.ActualUsage{InputTokens: 50_000}, // 500 points actual
		block:   true,
		started: make(chan struct{}),
	}
	env := setupRunner(t, pipe, 10_000, time.Minute)
	ctx := context.Background()

	done := make(chan struct{})
	var res *TurnResult
	var runErr error
	go func() {
		res, runErr = env.runner.Run(ctx, proTurn("turn-1"), nil)
		close(done)
	}()

	<-pipe.started
	require.NoError(t, env.coord.Cancel(ctx, "chat-1", false))
	<-done

	require.NoError(t, runErr)
	assert.True(t, res.Aborted)
	assert.Equal(t, cancel.CauseUser, res.Cause)
	assert.True(t, res.Saved)
	assert.Equal(t, "partial", res.Final)

	// 1000 reserved, 500 actual: the difference was released.
	assert.Equal(t, "500", sessionCounter(t, env.mr))
}

func TestRunner_CancelWithSkipSaveDiscards(t *testing.T) {
	pipe := &fakePipeline{
		chunks:  []string{"partial"},
		usage:   points.ActualUsage{InputTokens: 50_000},
		block:   true,
		started: make(chan struct{}),
	}
	env := setupRunner(t, pipe, 10_000, time.Minute)
	ctx := context.Background()

	done := make(chan struct{})
	var res *TurnResult
	go func() {
		res, _ = env.runner.Run(ctx, proTurn("turn-1"), nil)
		close(done)
	}()

	<-pipe.started
	require.NoError(t, env.coord.Cancel(ctx, "chat-1", true))
	<-done

	assert.True(t, res.Aborted)
	assert.False(t, res.Saved)

	_, ok, err := env.store.ReplayLast(ctx, "chat-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunner_PreemptiveTimeout(t *testing.T) {
	pipe := &fakePipeline{
		chunks: []string{"slow"},
		usage:  points.ActualUsage{InputTokens: 100_000},
		block:  true,
	}
	env := setupRunner(t, pipe, 10_000, 50*time.Millisecond)

	res, err := env.runner.Run(context.Background(), proTurn("turn-1"), nil)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, cancel.CausePreemptive, res.Cause)
	// Timed-out turns keep their partial output.
	assert.True(t, res.Saved)
}

func TestRunner_AdmissionDeniedRegistersNothing(t *testing.T) {
	pipe := &fakePipeline{chunks: []string{"x"}}
	env := setupRunner(t, pipe, 10_000, time.Minute)
	ctx := context.Background()

	req := proTurn("turn-1")
	req.Tier = points.TierFree
	req.Mode = points.ModeAgent

	_, err := env.runner.Run(ctx, req, nil)
	require.ErrorIs(t, err, limiter.ErrUpgradeRequired)

	active, err := env.store.Active(ctx, "chat-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRunner_PipelineFailureRefundsReservation(t *testing.T) {
	pipe := &fakePipeline{err: errors.New("upstream exploded")}
	env := setupRunner(t, pipe, 10_000, time.Minute)
	ctx := context.Background()

	_, err := env.runner.Run(ctx, proTurn("turn-1"), nil)
	require.Error(t, err)

	// Reservation released back to zero and no snapshot kept.
	assert.Equal(t, "0", sessionCounter(t, env.mr))
	_, ok, err := env.store.ReplayLast(ctx, "chat-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunner_FreeTierAskSettlesAsNoOp(t *testing.T) {
	pipe := &fakePipeline{
		chunks: []string{"answer"},
		usage:  points.ActualUsage{InputTokens: 1000},
	}
	env := setupRunner(t, pipe, 10_000, time.Minute)

	req := proTurn("turn-1")
	req.Tier = points.TierFree
	req.Mode = points.ModeAsk

	res, err := env.runner.Run(context.Background(), req, nil)
	require.NoError(t, err)
	assert.True(t, res.Saved)
	assert.Equal(t, usage.StatusNoOp, res.Usage.Status)
}

func TestRunner_ExtraUsagePathDebitsBalance(t *testing.T) {
	pipe := &fakePipeline{
		chunks: []string{"answer"},
		usage:  points.ActualUsage{InputTokens: 100_000}, // 1000 points actual
	}
	// Session budget too small for the 1000-point estimate.
	env := setupRunner(t, pipe, 500, time.Minute)
	env.billing.balance.BalancePoints = 50_000

	extra := &limiter.ExtraUsage{Enabled: true, BalancePoints: 50_000}
	res, err := env.runner.Run(context.Background(), proTurn("turn-1"), extra)
	require.NoError(t, err)

	assert.Equal(t, usage.SourceExtraUsage, res.Usage.Source)
	assert.Equal(t, int64(0), res.Decision.PointsDeducted)
	assert.Equal(t, int64(1000), res.Decision.ExtraUsagePointsDeducted)

	// Bucket counters never touched on the balance path.
	assert.False(t, env.mr.Exists("meter:bucket:session:user-1"))
	assert.Equal(t, int64(49_000), env.billing.balance.BalancePoints)
}
