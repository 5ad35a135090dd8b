package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmeter/agentmeter/internal/config"
	"github.com/agentmeter/agentmeter/internal/points"
)

const (
	sessionKeyPrefix = "meter:bucket:session:"
	weeklyKeyPrefix  = "meter:bucket:weekly:"
)

// releaseScript decrements a usage counter without letting the stored value
// go negative. Refunding more than was reserved (e.g. after a window rolled
// over) releases only what is actually held.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local dec = tonumber(ARGV[1])
if dec > current then dec = current end
if dec > 0 then redis.call('DECRBY', KEYS[1], dec) end
return dec
`)

// TokenBucket tracks two point budgets per user: a short session window and a
// longer weekly window, both atomic counters with independent expiries sized
// by tier. Reservations are provisional; the usage protocol settles them.
type TokenBucket struct {
	rdb   redis.Cmdable
	tiers map[string]config.TierLimits
}

// NewTokenBucket creates a bucket limiter over the given per-tier budgets.
func NewTokenBucket(rdb redis.Cmdable, tiers map[string]config.TierLimits) *TokenBucket {
	return &TokenBucket{rdb: rdb, tiers: tiers}
}

func (tb *TokenBucket) limits(tier points.Tier) (config.TierLimits, error) {
	tl, ok := tb.tiers[string(tier)]
	if !ok {
		return config.TierLimits{}, fmt.Errorf("no budget configured for tier %q", tier)
	}
	return tl, nil
}

// CheckAndReserve admits the request if estimated points fit in both windows,
// reserving by incrementing both counters. When the buckets are exhausted but
// the extra-usage balance is usable, the request is admitted against the
// balance instead and the counters are left untouched.
func (tb *TokenBucket) CheckAndReserve(ctx context.Context, userID string, tier points.Tier, estimated int64, extra *ExtraUsage) (*Decision, error) {
	tl, err := tb.limits(tier)
	if err != nil {
		return nil, err
	}
	if estimated < 0 {
		return nil, fmt.Errorf("estimated points must not be negative, got %d", estimated)
	}

	session, weekly, err := tb.read(ctx, userID, tl)
	if err != nil {
		return nil, err
	}

	if estimated <= session.Remaining && estimated <= weekly.Remaining {
		if err := tb.reserve(ctx, userID, tl, estimated); err != nil {
			return nil, err
		}
		session.Remaining -= estimated
		weekly.Remaining -= estimated
		return &Decision{
			Allowed:        true,
			Remaining:      min(session.Remaining, weekly.Remaining),
			Limit:          session.Limit,
			ResetTime:      session.ResetTime,
			Session:        session,
			Weekly:         weekly,
			PointsDeducted: estimated,
		}, nil
	}

	if extra.Usable() {
		return &Decision{
			Allowed:                  true,
			Remaining:                min(session.Remaining, weekly.Remaining),
			Limit:                    session.Limit,
			ResetTime:                session.ResetTime,
			Session:                  session,
			Weekly:                   weekly,
			ExtraUsagePointsDeducted: estimated,
		}, nil
	}

	return nil, &RateLimitError{Session: session, Weekly: weekly}
}

// Charge adds points to both counters outside the admission path. The usage
// protocol uses it when actual cost exceeded the reservation.
func (tb *TokenBucket) Charge(ctx context.Context, userID string, tier points.Tier, pts int64) error {
	tl, err := tb.limits(tier)
	if err != nil {
		return err
	}
	if pts <= 0 {
		return nil
	}
	return tb.reserve(ctx, userID, tl, pts)
}

// Release returns points to both counters, clamped so neither stored value
// goes negative. Returns the points actually released from the session
// counter.
func (tb *TokenBucket) Release(ctx context.Context, userID string, pts int64) (int64, error) {
	if pts <= 0 {
		return 0, nil
	}
	released, err := releaseScript.Run(ctx, tb.rdb, []string{sessionKeyPrefix + userID}, pts).Int64()
	if err != nil {
		return 0, fmt.Errorf("releasing session points: %w: %w", ErrServiceUnavailable, err)
	}
	if _, err := releaseScript.Run(ctx, tb.rdb, []string{weeklyKeyPrefix + userID}, pts).Int64(); err != nil {
		return released, fmt.Errorf("releasing weekly points: %w: %w", ErrServiceUnavailable, err)
	}
	return released, nil
}

// read fetches both counters fresh from the store. Budget state is never
// cached in process.
func (tb *TokenBucket) read(ctx context.Context, userID string, tl config.TierLimits) (session, weekly *WindowStatus, err error) {
	now := time.Now()

	pipe := tb.rdb.Pipeline()
	sessCmd := pipe.Get(ctx, sessionKeyPrefix+userID)
	sessTTL := pipe.PTTL(ctx, sessionKeyPrefix+userID)
	weekCmd := pipe.Get(ctx, weeklyKeyPrefix+userID)
	weekTTL := pipe.PTTL(ctx, weeklyKeyPrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, nil, fmt.Errorf("reading bucket counters: %w: %w", ErrServiceUnavailable, err)
	}

	session = windowStatus(sessCmd, sessTTL, tl.SessionLimitPoints, tl.SessionWindow, now)
	weekly = windowStatus(weekCmd, weekTTL, tl.WeeklyLimitPoints, tl.WeeklyWindow, now)
	return session, weekly, nil
}

func (tb *TokenBucket) reserve(ctx context.Context, userID string, tl config.TierLimits, pts int64) error {
	pipe := tb.rdb.Pipeline()
	pipe.IncrBy(ctx, sessionKeyPrefix+userID, pts)
	pipe.ExpireNX(ctx, sessionKeyPrefix+userID, tl.SessionWindow)
	pipe.IncrBy(ctx, weeklyKeyPrefix+userID, pts)
	pipe.ExpireNX(ctx, weeklyKeyPrefix+userID, tl.WeeklyWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reserving bucket points: %w: %w", ErrServiceUnavailable, err)
	}
	return nil
}

func windowStatus(get *redis.StringCmd, ttl *redis.DurationCmd, limit int64, window time.Duration, now time.Time) *WindowStatus {
	var used int64
	if v, err := get.Int64(); err == nil {
		used = v
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	reset := now.Add(window)
	if d := ttl.Val(); d > 0 {
		reset = now.Add(d)
	}
	return &WindowStatus{Remaining: remaining, Limit: limit, ResetTime: reset}
}
