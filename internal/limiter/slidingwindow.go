package limiter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const windowKeyPrefix = "meter:window:"

// SlidingWindow counts free-tier requests in a rolling window, backed by a
// Redis sorted set. Unlike the paid-tier buckets it meters requests, not
// points.
type SlidingWindow struct {
	rdb     redis.Cmdable
	maxReqs int
	window  time.Duration
}

// NewSlidingWindow creates a limiter allowing maxReqs per window.
func NewSlidingWindow(rdb redis.Cmdable, maxReqs int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{rdb: rdb, maxReqs: maxReqs, window: window}
}

// Check admits or rejects one request. Store errors fail closed as
// ErrServiceUnavailable so an outage never grants unlimited usage.
func (sw *SlidingWindow) Check(ctx context.Context, userID string) (*Decision, error) {
	key := windowKeyPrefix + userID
	now := time.Now()
	windowStart := float64(now.Add(-sw.window).UnixMilli())

	pipe := sw.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatFloat(windowStart, 'f', 0, 64))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sliding window (clean+count): %w: %w", ErrServiceUnavailable, err)
	}

	count := countCmd.Val()
	if count >= int64(sw.maxReqs) {
		reset, err := sw.oldestReset(ctx, key, now)
		if err != nil {
			return nil, err
		}
		return nil, &RateLimitError{Session: &WindowStatus{
			Remaining: 0,
			Limit:     int64(sw.maxReqs),
			ResetTime: reset,
		}}
	}

	pipe2 := sw.rdb.Pipeline()
	member := fmt.Sprintf("%d:%d", now.UnixNano(), count)
	pipe2.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe2.Expire(ctx, key, sw.window+time.Minute)
	if _, err := pipe2.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sliding window (add): %w: %w", ErrServiceUnavailable, err)
	}

	remaining := int64(sw.maxReqs) - count - 1
	return &Decision{
		Allowed:   true,
		Remaining: remaining,
		Limit:     int64(sw.maxReqs),
		ResetTime: now.Add(sw.window),
	}, nil
}

// oldestReset derives the reset time from the oldest entry still in the
// window; that entry expiring is what frees a slot.
func (sw *SlidingWindow) oldestReset(ctx context.Context, key string, now time.Time) (time.Time, error) {
	entries, err := sw.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("sliding window (oldest): %w: %w", ErrServiceUnavailable, err)
	}
	if len(entries) == 0 {
		return now.Add(sw.window), nil
	}
	oldest := time.UnixMilli(int64(entries[0].Score))
	return oldest.Add(sw.window), nil
}
