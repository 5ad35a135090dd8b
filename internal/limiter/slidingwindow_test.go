package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupWindow(t *testing.T, maxReqs int, window time.Duration) (*SlidingWindow, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSlidingWindow(client, maxReqs, window), mr
}

func TestSlidingWindow_AllowsUnderLimit(t *testing.T) {
	sw, _ := setupWindow(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := sw.Check(ctx, "u1")
		require.NoError(t, err, "request %d", i+1)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(3), d.Limit)
		assert.Equal(t, int64(2-i), d.Remaining)
	}
}

func TestSlidingWindow_DeniesOverLimit(t *testing.T) {
	sw, _ := setupWindow(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := sw.Check(ctx, "u1")
		require.NoError(t, err)
	}

	_, err := sw.Check(ctx, "u1")
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, int64(0), rle.Session.Remaining)
	assert.Equal(t, int64(2), rle.Session.Limit)
	assert.False(t, rle.Session.ResetTime.IsZero())
}

func TestSlidingWindow_UsersIndependent(t *testing.T) {
	sw, _ := setupWindow(t, 1, time.Minute)
	ctx := context.Background()

	_, err := sw.Check(ctx, "u1")
	require.NoError(t, err)
	_, err = sw.Check(ctx, "u1")
	require.Error(t, err)

	d, err := sw.Check(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSlidingWindow_WindowSlides(t *testing.T) {
	sw, mr := setupWindow(t, 1, time.Minute)
	ctx := context.Background()

	_, err := sw.Check(ctx, "u1")
	require.NoError(t, err)

	mr.FastForward(61 * time.Second)

	d, err := sw.Check(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSlidingWindow_StoreDownFailsClosed(t *testing.T) {
	sw, mr := setupWindow(t, 5, time.Minute)
	mr.Close()

	_, err := sw.Check(context.Background(), "u1")
	require.ErrorIs(t, err, ErrServiceUnavailable)

	var rle *RateLimitError
	assert.False(t, errors.As(err, &rle), "store outage must not look like a rate limit")
}
