package cancel

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupCoordinator(t *testing.T, pollInterval time.Duration) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cmd := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = cmd.Close()
		_ = sub.Close()
	})
	return NewCoordinator(cmd, sub, pollInterval), mr
}

// setupPollingCoordinator points the subscriber client at a dead address so
// Watch must fall back to polling, while commands still reach miniredis.
func setupPollingCoordinator(t *testing.T, pollInterval time.Duration) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cmd := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() {
		_ = cmd.Close()
		_ = sub.Close()
	})
	return NewCoordinator(cmd, sub, pollInterval), mr
}

func TestWatcher_PubSubCancel(t *testing.T) {
	c, _ := setupCoordinator(t, time.Second)
	ctx := context.Background()

	w := c.Watch(ctx, "chat-1")
	defer w.Stop()
	require.True(t, w.UsingPubSub())

	require.NoError(t, c.Cancel(ctx, "chat-1", false))

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not observe cancel")
	}
	require.Equal(t, StateCanceled, w.State())
	require.Equal(t, CauseUser, w.Cause())
	require.True(t, w.Canceled())
	require.False(t, w.ShouldSkipSave())
}

func TestWatcher_SkipSavePropagates(t *testing.T) {
	c, _ := setupCoordinator(t, time.Second)
	ctx := context.Background()

	w := c.Watch(ctx, "chat-1")
	defer w.Stop()

	require.NoError(t, c.Cancel(ctx, "chat-1", true))

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not observe cancel")
	}
	require.True(t, w.ShouldSkipSave())
}

func TestWatcher_PollingFallback(t *testing.T) {
	c, _ := setupPollingCoordinator(t, 10*time.Millisecond)
	ctx := context.Background()

	w := c.Watch(ctx, "chat-1")
	defer w.Stop()
	require.False(t, w.UsingPubSub())

	// The flag is written before the publish, so polling watchers observe
	// the cancel within one interval regardless of pub/sub.
	require.NoError(t, c.Cancel(ctx, "chat-1", true))

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("polling watcher did not observe canceled flag")
	}
	require.Equal(t, StateCanceled, w.State())
	require.Equal(t, CauseUser, w.Cause())
	require.True(t, w.ShouldSkipSave())
}

func TestWatcher_MalformedSignalIgnored(t *testing.T) {
	c, mr := setupCoordinator(t, time.Second)
	ctx := context.Background()

	w := c.Watch(ctx, "chat-1")
	defer w.Stop()

	mr.Publish(channelPrefix+"chat-1", "not json")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateActive, w.State())

	require.NoError(t, c.Cancel(ctx, "chat-1", false))
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not observe cancel after malformed signal")
	}
}

func TestWatcher_CleanupRunsOnce(t *testing.T) {
	c, _ := setupCoordinator(t, time.Second)
	ctx := context.Background()

	w := c.Watch(ctx, "chat-1")
	require.NoError(t, c.Cancel(ctx, "chat-1", false))
	<-w.Done()

	// Abort already fired; Stop and a second abort must not re-run cleanup.
	w.Stop()
	w.AbortPreemptive()
	w.Stop()
	require.Equal(t, int32(1), w.cleanupCalls.Load())
}

func TestWatcher_CompletionLosesToCancel(t *testing.T) {
	c, _ := setupCoordinator(t, time.Second)
	ctx := context.Background()

	w := c.Watch(ctx, "chat-1")
	defer w.Stop()
	require.NoError(t, c.Cancel(ctx, "chat-1", false))
	<-w.Done()

	require.False(t, w.MarkCompleted())
	require.Equal(t, StateCanceled, w.State())
}

func TestWatcher_NaturalCompletion(t *testing.T) {
	c, _ := setupCoordinator(t, time.Second)

	w := c.Watch(context.Background(), "chat-1")
	require.True(t, w.MarkCompleted())
	require.Equal(t, StateCompleted, w.State())
	require.Equal(t, CauseCompleted, w.Cause())
	require.False(t, w.Canceled())

	select {
	case <-w.Done():
	default:
		t.Fatal("Done not closed after completion")
	}
}

func TestWatcher_PreemptiveTimeout(t *testing.T) {
	c, _ := setupCoordinator(t, time.Second)

	w := c.Watch(context.Background(), "chat-1")
	require.True(t, w.AbortPreemptive())
	require.Equal(t, StateTimedOut, w.State())
	require.Equal(t, CausePreemptive, w.Cause())
	require.True(t, w.Canceled())
}

func TestWatcher_ClientDisconnect(t *testing.T) {
	c, _ := setupCoordinator(t, time.Second)
	ctx, cancelReq := context.WithCancel(context.Background())

	w := c.Watch(ctx, "chat-1")
	cancelReq()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not observe client disconnect")
	}
	require.Equal(t, CauseDisconnect, w.Cause())
}

func TestCoordinator_ClearFlag(t *testing.T) {
	c, mr := setupCoordinator(t, time.Second)
	ctx := context.Background()

	require.NoError(t, c.Cancel(ctx, "chat-1", false))
	require.True(t, mr.Exists(flagKeyPrefix+"chat-1"))

	require.NoError(t, c.ClearFlag(ctx, "chat-1"))
	require.False(t, mr.Exists(flagKeyPrefix+"chat-1"))
}
