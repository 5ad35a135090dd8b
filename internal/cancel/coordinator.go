// Package cancel coordinates stream cancellation across processes. The fast
// path is Redis pub/sub on a per-chat channel; when the subscriber connection
// cannot be established the watcher degrades to polling a persisted flag, so
// a cancel click is never lost to transport failure.
package cancel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmeter/agentmeter/internal/metrics"
)

const (
	channelPrefix = "stream:cancel:"
	flagKeyPrefix = "stream:canceled:"

	// flagTTL bounds how long a canceled flag lingers for pollers and
	// late-starting watchers.
	flagTTL = 10 * time.Minute
)

// Signal is the message published on a chat's cancel channel and persisted
// in the flag key. It is ephemeral; a missed publish is recovered by polling
// the flag.
type Signal struct {
	Canceled bool `json:"canceled"`
	SkipSave bool `json:"skipSave,omitempty"`
}

// Coordinator publishes cancel signals and creates per-stream watchers.
// Pub/sub needs a connection not shared with command traffic, so the
// subscriber client is separate from the command client.
type Coordinator struct {
	cmd          redis.Cmdable
	sub          *redis.Client
	pollInterval time.Duration
}

// NewCoordinator creates a Coordinator. cmd serves flag reads/writes; sub is
// the dedicated connection pool for subscriptions.
func NewCoordinator(cmd redis.Cmdable, sub *redis.Client, pollInterval time.Duration) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Coordinator{cmd: cmd, sub: sub, pollInterval: pollInterval}
}

// Cancel signals the chat's in-flight stream. The persisted flag is written
// before the publish so polling watchers cannot miss a signal that raced the
// publish.
func (c *Coordinator) Cancel(ctx context.Context, chatID string, skipSave bool) error {
	payload, err := json.Marshal(Signal{Canceled: true, SkipSave: skipSave})
	if err != nil {
		return fmt.Errorf("marshaling cancel signal: %w", err)
	}

	if err := c.cmd.Set(ctx, flagKeyPrefix+chatID, payload, flagTTL).Err(); err != nil {
		return fmt.Errorf("setting canceled flag: %w", err)
	}
	if err := c.cmd.Publish(ctx, channelPrefix+chatID, payload).Err(); err != nil {
		// Flag is already set; pollers will still observe the cancel.
		slog.Warn("cancel: publish failed, relying on polling fallback",
			"chat_id", chatID, "error", err)
	}
	return nil
}

// ClearFlag removes a chat's persisted canceled flag, typically before a new
// turn starts so an old cancel does not kill it.
func (c *Coordinator) ClearFlag(ctx context.Context, chatID string) error {
	if err := c.cmd.Del(ctx, flagKeyPrefix+chatID).Err(); err != nil {
		return fmt.Errorf("clearing canceled flag: %w", err)
	}
	return nil
}

// Watch starts a watcher for one in-flight stream. ctx is the request
// context: its cancellation is treated as a client disconnect. The watcher
// is always usable; transport failures only affect latency, not
// correctness.
func (c *Coordinator) Watch(ctx context.Context, chatID string) *Watcher {
	w := newWatcher(chatID)

	ps, err := c.subscribe(ctx, chatID)
	if err == nil {
		w.usingPubSub = true
		w.pubsub = ps
		metrics.CancelWatchers.WithLabelValues("pubsub").Inc()
		go w.runPubSub(ps)
	} else {
		slog.Warn("cancel: pub/sub unavailable, falling back to polling",
			"chat_id", chatID, "poll_interval", c.pollInterval, "error", err)
		metrics.CancelWatchers.WithLabelValues("polling").Inc()
		go w.runPolling(c.cmd, c.pollInterval)
	}

	// Client disconnect races with explicit cancel and preemptive timeout;
	// all three funnel into the same idempotent abort.
	go func() {
		select {
		case <-ctx.Done():
			w.cancelWith(CauseDisconnect, false)
		case <-w.done:
		}
	}()

	return w
}

// subscribe establishes the dedicated subscriber and confirms the
// subscription round-tripped before the watcher relies on it.
func (c *Coordinator) subscribe(ctx context.Context, chatID string) (*redis.PubSub, error) {
	if c.sub == nil {
		return nil, fmt.Errorf("no subscriber client configured")
	}
	ps := c.sub.Subscribe(ctx, channelPrefix+chatID)

	confirmCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := ps.Receive(confirmCtx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("confirming subscription: %w", err)
	}
	return ps, nil
}
