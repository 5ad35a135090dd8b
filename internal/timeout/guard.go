// Package timeout arms a per-stream preemptive abort that fires a safety
// buffer ahead of the endpoint's hard limit, leaving enough time to settle
// usage and persist a partial response before the transport is torn down.
package timeout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentmeter/agentmeter/internal/config"
	"github.com/agentmeter/agentmeter/internal/metrics"
)

// Endpoint selects which hard limit applies to a stream.
type Endpoint string

const (
	EndpointChat  Endpoint = "chat"
	EndpointAgent Endpoint = "agent"
)

// Config carries the per-endpoint hard limits and the shared safety buffer.
type Config struct {
	SafetyBuffer   time.Duration
	EndpointLimits map[Endpoint]time.Duration
}

// ConfigFrom builds the guard configuration from the validated streams
// settings, so embedders consume the loaded endpoint table instead of
// rebuilding it by hand.
func ConfigFrom(streams config.StreamsConfig) Config {
	limits := make(map[Endpoint]time.Duration, len(streams.EndpointHardLimits))
	for name, limit := range streams.EndpointHardLimits {
		limits[Endpoint(name)] = limit
	}
	return Config{
		SafetyBuffer:   streams.SafetyBuffer,
		EndpointLimits: limits,
	}
}

// Guard schedules preemptive aborts for in-flight streams.
type Guard struct {
	cfg Config
}

func NewGuard(cfg Config) *Guard {
	return &Guard{cfg: cfg}
}

// Deadline returns how long a stream on the endpoint may run before the
// preemptive abort fires. Unknown endpoints get the chat limit.
func (g *Guard) Deadline(endpoint Endpoint) time.Duration {
	limit, ok := g.cfg.EndpointLimits[endpoint]
	if !ok {
		limit = g.cfg.EndpointLimits[EndpointChat]
	}
	d := limit - g.cfg.SafetyBuffer
	if d <= 0 {
		// Misconfiguration; still give the stream a moment rather than
		// aborting it instantly.
		d = time.Second
	}
	return d
}

// Start arms a timer for one stream. onTimeout runs at most once, from the
// timer goroutine, when the deadline elapses before Clear is called.
func (g *Guard) Start(chatID string, endpoint Endpoint, onTimeout func()) *Timer {
	t := &Timer{chatID: chatID}
	deadline := g.Deadline(endpoint)
	t.timer = time.AfterFunc(deadline, func() {
		t.mu.Lock()
		if t.cleared {
			t.mu.Unlock()
			return
		}
		now := time.Now()
		t.triggered = &now
		t.mu.Unlock()

		slog.Warn("timeout: preemptive abort fired",
			"chat_id", chatID, "endpoint", string(endpoint), "deadline", deadline)
		metrics.StreamAborts.WithLabelValues("preemptive_timeout").Inc()
		onTimeout()
	})
	return t
}

// Timer is one armed preemptive abort.
type Timer struct {
	chatID string

	mu        sync.Mutex
	timer     *time.Timer
	cleared   bool
	triggered *time.Time
}

// TriggerTime returns when the abort fired, or nil if it has not.
func (t *Timer) TriggerTime() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.triggered == nil {
		return nil
	}
	fired := *t.triggered
	return &fired
}

// Clear disarms the timer. Idempotent, and harmless after the abort has
// already fired.
func (t *Timer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cleared {
		return
	}
	t.cleared = true
	t.timer.Stop()
}
