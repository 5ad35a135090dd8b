package cancel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmeter/agentmeter/internal/metrics"
)

// State is the lifecycle of one watched stream. Exactly one transition out
// of StateActive ever wins.
type State int32

const (
	StateActive State = iota
	StateCanceled
	StateCompleted
	StateTimedOut
)

// Cause names why a stream stopped streaming.
type Cause string

const (
	CauseUser       Cause = "user_cancel"
	CausePreemptive Cause = "preemptive_timeout"
	CauseDisconnect Cause = "client_disconnect"
	CauseCompleted  Cause = "completed"
)

// Watcher observes cancel signals for a single stream. Done() fires when the
// stream should stop emitting; the terminal state says why. All terminal
// transitions and cleanup are idempotent.
type Watcher struct {
	chatID      string
	usingPubSub bool

	state    atomic.Int32
	cause    atomic.Value // Cause
	skipSave atomic.Bool

	done     chan struct{}
	stopOnce sync.Once

	cleanupOnce  sync.Once
	cleanupCalls atomic.Int32
	pubsub       *redis.PubSub
}

func newWatcher(chatID string) *Watcher {
	w := &Watcher{
		chatID: chatID,
		done:   make(chan struct{}),
	}
	w.state.Store(int32(StateActive))
	return w
}

// Done is closed once the watcher reaches a terminal state.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// State returns the current lifecycle state.
func (w *Watcher) State() State { return State(w.state.Load()) }

// Cause reports why the stream stopped. Empty while still active.
func (w *Watcher) Cause() Cause {
	if c, ok := w.cause.Load().(Cause); ok {
		return c
	}
	return ""
}

// UsingPubSub reports whether the watcher got a live subscription or fell
// back to polling.
func (w *Watcher) UsingPubSub() bool { return w.usingPubSub }

// ShouldSkipSave reports whether the cancel signal asked for the partial
// output to be discarded instead of persisted.
func (w *Watcher) ShouldSkipSave() bool { return w.skipSave.Load() }

// Canceled reports whether the stream was aborted before completing; a
// natural completion is not a cancellation.
func (w *Watcher) Canceled() bool {
	s := w.State()
	return s == StateCanceled || s == StateTimedOut
}

// MarkCompleted records a natural end of stream. It loses to any abort that
// already won the race.
func (w *Watcher) MarkCompleted() bool {
	return w.transition(StateCompleted, CauseCompleted, false)
}

// AbortPreemptive transitions to TimedOut; the timeout guard calls this a
// safety-buffer ahead of the hard limit so the turn can be finalized in
// time.
func (w *Watcher) AbortPreemptive() bool {
	return w.transition(StateTimedOut, CausePreemptive, false)
}

// Stop tears down the watcher's transport resources. Safe to call any
// number of times and after any terminal transition.
func (w *Watcher) Stop() {
	w.MarkCompleted()
	w.cleanup()
}

func (w *Watcher) cancelWith(cause Cause, skipSave bool) bool {
	return w.transition(StateCanceled, cause, skipSave)
}

// transition performs the single CAS out of Active. Whoever wins sets cause
// and skipSave before closing done, so readers woken by Done() observe a
// consistent terminal state.
func (w *Watcher) transition(to State, cause Cause, skipSave bool) bool {
	if !w.state.CompareAndSwap(int32(StateActive), int32(to)) {
		return false
	}
	w.cause.Store(cause)
	if skipSave {
		w.skipSave.Store(true)
	}
	w.stopOnce.Do(func() { close(w.done) })
	w.cleanup()
	return true
}

func (w *Watcher) cleanup() {
	w.cleanupOnce.Do(func() {
		w.cleanupCalls.Add(1)
		transport := "polling"
		if w.usingPubSub {
			transport = "pubsub"
		}
		metrics.CancelWatchers.WithLabelValues(transport).Dec()
		if w.pubsub != nil {
			if err := w.pubsub.Close(); err != nil {
				slog.Debug("cancel: closing subscription", "chat_id", w.chatID, "error", err)
			}
		}
	})
}

// runPubSub consumes the chat's cancel channel until a terminal transition.
// Malformed payloads are ignored; the poller flag remains the backstop.
func (w *Watcher) runPubSub(ps *redis.PubSub) {
	ch := ps.Channel()
	for {
		select {
		case <-w.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var sig Signal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				slog.Debug("cancel: ignoring malformed signal",
					"chat_id", w.chatID, "payload", msg.Payload)
				continue
			}
			if sig.Canceled {
				w.cancelWith(CauseUser, sig.SkipSave)
				return
			}
		}
	}
}

// runPolling checks the persisted canceled flag at a fixed interval. Store
// errors are transient by assumption and just skip a tick.
func (w *Watcher) runPolling(cmd redis.Cmdable, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			payload, err := cmd.Get(ctx, flagKeyPrefix+w.chatID).Result()
			cancel()
			if err != nil {
				if err != redis.Nil {
					slog.Debug("cancel: poll failed", "chat_id", w.chatID, "error", err)
				}
				continue
			}
			var sig Signal
			if err := json.Unmarshal([]byte(payload), &sig); err != nil {
				// Legacy writers set a bare "1"; treat any set flag as a cancel.
				sig = Signal{Canceled: true}
			}
			if sig.Canceled {
				w.cancelWith(CauseUser, sig.SkipSave)
				return
			}
		}
	}
}
