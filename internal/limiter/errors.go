package limiter

import (
	"errors"
	"fmt"
	"time"
)

// ErrServiceUnavailable reports that the coordination store could not be
// reached. Checks fail closed: callers surface this as a retryable 503-class
// condition, never as a rate-limit rejection and never as a silent allow.
var ErrServiceUnavailable = errors.New("rate limit store unavailable")

// ErrUpgradeRequired rejects agent modes on the free tier. The router encodes
// this in its policy table; the request never reaches a bucket.
var ErrUpgradeRequired = errors.New("agent mode requires a paid plan")

// WindowStatus describes one budget window at decision time.
type WindowStatus struct {
	Remaining int64     `json:"remaining"`
	Limit     int64     `json:"limit"`
	ResetTime time.Time `json:"reset_time"`
}

// RateLimitError is the user-facing rejection. It carries enough window state
// for "resets in N hours" messaging and is never retried automatically.
type RateLimitError struct {
	Session *WindowStatus
	Weekly  *WindowStatus
}

func (e *RateLimitError) Error() string {
	switch {
	case e.Session != nil && e.Weekly != nil:
		return fmt.Sprintf("rate limit exceeded: session %d/%d, weekly %d/%d",
			e.Session.Remaining, e.Session.Limit, e.Weekly.Remaining, e.Weekly.Limit)
	case e.Session != nil:
		return fmt.Sprintf("rate limit exceeded: %d/%d, resets at %s",
			e.Session.Remaining, e.Session.Limit, e.Session.ResetTime.Format(time.RFC3339))
	default:
		return "rate limit exceeded"
	}
}

// RetryAfter returns the shorter wait until one of the windows resets.
func (e *RateLimitError) RetryAfter(now time.Time) time.Duration {
	var until time.Duration
	for _, w := range []*WindowStatus{e.Session, e.Weekly} {
		if w == nil || w.Remaining > 0 {
			continue
		}
		d := w.ResetTime.Sub(now)
		if d > 0 && (until == 0 || d < until) {
			until = d
		}
	}
	return until
}
