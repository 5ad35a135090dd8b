package events

import "time"

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// StreamEvents is the JetStream stream holding all metering events.
const StreamEvents = "METER_EVENTS"

// Subject constants.
const (
	SubjectUsageDeducted     = "meter.events.usage.deducted"
	SubjectUsageRefunded     = "meter.events.usage.refunded"
	SubjectStreamCanceled    = "meter.events.stream.canceled"
	SubjectStreamTimedOut    = "meter.events.stream.timedout"
	SubjectRateLimitExceeded = "meter.events.ratelimit.exceeded"
)

// UsageEvent records one settlement against a user's budget or balance.
type UsageEvent struct {
	UserID         string    `json:"user_id"`
	TurnID         string    `json:"turn_id"`
	Tier           string    `json:"tier"`
	Source         string    `json:"source"` // bucket | extra_usage
	ReservedPoints int64     `json:"reserved_points"`
	ActualPoints   int64     `json:"actual_points"`
	DeltaPoints    int64     `json:"delta_points"`
	Timestamp      time.Time `json:"timestamp"`
}

// StreamEvent records a stream lifecycle transition worth auditing.
type StreamEvent struct {
	ChatID    string    `json:"chat_id"`
	StreamID  string    `json:"stream_id"`
	UserID    string    `json:"user_id"`
	Cause     string    `json:"cause"` // user | preemptive | disconnect
	SkipSave  bool      `json:"skip_save,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RateLimitEvent records a denied admission for capacity analysis.
type RateLimitEvent struct {
	UserID    string    `json:"user_id"`
	Tier      string    `json:"tier"`
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}
