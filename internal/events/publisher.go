package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing metering events to
// JetStream. A nil Publisher is valid and drops every event, which keeps the
// core functional when NATS is not configured.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishUsageDeducted publishes a settled deduction.
func (p *Publisher) PublishUsageDeducted(ctx context.Context, ev UsageEvent) {
	p.publish(ctx, SubjectUsageDeducted, ev)
}

// PublishUsageRefunded publishes a refund.
func (p *Publisher) PublishUsageRefunded(ctx context.Context, ev UsageEvent) {
	p.publish(ctx, SubjectUsageRefunded, ev)
}

// PublishStreamCanceled publishes a user- or disconnect-driven abort.
func (p *Publisher) PublishStreamCanceled(ctx context.Context, ev StreamEvent) {
	p.publish(ctx, SubjectStreamCanceled, ev)
}

// PublishStreamTimedOut publishes a preemptive-timeout abort.
func (p *Publisher) PublishStreamTimedOut(ctx context.Context, ev StreamEvent) {
	p.publish(ctx, SubjectStreamTimedOut, ev)
}

// PublishRateLimitExceeded publishes a denied admission.
func (p *Publisher) PublishRateLimitExceeded(ctx context.Context, ev RateLimitEvent) {
	p.publish(ctx, SubjectRateLimitExceeded, ev)
}

// publish is best-effort: metering events are an audit trail, and losing one
// must never fail the request that produced it.
func (p *Publisher) publish(ctx context.Context, subject string, data any) {
	if p == nil || p.js == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("events: marshaling event", "subject", subject, "error", err)
		return
	}
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		slog.Warn("events: publishing event", "subject", subject, "error",
			fmt.Errorf("publishing to %s: %w", subject, err))
	}
}
