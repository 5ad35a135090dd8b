package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/agentmeter/agentmeter/internal/events"
)

// Consumer drains metering events from JetStream and persists them to the
// audit_logs table. Running it is optional; the core keeps working without
// the audit trail.
type Consumer struct {
	repo        *Repository
	consumerMgr *events.ConsumerManager
}

// NewConsumer creates a new audit event Consumer.
func NewConsumer(repo *Repository, consumerMgr *events.ConsumerManager) *Consumer {
	return &Consumer{
		repo:        repo,
		consumerMgr: consumerMgr,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.EnsureConsumer(ctx, events.StreamEvents, "usage-audit-persister", "meter.events.>")
	if err != nil {
		return err
	}

	slog.Info("audit consumer started", "consumer", "usage-audit-persister")

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(events.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("audit consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleEvent(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handleEvent(ctx context.Context, msg jetstream.Msg) {
	log, err := logFromMessage(msg.Subject(), msg.Data())
	if err != nil {
		slog.Error("audit consumer: unmarshaling event",
			"subject", msg.Subject(), "error", err)
		// Malformed payloads never become parseable; dropping beats a
		// redelivery loop.
		_ = msg.Ack()
		return
	}

	if err := c.repo.Insert(ctx, log); err != nil {
		slog.Error("audit consumer: persisting audit log",
			"event_type", log.EventType, "error", err)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()

	slog.Debug("audit consumer: persisted event",
		"event_type", log.EventType,
		"user_id", log.UserID,
		"delta_points", log.DeltaPoints,
	)
}

// logFromMessage maps one published event onto an audit row. The subject is
// the event type; typed fields are lifted out for querying and the raw
// payload is kept whole.
func logFromMessage(subject string, data []byte) (*Log, error) {
	log := &Log{
		ID:        uuid.New(),
		EventType: subject,
		Payload:   data,
	}

	switch subject {
	case events.SubjectUsageDeducted, events.SubjectUsageRefunded:
		var ev events.UsageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		log.UserID = ev.UserID
		log.TurnID = ev.TurnID
		log.DeltaPoints = ev.DeltaPoints
		log.OccurredAt = ev.Timestamp
	case events.SubjectStreamCanceled, events.SubjectStreamTimedOut:
		var ev events.StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		log.UserID = ev.UserID
		log.ChatID = ev.ChatID
		log.OccurredAt = ev.Timestamp
	case events.SubjectRateLimitExceeded:
		var ev events.RateLimitEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		log.UserID = ev.UserID
		log.OccurredAt = ev.Timestamp
	default:
		var generic struct {
			UserID    string    `json:"user_id"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, err
		}
		log.UserID = generic.UserID
		log.OccurredAt = generic.Timestamp
	}

	if log.OccurredAt.IsZero() {
		log.OccurredAt = time.Now().UTC()
	}
	return log, nil
}
