// Package audit persists metering events into an append-only audit_logs
// table, giving billing support a queryable history of every deduction,
// refund, and stream abort.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Log matches the audit_logs table schema. Payload keeps the full event as
// published, so the table stays useful when event shapes evolve.
type Log struct {
	ID          uuid.UUID       `json:"id"`
	UserID      string          `json:"user_id"`
	EventType   string          `json:"event_type"`
	TurnID      string          `json:"turn_id,omitempty"`
	ChatID      string          `json:"chat_id,omitempty"`
	DeltaPoints int64           `json:"delta_points"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ListParams holds pagination and filtering for audit queries.
type ListParams struct {
	EventType string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}
