package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmeter/agentmeter/internal/events"
)

func TestLogFromMessage_UsageEvent(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(events.UsageEvent{
		UserID:       "user-1",
		TurnID:       "turn-1",
		Tier:         "pro",
		Source:       "bucket",
		ActualPoints: 1500,
		DeltaPoints:  500,
		Timestamp:    ts,
	})
	require.NoError(t, err)

	log, err := logFromMessage(events.SubjectUsageDeducted, data)
	require.NoError(t, err)
	assert.Equal(t, events.SubjectUsageDeducted, log.EventType)
	assert.Equal(t, "user-1", log.UserID)
	assert.Equal(t, "turn-1", log.TurnID)
	assert.Equal(t, int64(500), log.DeltaPoints)
	assert.Equal(t, ts, log.OccurredAt)
	assert.JSONEq(t, string(data), string(log.Payload))
}

func TestLogFromMessage_StreamEvent(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	data, err := json.Marshal(events.StreamEvent{
		UserID:    "user-1",
		ChatID:    "chat-1",
		Cause:     "user_cancel",
		Timestamp: ts,
	})
	require.NoError(t, err)

	log, err := logFromMessage(events.SubjectStreamCanceled, data)
	require.NoError(t, err)
	assert.Equal(t, "chat-1", log.ChatID)
	assert.Equal(t, int64(0), log.DeltaPoints)
	assert.Equal(t, ts, log.OccurredAt)
}

func TestLogFromMessage_UnknownSubjectStillRecorded(t *testing.T) {
	data := []byte(`{"user_id":"user-1","detail":"something new"}`)

	log, err := logFromMessage("meter.events.future.thing", data)
	require.NoError(t, err)
	assert.Equal(t, "meter.events.future.thing", log.EventType)
	assert.Equal(t, "user-1", log.UserID)
	assert.False(t, log.OccurredAt.IsZero())
}

func TestLogFromMessage_Malformed(t *testing.T) {
	_, err := logFromMessage(events.SubjectUsageDeducted, []byte("not json"))
	require.Error(t, err)
}
