// Package stream persists in-flight response streams in Redis so a client
// that drops mid-stream can reattach and replay what it missed, then follow
// live appends until the stream completes.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	activeKeyPrefix = "stream:active:"
	chunksKeyPrefix = "stream:chunks:"
	lastKeyPrefix   = "stream:last:"

	// Sentinel list entries. Register pushes startMarker so the chunk list
	// exists before the first real chunk; Complete pushes doneMarker so
	// followers know the stream ended rather than stalled.
	startMarker = "\x00start"
	doneMarker  = "\x00done"
)

// Session identifies one registered stream.
type Session struct {
	ChatID      string    `json:"chat_id"`
	StreamID    string    `json:"stream_id"`
	StartedAt   time.Time `json:"started_at"`
	IsTemporary bool      `json:"is_temporary"`
}

// Store reads and writes stream state. All keys carry TTLs; an abandoned
// stream cleans itself up.
type Store struct {
	rdb          redis.Cmdable
	chunkTTL     time.Duration
	snapshotTTL  time.Duration
	pollInterval time.Duration
}

// NewStore creates a Store. pollInterval drives the follow reader.
func NewStore(rdb redis.Cmdable, chunkTTL, snapshotTTL, pollInterval time.Duration) *Store {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &Store{rdb: rdb, chunkTTL: chunkTTL, snapshotTTL: snapshotTTL, pollInterval: pollInterval}
}

// Register starts a new stream for the chat and points the chat's active
// pointer at it. Temporary chats still get a resumable stream; temporary
// only affects persistence after completion.
func (s *Store) Register(ctx context.Context, chatID string, temporary bool) (*Session, error) {
	sess := &Session{
		ChatID:      chatID,
		StreamID:    uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		IsTemporary: temporary,
	}

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, chunksKeyPrefix+sess.StreamID, startMarker)
	pipe.Expire(ctx, chunksKeyPrefix+sess.StreamID, s.chunkTTL)
	pipe.Set(ctx, activeKeyPrefix+chatID, sess.StreamID, s.chunkTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("registering stream for chat %s: %w", chatID, err)
	}
	return sess, nil
}

// Append adds one chunk to the stream and refreshes the list's TTL.
func (s *Store) Append(ctx context.Context, streamID, chunk string) error {
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, chunksKeyPrefix+streamID, chunk)
	pipe.Expire(ctx, chunksKeyPrefix+streamID, s.chunkTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending to stream %s: %w", streamID, err)
	}
	return nil
}

// Complete marks the stream done, snapshots the final message for
// ReplayLast, and clears the chat's active pointer.
func (s *Store) Complete(ctx context.Context, streamID, chatID, final string) error {
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, chunksKeyPrefix+streamID, doneMarker)
	pipe.Expire(ctx, chunksKeyPrefix+streamID, s.chunkTTL)
	pipe.Set(ctx, lastKeyPrefix+chatID, final, s.snapshotTTL)
	pipe.Del(ctx, activeKeyPrefix+chatID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("completing stream %s: %w", streamID, err)
	}
	return nil
}

// Discard ends the stream without snapshotting it, for aborted turns whose
// partial output should not be kept.
func (s *Store) Discard(ctx context.Context, streamID, chatID string) error {
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, chunksKeyPrefix+streamID, doneMarker)
	pipe.Expire(ctx, chunksKeyPrefix+streamID, s.chunkTTL)
	pipe.Del(ctx, activeKeyPrefix+chatID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("discarding stream %s: %w", streamID, err)
	}
	return nil
}

// Active returns the chat's in-flight stream ID, or "" when none.
func (s *Store) Active(ctx context.Context, chatID string) (string, error) {
	id, err := s.rdb.Get(ctx, activeKeyPrefix+chatID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading active stream for chat %s: %w", chatID, err)
	}
	return id, nil
}

// ReplayLast returns the chat's last completed message. A chat with no
// snapshot gets ("", false, nil), not an error; the caller renders a valid
// zero-chunk stream.
func (s *Store) ReplayLast(ctx context.Context, chatID string) (string, bool, error) {
	msg, err := s.rdb.Get(ctx, lastKeyPrefix+chatID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading last message for chat %s: %w", chatID, err)
	}
	return msg, true, nil
}

// Resume returns a reader that replays the stream's existing chunks and then
// follows live appends until the stream completes or ctx is canceled. A
// stream that already completed replays and closes; a stream whose chunks
// expired closes immediately with zero chunks.
func (s *Store) Resume(ctx context.Context, streamID string) *Reader {
	r := &Reader{ch: make(chan string, 16)}
	go r.follow(ctx, s.rdb, chunksKeyPrefix+streamID, s.pollInterval)
	return r
}

// Reader delivers a stream's chunks in order. Chunks() closes when the
// stream ends or the read is canceled; check Err() afterwards.
type Reader struct {
	ch  chan string
	err error
}

func (r *Reader) Chunks() <-chan string { return r.ch }

// Err reports a store failure, or ctx's error if the read was canceled. Nil
// after a clean replay-to-done.
func (r *Reader) Err() error { return r.err }

// follow is a cursor over the chunk list: replay what exists, then poll for
// appends. Polling sidesteps racing a future against a live producer.
func (r *Reader) follow(ctx context.Context, rdb redis.Cmdable, key string, interval time.Duration) {
	defer close(r.ch)

	cursor := int64(0)
	for {
		chunks, err := rdb.LRange(ctx, key, cursor, -1).Result()
		if err != nil {
			r.err = fmt.Errorf("reading stream chunks: %w", err)
			return
		}
		if cursor == 0 && len(chunks) == 0 {
			// Expired or never existed: empty but valid.
			return
		}

		for _, chunk := range chunks {
			cursor++
			switch chunk {
			case startMarker:
				continue
			case doneMarker:
				return
			}
			select {
			case r.ch <- chunk:
			case <-ctx.Done():
				r.err = ctx.Err()
				return
			}
		}

		select {
		case <-ctx.Done():
			r.err = ctx.Err()
			return
		case <-time.After(interval):
		}
	}
}
