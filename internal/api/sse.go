package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Stream reattaches a client to a chat's response stream over SSE. An
// explicit ?stream_id= resumes that stream; otherwise the chat's active
// stream is followed, falling back to a replay of the last completed message.
// A chat with nothing to show gets a valid zero-chunk stream, not an error.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	claims := h.claims(r)
	if claims == nil {
		HandleError(w, ErrUnauthorized)
		return
	}
	chatID := chi.URLParam(r, "chatID")
	if chatID == "" {
		HandleError(w, ErrBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		HandleError(w, ErrInternalServer)
		return
	}

	streamID := r.URL.Query().Get("stream_id")
	if streamID == "" {
		active, err := h.store.Active(r.Context(), chatID)
		if err != nil {
			HandleError(w, ErrServiceUnavailable)
			return
		}
		streamID = active
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if streamID == "" {
		// No live stream: replay the last completed message, if any.
		msg, ok, err := h.store.ReplayLast(r.Context(), chatID)
		if err != nil {
			slog.Warn("sse: replaying last message", "chat_id", chatID, "error", err)
		} else if ok {
			writeSSE(w, "chunk", msg)
		}
		writeSSE(w, "done", "{}")
		flusher.Flush()
		return
	}

	reader := h.store.Resume(r.Context(), streamID)
	for chunk := range reader.Chunks() {
		writeSSE(w, "chunk", chunk)
		flusher.Flush()
	}
	if err := reader.Err(); err != nil {
		// Client went away or the store failed; either way the
		// connection is done.
		slog.Debug("sse: stream read ended", "chat_id", chatID, "error", err)
		return
	}
	writeSSE(w, "done", "{}")
	flusher.Flush()
}

// writeSSE emits one event, splitting multi-line data per the SSE framing
// rules.
func writeSSE(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}
