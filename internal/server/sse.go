package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentum-dev/agentum/internal/model"
)

// HandleEvents handles GET /api/v1/sessions/{id}/events: the live SSE
// subscription. The after query parameter replays the persisted prefix
// before switching to the live stream. When the session is not running,
// the persisted events are replayed and the stream closes immediately.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	flusher, okFlush := w.(http.Flusher)
	if !okFlush {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	after := int64(queryInt(r, "after", 0))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// SSE connections outlive the server's WriteTimeout; heartbeats keep
	// the transport alive instead.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	live, isLive := h.runner.Registry().Hub(session.ID)
	if !isLive {
		h.replayClosed(w, r, flusher, session.ID, after)
		return
	}

	sub := live.Subscribe(r.Context(), after)
	defer live.Unsubscribe(sub)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	var lastSeq int64
	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if time.Since(sub.LastEventAt()) < h.heartbeat {
				continue
			}
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case event, open := <-sub.Events():
			if !open {
				if errors.Is(sub.Err(), model.ErrSubscriberLagged) {
					h.writeSSE(w, model.Event{
						Kind:      model.KindError,
						Sequence:  lastSeq,
						Timestamp: time.Now().UTC(),
						Payload: &model.ErrorPayload{
							Message:   "subscriber fell behind the live stream",
							ErrorType: "subscriber_lagged",
						},
					})
					flusher.Flush()
				}
				return
			}
			if !h.writeSSE(w, event) {
				return
			}
			lastSeq = event.Sequence
			flusher.Flush()
		}
	}
}

// replayClosed streams the persisted events of a finished session and
// closes.
func (h *Handlers) replayClosed(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sessionID string, after int64) {
	events, err := h.db.ListEvents(r.Context(), sessionID, after, 0)
	if err != nil {
		h.logger.Error("replay failed", "session_id", sessionID, "error", err)
		return
	}
	for _, event := range events {
		if !h.writeSSE(w, event) {
			return
		}
	}
	flusher.Flush()
}

// writeSSE emits one event frame: the id line carries the sequence so
// clients can resume with ?after=<id>.
func (h *Handlers) writeSSE(w http.ResponseWriter, event model.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event marshal failed", "sequence", event.Sequence, "error", err)
		return true
	}
	if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", event.Sequence, data); err != nil {
		return false
	}
	return true
}
