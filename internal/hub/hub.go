// Package hub implements the per-session event pipeline: sequence
// assignment, fan-out to live subscribers, replay for late joiners, and
// the hand-off channel feeding the persistence writer.
//
// One Hub exists per running session and is disposed when the stream
// ends. The hub is the single source of sequence numbers for its session;
// numbers are dense on the live stream and continue across resumed runs
// from the last persisted sequence.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentum-dev/agentum/internal/model"
)

// DefaultSubscriberBuffer is the per-subscriber queue size. A subscriber
// that falls this many events behind the live stream is dropped.
const DefaultSubscriberBuffer = 256

// Store is the slice of the metadata store the hub needs for replay.
// A limit <= 0 must return every matching row — replay reads the whole
// persisted prefix in one unbounded call.
type Store interface {
	ListEvents(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]model.Event, error)
}

// Hub is a per-session pub/sub bus.
type Hub struct {
	sessionID string
	store     Store
	logger    *slog.Logger
	subBuf    int

	mu   sync.Mutex
	seq  int64
	subs map[*Subscription]struct{}

	// log holds every persistable event published during this run, in
	// order. It doubles as the persistence queue (the writer keeps a
	// cursor into it) and as the buffer that closes the replay/live gap
	// for subscribers attaching while persistence is still in flight.
	log         []model.Event
	persistWake chan struct{}

	closed bool
	done   chan struct{}
}

// New creates a hub for one session run. startSeq is the last sequence
// already persisted for the session (0 for a fresh session); assignment
// continues from there so sequences stay dense across resumed runs.
func New(sessionID string, startSeq int64, store Store, logger *slog.Logger) *Hub {
	return &Hub{
		sessionID:   sessionID,
		store:       store,
		logger:      logger,
		subBuf:      DefaultSubscriberBuffer,
		seq:         startSeq,
		subs:        make(map[*Subscription]struct{}),
		persistWake: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// WithSubscriberBuffer overrides the per-subscriber queue size.
func (h *Hub) WithSubscriberBuffer(n int) *Hub {
	if n > 0 {
		h.subBuf = n
	}
	return h
}

// SessionID returns the owning session id.
func (h *Hub) SessionID() string { return h.sessionID }

// Done is closed after a terminal event has been fanned out.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Publish assigns the next sequence number to an event built from kind and
// payload, fans it out, and queues it for persistence when eligible. It
// returns the assigned event. Publishing after a terminal event is a no-op
// that returns a zero event — the stream is over.
func (h *Hub) Publish(kind model.EventKind, payload model.EventPayload) model.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		h.logger.Warn("event published after terminal, dropping",
			"session_id", h.sessionID, "kind", string(kind))
		return model.Event{}
	}

	h.seq++
	event := model.Event{
		Kind:      kind,
		Sequence:  h.seq,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	if event.Persistable() {
		h.log = append(h.log, event)
		select {
		case h.persistWake <- struct{}{}:
		default:
		}
	}

	for sub := range h.subs {
		select {
		case sub.live <- event:
		default:
			// This subscriber's buffer overflowed. Drop only it; the
			// lag error surfaces when its drain goroutine sees the close.
			sub.err = model.ErrSubscriberLagged
			close(sub.live)
			delete(h.subs, sub)
			h.logger.Warn("subscriber lagged, dropping",
				"session_id", h.sessionID, "sequence", event.Sequence)
		}
	}

	if event.Terminal() {
		h.closed = true
		for sub := range h.subs {
			close(sub.live)
			delete(h.subs, sub)
		}
		close(h.done)
		select {
		case h.persistWake <- struct{}{}:
		default:
		}
	}

	return event
}

// NextPersistable blocks until the next persistable event is available and
// returns it. After the terminal event has been handed out it returns
// false. cursor state lives in the caller (the writer owns exactly one).
func (h *Hub) NextPersistable(ctx context.Context, cursor *int) (model.Event, bool, error) {
	for {
		h.mu.Lock()
		if *cursor < len(h.log) {
			event := h.log[*cursor]
			*cursor++
			h.mu.Unlock()
			return event, true, nil
		}
		closed := h.closed
		h.mu.Unlock()

		if closed {
			return model.Event{}, false, nil
		}

		select {
		case <-ctx.Done():
			return model.Event{}, false, ctx.Err()
		case <-h.persistWake:
		}
	}
}

// SubscriberCount returns the number of attached live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// LastSequence returns the most recently assigned sequence number.
func (h *Hub) LastSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}
