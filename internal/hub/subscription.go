package hub

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentum-dev/agentum/internal/model"
)

// Subscription is one consumer of a session's event stream. Events arrive
// on Events() in strictly increasing sequence order: first the replayed
// persisted prefix, then the live stream, with no duplicate and no gap at
// the boundary. The channel closes when the stream ends; check Err()
// afterwards to distinguish normal close from a lag drop.
type Subscription struct {
	out  chan model.Event
	live chan model.Event
	err  error

	lastEventAt atomic.Int64 // unix nanos of last delivery, for idle heartbeats
}

// Events is the ordered event stream.
func (s *Subscription) Events() <-chan model.Event { return s.out }

// Err reports why the stream closed. Nil for a normal terminal close or
// context cancellation; model.ErrSubscriberLagged when the subscriber was
// dropped for falling behind.
func (s *Subscription) Err() error { return s.err }

// LastEventAt returns when the subscriber last received an event. The
// transport uses this to time heartbeats.
func (s *Subscription) LastEventAt() time.Time {
	return time.Unix(0, s.lastEventAt.Load())
}

// Subscribe attaches a subscriber. Replay starts after the given sequence:
// persisted events are read from the store, the hub's in-memory run log
// covers any persistence still in flight, and the live stream takes over
// from the attachment point. The hub serializes the switch, so the three
// segments are contiguous.
func (h *Hub) Subscribe(ctx context.Context, after int64) *Subscription {
	sub := &Subscription{
		out:  make(chan model.Event, h.subBuf),
		live: make(chan model.Event, h.subBuf),
	}
	sub.lastEventAt.Store(time.Now().UnixNano())

	h.mu.Lock()
	attachSeq := h.seq
	closed := h.closed
	// Snapshot the run log now: everything persistable up to attachSeq,
	// regardless of whether the writer has committed it yet.
	pending := make([]model.Event, len(h.log))
	copy(pending, h.log)
	if !closed {
		h.subs[sub] = struct{}{}
	} else {
		close(sub.live)
	}
	h.mu.Unlock()

	go sub.run(ctx, h, after, attachSeq, pending)
	return sub
}

// Unsubscribe detaches the subscription before stream end. Idempotent;
// safe to call concurrently with Publish.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.live)
	}
	h.mu.Unlock()
}

// run merges the replay segments and the live stream into out.
func (s *Subscription) run(ctx context.Context, h *Hub, after, attachSeq int64, pending []model.Event) {
	defer close(s.out)

	maxSent := after

	// Segment 1: persisted events from the store. These cover everything
	// up to the last committed sequence, including prior runs of a
	// resumed session. The zero limit is the store's unbounded mode: a
	// capped read here would skip the tail of a long prior run and leave
	// a permanent gap before the live window.
	stored, err := h.store.ListEvents(ctx, h.sessionID, after, 0)
	if err != nil {
		h.logger.Warn("replay read failed", "session_id", h.sessionID, "error", err)
		s.err = err
		h.Unsubscribe(s)
		return
	}
	for _, event := range stored {
		if event.Sequence > attachSeq {
			break
		}
		if !s.send(ctx, event) {
			h.Unsubscribe(s)
			return
		}
		maxSent = event.Sequence
	}

	// Segment 2: the hub's run log fills the window the writer has not
	// committed yet.
	for _, event := range pending {
		if event.Sequence <= maxSent || event.Sequence > attachSeq {
			continue
		}
		if !s.send(ctx, event) {
			h.Unsubscribe(s)
			return
		}
		maxSent = event.Sequence
	}

	// Segment 3: live. The hub only delivers events assigned after the
	// attachment point, so the guard below is belt-and-braces against a
	// replay overlap.
	for {
		select {
		case <-ctx.Done():
			h.Unsubscribe(s)
			return
		case event, ok := <-s.live:
			if !ok {
				return
			}
			if event.Sequence <= maxSent {
				continue
			}
			if !s.send(ctx, event) {
				h.Unsubscribe(s)
				return
			}
			maxSent = event.Sequence
		}
	}
}

func (s *Subscription) send(ctx context.Context, event model.Event) bool {
	select {
	case <-ctx.Done():
		return false
	case s.out <- event:
		s.lastEventAt.Store(time.Now().UnixNano())
		return true
	}
}
