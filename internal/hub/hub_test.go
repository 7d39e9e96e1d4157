package hub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentum-dev/agentum/internal/hub"
	"github.com/agentum-dev/agentum/internal/model"
	"github.com/agentum-dev/agentum/internal/testutil"
)

// memStore is an in-memory hub.Store for tests that do not need SQLite.
type memStore struct {
	mu     sync.Mutex
	events []model.Event
}

func (m *memStore) ListEvents(_ context.Context, _ string, after int64, _ int) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, e := range m.events {
		if e.Sequence > after {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) add(events ...model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

func collect(t *testing.T, sub *hub.Subscription, want int, timeout time.Duration) []model.Event {
	t.Helper()
	var got []model.Event
	deadline := time.After(timeout)
	for len(got) < want {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, event)
		case <-deadline:
			t.Fatalf("timed out after %d/%d events", len(got), want)
		}
	}
	return got
}

func drain(t *testing.T, sub *hub.Subscription, timeout time.Duration) []model.Event {
	t.Helper()
	var got []model.Event
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, event)
		case <-deadline:
			t.Fatalf("stream did not close; got %d events", len(got))
		}
	}
}

func TestPublishAssignsDenseSequences(t *testing.T) {
	h := hub.New("s1", 0, &memStore{}, testutil.Logger(t))

	e1 := h.Publish(model.KindAgentStart, &model.AgentStartPayload{})
	e2 := h.Publish(model.KindMessage, &model.MessagePayload{Text: "a", IsPartial: true})
	e3 := h.Publish(model.KindMessage, &model.MessagePayload{Text: "ab", FullText: "ab"})

	assert.Equal(t, int64(1), e1.Sequence)
	assert.Equal(t, int64(2), e2.Sequence, "partials get sequence numbers too")
	assert.Equal(t, int64(3), e3.Sequence)
}

func TestSequencesContinueAcrossRuns(t *testing.T) {
	h := hub.New("s1", 7, &memStore{}, testutil.Logger(t))
	event := h.Publish(model.KindAgentStart, &model.AgentStartPayload{})
	assert.Equal(t, int64(8), event.Sequence)
}

func TestFanOutOrderAndTerminalClose(t *testing.T) {
	h := hub.New("s1", 0, &memStore{}, testutil.Logger(t))

	subA := h.Subscribe(context.Background(), 0)
	subB := h.Subscribe(context.Background(), 0)

	h.Publish(model.KindAgentStart, &model.AgentStartPayload{})
	h.Publish(model.KindThinking, &model.ThinkingPayload{Text: "hm"})
	h.Publish(model.KindAgentComplete, &model.AgentCompletePayload{Status: "complete"})

	gotA := drain(t, subA, 2*time.Second)
	gotB := drain(t, subB, 2*time.Second)

	require.Len(t, gotA, 3)
	require.Len(t, gotB, 3)
	for i := range gotA {
		assert.Equal(t, gotA[i].Sequence, gotB[i].Sequence, "subscribers see an identical prefix")
		assert.Equal(t, int64(i+1), gotA[i].Sequence)
	}
	assert.NoError(t, subA.Err())

	select {
	case <-h.Done():
	default:
		t.Fatal("hub not done after terminal event")
	}

	// Publishing after the terminal event is a no-op.
	dropped := h.Publish(model.KindThinking, &model.ThinkingPayload{Text: "late"})
	assert.Zero(t, dropped.Sequence)
}

func TestPersistableQueueFiltersPartials(t *testing.T) {
	h := hub.New("s1", 0, &memStore{}, testutil.Logger(t))

	h.Publish(model.KindAgentStart, &model.AgentStartPayload{})
	h.Publish(model.KindMessage, &model.MessagePayload{Text: "a", IsPartial: true})
	h.Publish(model.KindMessage, &model.MessagePayload{Text: "b", IsPartial: true})
	h.Publish(model.KindMessage, &model.MessagePayload{Text: "ab", FullText: "ab"})
	h.Publish(model.KindAgentComplete, &model.AgentCompletePayload{Status: "complete"})

	cursor := 0
	var persisted []model.Event
	for {
		event, ok, err := h.NextPersistable(context.Background(), &cursor)
		require.NoError(t, err)
		if !ok {
			break
		}
		persisted = append(persisted, event)
	}

	require.Len(t, persisted, 3)
	assert.Equal(t, []int64{1, 4, 5}, []int64{
		persisted[0].Sequence, persisted[1].Sequence, persisted[2].Sequence,
	}, "partials are assigned sequences but never persisted")
}

func TestReplayThenLiveNoGapNoDuplicate(t *testing.T) {
	store := &memStore{}
	h := hub.New("s1", 0, store, testutil.Logger(t))

	// Three events published before the subscriber attaches; two of them
	// already committed, one still in flight (only in the hub's run log).
	e1 := h.Publish(model.KindAgentStart, &model.AgentStartPayload{})
	e2 := h.Publish(model.KindThinking, &model.ThinkingPayload{Text: "1"})
	h.Publish(model.KindThinking, &model.ThinkingPayload{Text: "2"})
	store.add(e1, e2)

	sub := h.Subscribe(context.Background(), 0)

	// Live events after attach.
	h.Publish(model.KindThinking, &model.ThinkingPayload{Text: "3"})
	h.Publish(model.KindAgentComplete, &model.AgentCompletePayload{Status: "complete"})

	got := drain(t, sub, 2*time.Second)
	require.Len(t, got, 5)
	for i, event := range got {
		assert.Equal(t, int64(i+1), event.Sequence, "no gap, no duplicate at the replay/live boundary")
	}
}

func TestSubscribeAfterSkipsPrefix(t *testing.T) {
	store := &memStore{}
	h := hub.New("s1", 0, store, testutil.Logger(t))

	for i := 0; i < 4; i++ {
		event := h.Publish(model.KindThinking, &model.ThinkingPayload{Text: "x"})
		store.add(event)
	}

	sub := h.Subscribe(context.Background(), 2)
	h.Publish(model.KindAgentComplete, &model.AgentCompletePayload{Status: "complete"})

	got := drain(t, sub, 2*time.Second)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].Sequence)
	assert.Equal(t, int64(4), got[1].Sequence)
	assert.Equal(t, int64(5), got[2].Sequence)
}

func TestSubscribeToClosedHubReplaysAndCloses(t *testing.T) {
	store := &memStore{}
	h := hub.New("s1", 0, store, testutil.Logger(t))

	e1 := h.Publish(model.KindAgentStart, &model.AgentStartPayload{})
	e2 := h.Publish(model.KindAgentComplete, &model.AgentCompletePayload{Status: "complete"})
	store.add(e1, e2)

	sub := h.Subscribe(context.Background(), 0)
	got := drain(t, sub, 2*time.Second)
	require.Len(t, got, 2)
	assert.NoError(t, sub.Err())
}

func TestLaggedSubscriberIsDroppedAlone(t *testing.T) {
	h := hub.New("s1", 0, &memStore{}, testutil.Logger(t)).WithSubscriberBuffer(4)

	slow := h.Subscribe(context.Background(), 0)
	fast := h.Subscribe(context.Background(), 0)

	done := make(chan []model.Event)
	go func() {
		var got []model.Event
		for event := range fast.Events() {
			got = append(got, event)
		}
		done <- got
	}()

	// The slow subscriber never reads: its live buffer (4) plus the out
	// buffer (4) fill, and the next publish drops it. The pacing keeps the
	// fast subscriber's forwarder comfortably ahead of the publisher.
	for i := 0; i < 30; i++ {
		h.Publish(model.KindThinking, &model.ThinkingPayload{Text: "x"})
		time.Sleep(time.Millisecond)
	}
	h.Publish(model.KindAgentComplete, &model.AgentCompletePayload{Status: "complete"})

	fastGot := <-done
	assert.Len(t, fastGot, 31, "fast subscriber is unaffected")

	slowGot := drain(t, slow, 2*time.Second)
	assert.Less(t, len(slowGot), 31)
	assert.ErrorIs(t, slow.Err(), model.ErrSubscriberLagged)
}

func TestSubscriptionContextCancelDetaches(t *testing.T) {
	h := hub.New("s1", 0, &memStore{}, testutil.Logger(t))

	ctx, cancel := context.WithCancel(context.Background())
	sub := h.Subscribe(ctx, 0)
	h.Publish(model.KindThinking, &model.ThinkingPayload{Text: "x"})
	collect(t, sub, 1, 2*time.Second)

	cancel()
	require.Eventually(t, func() bool {
		return h.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
