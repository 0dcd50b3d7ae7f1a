// ABOUTME: Tests for the room fan-out hub
// ABOUTME: Covers exactly-once delivery, idempotent membership, dedupe, ordering and cancellation

package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgEvent(id string) *Event {
	return &Event{
		ID:             id,
		Type:           EventMessage,
		ConversationID: "conv-1",
		Message:        &MessagePayload{ID: id, Role: "user", Body: "hi"},
		CreatedAt:      time.Now(),
	}
}

// drain collects whatever is buffered without blocking.
func drain(sub *Subscription) []*Event {
	var out []*Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

type recordingRelay struct {
	mu     sync.Mutex
	rooms  []string
	events []*Event
	err    error
}

func (r *recordingRelay) Publish(_ context.Context, room string, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, room)
	r.events = append(r.events, ev)
	return r.err
}

func TestHub_EachListenerReceivesExactlyOnce(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	const listeners = 5
	subs := make([]*Subscription, listeners)
	for i := range subs {
		sub, err := hub.Subscribe(t.Context(), "conv-1", fmt.Sprintf("conn-%d", i))
		require.NoError(t, err)
		subs[i] = sub
	}

	delivered := hub.Publish(t.Context(), "conv-1", msgEvent("m1"))
	assert.Equal(t, listeners, delivered)

	for i, sub := range subs {
		got := drain(sub)
		require.Len(t, got, 1, "listener %d", i)
		assert.Equal(t, "m1", got[0].ID)
	}
}

func TestHub_UnsubscribedListenerReceivesNothing(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	stay, err := hub.Subscribe(t.Context(), "conv-1", "stay")
	require.NoError(t, err)
	leave, err := hub.Subscribe(t.Context(), "conv-1", "leave")
	require.NoError(t, err)

	hub.Unsubscribe("conv-1", "leave")
	hub.Publish(t.Context(), "conv-1", msgEvent("m1"))

	_, open := <-leave.Events()
	assert.False(t, open, "unsubscribed channel should be closed and empty")
	assert.Len(t, drain(stay), 1)
}

func TestHub_SubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	first, err := hub.Subscribe(t.Context(), "conv-1", "conn")
	require.NoError(t, err)
	second, err := hub.Subscribe(t.Context(), "conv-1", "conn")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, hub.SubscriberCount("conv-1"))

	hub.Publish(t.Context(), "conv-1", msgEvent("m1"))
	assert.Len(t, drain(first), 1)
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sub, err := hub.Subscribe(t.Context(), "conv-1", "conn")
	require.NoError(t, err)

	sub.Close()
	sub.Close()
	hub.Unsubscribe("conv-1", "conn")
	hub.Unsubscribe("missing-room", "conn")

	assert.Equal(t, 0, hub.SubscriberCount("conv-1"))
	assert.Equal(t, 0, hub.RoomCount(), "empty rooms are removed")
}

func TestHub_DuplicateIDIsDropped(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sub, err := hub.Subscribe(t.Context(), "conv-1", "conn")
	require.NoError(t, err)

	hub.Publish(t.Context(), "conv-1", msgEvent("m1"))
	hub.Publish(t.Context(), "conv-1", msgEvent("m1"))

	assert.Len(t, drain(sub), 1)
}

func TestHub_MarkSeenSuppressesLocalEcho(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sender, err := hub.Subscribe(t.Context(), "conv-1", "sender")
	require.NoError(t, err)
	other, err := hub.Subscribe(t.Context(), "conv-1", "other")
	require.NoError(t, err)

	sender.MarkSeen("m1")
	hub.Publish(t.Context(), "conv-1", msgEvent("m1"))

	assert.Empty(t, drain(sender), "sender already rendered m1")
	assert.Len(t, drain(other), 1)
}

func TestHub_DeliveryOrderMatchesPublishOrder(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sub, err := hub.Subscribe(t.Context(), "conv-1", "conn")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		hub.Publish(t.Context(), "conv-1", msgEvent(fmt.Sprintf("m%02d", i)))
	}

	got := drain(sub)
	require.Len(t, got, 20)
	for i, ev := range got {
		assert.Equal(t, fmt.Sprintf("m%02d", i), ev.ID)
	}
}

func TestHub_RoomsAreIsolated(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	a, err := hub.Subscribe(t.Context(), "conv-a", "conn")
	require.NoError(t, err)
	b, err := hub.Subscribe(t.Context(), "conv-b", "conn")
	require.NoError(t, err)

	hub.Publish(t.Context(), "conv-a", msgEvent("m1"))

	assert.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
	assert.Equal(t, 0, hub.Publish(t.Context(), "nobody-here", msgEvent("m2")))
}

func TestHub_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sub, err := hub.Subscribe(t.Context(), "conv-1", "slow")
	require.NoError(t, err)

	for i := 0; i < subscriberBufferSize+10; i++ {
		hub.Publish(t.Context(), "conv-1", msgEvent(fmt.Sprintf("m%d", i)))
	}

	assert.Len(t, drain(sub), subscriberBufferSize)
}

func TestHub_ContextCancelUnsubscribes(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	ctx, cancel := context.WithCancel(t.Context())
	sub, err := hub.Subscribe(ctx, "conv-1", "conn")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription was not closed after context cancel")
	}
	assert.Equal(t, 0, hub.SubscriberCount("conv-1"))
}

func TestHub_SubscribeAfterClose(t *testing.T) {
	hub := NewHub(nil)
	sub, err := hub.Subscribe(t.Context(), "conv-1", "conn")
	require.NoError(t, err)

	hub.Close()

	_, open := <-sub.Events()
	assert.False(t, open)

	_, err = hub.Subscribe(t.Context(), "conv-1", "late")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHub_ConcurrentPublishAndChurn(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish(t.Context(), "conv-1", msgEvent(fmt.Sprintf("p%d-%d", i, j)))
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				connID := fmt.Sprintf("c%d-%d", i, j)
				sub, err := hub.Subscribe(t.Context(), "conv-1", connID)
				if err != nil {
					return
				}
				drain(sub)
				hub.Unsubscribe("conv-1", connID)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, hub.SubscriberCount("conv-1"))
}

func TestHub_PublishForwardsToRelay(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	relay := &recordingRelay{}
	hub.SetRelay(relay)

	hub.Publish(t.Context(), "conv-1", msgEvent("m1"))

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Equal(t, []string{"conv-1"}, relay.rooms)
	require.Len(t, relay.events, 1)
	assert.Equal(t, "m1", relay.events[0].ID)
}

func TestHub_RelayFailureDoesNotAffectLocalDelivery(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	hub.SetRelay(&recordingRelay{err: errors.New("redis down")})
	sub, err := hub.Subscribe(t.Context(), "conv-1", "conn")
	require.NoError(t, err)

	assert.Equal(t, 1, hub.Publish(t.Context(), "conv-1", msgEvent("m1")))
	assert.Len(t, drain(sub), 1)
}
