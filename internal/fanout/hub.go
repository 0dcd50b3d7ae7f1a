// ABOUTME: In-memory per-room fan-out of conversation events to live listeners
// ABOUTME: Per-room locks, idempotent subscribe/unsubscribe, best-effort at-most-once delivery

package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/hearth/internal/dedupe"
)

const (
	// subscriberBufferSize is the channel buffer for each subscription.
	subscriberBufferSize = 64

	// seenWindowSize bounds how many event ids each subscription remembers.
	seenWindowSize = 512
	seenWindowTTL  = 10 * time.Minute
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("fanout hub closed")

// Relay forwards locally published events to other gateway instances.
type Relay interface {
	Publish(ctx context.Context, room string, ev *Event) error
}

// Subscription is one listener's attachment to a room.
type Subscription struct {
	ID   string
	Room string

	events chan *Event
	done   chan struct{}
	window *dedupe.Window
	hub    *Hub
}

// Events returns the delivery channel. It is closed on unsubscribe.
func (s *Subscription) Events() <-chan *Event {
	return s.events
}

// MarkSeen records an id the listener already rendered (an optimistic local
// echo) so a later delivery of the same id is dropped.
func (s *Subscription) MarkSeen(id string) {
	s.window.Mark(id)
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s.Room, s.ID)
}

type room struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// Hub routes events to the subscriptions of each room. Publishing holds only
// the target room's lock, so rooms never wait on each other; within a room
// publish order is delivery order.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	relay  Relay
	closed bool
	logger *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]*room),
		logger: logger.With("component", "fanout"),
	}
}

// SetRelay installs a cross-instance relay. Must be called before serving.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = r
}

// Subscribe attaches connID to roomID. Subscribing an already attached
// connID returns the existing subscription. The subscription is removed when
// ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, roomID, connID string) (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{subs: make(map[string]*Subscription)}
		h.rooms[roomID] = r
	}

	r.mu.Lock()
	if existing, ok := r.subs[connID]; ok {
		r.mu.Unlock()
		h.mu.Unlock()
		return existing, nil
	}
	sub := &Subscription{
		ID:     connID,
		Room:   roomID,
		events: make(chan *Event, subscriberBufferSize),
		done:   make(chan struct{}),
		window: dedupe.New(seenWindowSize, seenWindowTTL),
		hub:    h,
	}
	r.subs[connID] = sub
	r.mu.Unlock()
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "room", roomID, "conn_id", connID)

	go func() {
		select {
		case <-ctx.Done():
			h.Unsubscribe(roomID, connID)
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Unsubscribe detaches connID from roomID and closes its channel.
// Unknown rooms or connections are ignored.
func (h *Hub) Unsubscribe(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return
	}

	r.mu.Lock()
	sub, exists := r.subs[connID]
	if exists {
		delete(r.subs, connID)
		close(sub.events)
		close(sub.done)
	}
	empty := len(r.subs) == 0
	r.mu.Unlock()

	if empty {
		delete(h.rooms, roomID)
	}
	if exists {
		h.logger.Debug("subscriber removed", "room", roomID, "conn_id", connID)
	}
}

// Publish delivers ev to every current subscriber of roomID, then hands it to
// the relay if one is installed. Relay failures are logged, not returned.
func (h *Hub) Publish(ctx context.Context, roomID string, ev *Event) int {
	delivered := h.Deliver(roomID, ev)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		if err := relay.Publish(ctx, roomID, ev); err != nil {
			h.logger.Warn("relay publish failed", "room", roomID, "event_id", ev.ID, "error", err)
		}
	}
	return delivered
}

// Deliver sends ev to local subscribers only and returns how many accepted
// it. Subscribers that already saw ev.ID skip it; full buffers drop it.
func (h *Hub) Deliver(roomID string, ev *Event) int {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for _, sub := range r.subs {
		if sub.window.CheckAndMark(ev.ID) {
			continue
		}
		select {
		case sub.events <- ev:
			delivered++
		default:
			h.logger.Debug("dropped event for slow subscriber",
				"room", roomID,
				"conn_id", sub.ID,
				"event_id", ev.ID)
		}
	}
	return delivered
}

// SubscriberCount returns the number of subscriptions in a room.
func (h *Hub) SubscriberCount(roomID string) int {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// RoomCount returns the number of rooms with at least one subscriber.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for roomID, r := range h.rooms {
		r.mu.Lock()
		for connID, sub := range r.subs {
			close(sub.events)
			close(sub.done)
			delete(r.subs, connID)
		}
		r.mu.Unlock()
		delete(h.rooms, roomID)
	}
	h.closed = true

	h.logger.Debug("hub closed")
}
