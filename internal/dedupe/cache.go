// ABOUTME: Bounded seen-window for dropping duplicate message ids on a listener
// ABOUTME: Size-limited with optional TTL; expired entries are reclaimed lazily on access

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	seenAt time.Time
}

// Window remembers the most recent keys a listener has accepted. It is safe
// for concurrent use. Each listener owns its own Window, so there is no
// background goroutine: expiry happens on access and capacity is enforced by
// evicting the oldest key.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a window holding at most maxSize keys. ttl <= 0 keeps keys
// until they are evicted by size.
func New(maxSize int, ttl time.Duration) *Window {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Window{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen reports whether key is currently in the window.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.expireLocked()
	_, ok := w.seen[key]
	return ok
}

// CheckAndMark atomically checks if key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new.
func (w *Window) CheckAndMark(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.expireLocked()
	if _, ok := w.seen[key]; ok {
		return true
	}
	w.markLocked(key)
	return false
}

// Mark records key as seen, refreshing it if already present.
func (w *Window) Mark(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if elem, ok := w.seen[key]; ok {
		elem.Value.(*entry).seenAt = w.now()
		w.order.MoveToBack(elem)
		return
	}
	w.markLocked(key)
}

// Len returns the number of keys currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.expireLocked()
	return len(w.seen)
}

func (w *Window) markLocked(key string) {
	for len(w.seen) >= w.maxSize {
		w.removeLocked(w.order.Front())
	}
	w.seen[key] = w.order.PushBack(&entry{key: key, seenAt: w.now()})
}

// expireLocked drops keys older than ttl. Entries are ordered by mark time,
// so it stops at the first fresh one.
func (w *Window) expireLocked() {
	if w.ttl <= 0 {
		return
	}
	cutoff := w.now().Add(-w.ttl)
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		if front.Value.(*entry).seenAt.After(cutoff) {
			return
		}
		w.removeLocked(front)
	}
}

func (w *Window) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	w.order.Remove(elem)
	delete(w.seen, elem.Value.(*entry).key)
}
