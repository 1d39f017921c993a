// Package events fans account changes out to the Watch streams of the
// affected user.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/authsync/internal/server/models"
)

// Kind names a pushed change.
type Kind string

const (
	KindSignedOut   Kind = "signed-out"
	KindUserUpdated Kind = "user-updated"
)

// Event is one change pushed to a user's watchers. User is set for
// KindUserUpdated.
type Event struct {
	Kind Kind
	User *models.User
}

// DefaultBuffer is the per-subscriber queue length used when NewHub is
// given a non-positive size.
const DefaultBuffer = 16

type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub is an in-process per-user publish/subscribe registry. Publish never
// blocks: a subscriber whose queue is full is dropped and its channel
// closed, so the stream ends and the client reconnects.
type Hub struct {
	buffer int

	mu     sync.Mutex
	subs   map[string]map[uint64]*subscriber
	nextID uint64
	closed bool

	dropped atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[string]map[uint64]*subscriber)}
}

// Subscribe registers a watcher for userID. The returned channel is
// closed by cancel, by Close, or when the watcher falls behind.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	id := h.nextID
	h.nextID++
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[uint64]*subscriber)
	}
	h.subs[userID][id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		h.remove(userID, id)
		h.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// Publish delivers ev to every current watcher of userID.
func (h *Hub) Publish(userID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs[userID] {
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
			h.remove(userID, id)
			sub.close()
		}
	}
}

// Watchers returns the number of watchers registered for userID.
func (h *Hub) Watchers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

// Dropped counts watchers cut off for falling behind.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close ends every subscription. Later subscriptions are closed at once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for userID, subs := range h.subs {
		for _, sub := range subs {
			sub.close()
		}
		delete(h.subs, userID)
	}
}

// remove must be called with mu held.
func (h *Hub) remove(userID string, id uint64) {
	subs := h.subs[userID]
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.subs, userID)
	}
}
