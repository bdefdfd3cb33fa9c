// Package reload fans rebuild notifications out to connected browsers.
//
// The hub knows nothing about transports: the dev server subscribes one
// channel per websocket client and forwards whatever arrives on it.
package reload

import (
	"sync"
	"time"
)

// Event types sent to subscribers.
const (
	EventReload     = "reload"
	EventBuildError = "build_error"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 16

// Event is a single notification.
type Event struct {
	Type      string    `json:"type"`
	Task      string    `json:"task,omitempty"`
	BuildID   string    `json:"build_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription receives events until it is closed or dropped by the hub.
type Subscription struct {
	ch   chan Event
	hub  *Hub
	once sync.Once
}

// Events returns the receive channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Hub is a publish/subscribe broadcaster. Publish never blocks: a subscriber
// whose queue is full is dropped.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	return &Hub{
		buffer: buffer,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber. On a closed hub the returned
// subscription's channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Event, h.buffer), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	h.subs[sub] = struct{}{}

	return sub
}

// Publish delivers ev to every subscriber and returns how many received it.
func (h *Hub) Publish(ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0
	}
	delivered := 0
	var slow []*Subscription
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.remove(sub)
	}

	return delivered
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
	sub.once.Do(func() { close(sub.ch) })
}
