// Package stream fans presence changes out to live subscribers.
package stream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/board-presence/internal/model"
	"github.com/capitalize-ai/board-presence/pkg/logger"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Subscriber receives changes on C until it is unsubscribed or dropped for
// falling behind, at which point C is closed.
type Subscriber struct {
	C <-chan model.Change

	id        uint64
	transport string
	send      chan model.Change
}

// Transport returns the transport label the subscriber was created with.
func (s *Subscriber) Transport() string {
	return s.transport
}

// Hub broadcasts changes to subscribers. It implements service.Notifier.
type Hub struct {
	buffer int
	logger *logger.Logger

	mu      sync.RWMutex
	subs    map[uint64]*Subscriber
	nextID  uint64
	dropped uint64
}

// NewHub creates a hub. A non-positive buffer uses DefaultBuffer.
func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer: buffer,
		logger: log.Named("stream"),
		subs:   make(map[uint64]*Subscriber),
	}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe(transport string) *Subscriber {
	ch := make(chan model.Change, h.buffer)

	h.mu.Lock()
	h.nextID++
	sub := &Subscriber{C: ch, id: h.nextID, transport: transport, send: ch}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscriber and closes its channel. It is safe to
// call for a subscriber that was already dropped.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(sub.send)
	}
}

// Notify delivers change to every subscriber without blocking. Subscribers
// whose queue is full are dropped.
func (h *Hub) Notify(change model.Change) {
	var slow []*Subscriber

	h.mu.RLock()
	for _, sub := range h.subs {
		select {
		case sub.send <- change:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.mu.Lock()
		if _, ok := h.subs[sub.id]; ok {
			delete(h.subs, sub.id)
			close(sub.send)
			h.dropped++
		}
		h.mu.Unlock()

		h.logger.Warn("stream subscriber too slow, disconnecting", zap.String("transport", sub.transport))
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many subscribers were disconnected for falling behind.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.send)
	}
}
