// Package events provides the typed state-change event hub. The hub is an
// explicitly constructed, lifetime-scoped instance injected into every
// component that publishes; subscriber fan-out beyond the returned channels
// is external to the orchestration core.
package events

import (
	"sync"
	"time"

	"conductor/pkg/logx"
)

// Type identifies the entity family an event describes.
type Type string

const (
	// TypeWorker is emitted on worker status changes.
	TypeWorker Type = "worker"
	// TypeContainer is emitted on container status changes.
	TypeContainer Type = "container"
	// TypeExecution is emitted on execution status changes.
	TypeExecution Type = "execution"
	// TypeWorkspace is emitted on workspace status changes.
	TypeWorkspace Type = "workspace"
)

// Event is one typed state-change notification.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Type      Type           `json:"type"`
	EntityID  string         `json:"entity_id"`
	Status    string         `json:"status"`
}

// Hub fans typed events out to subscribers. Publish never blocks: slow
// subscribers drop events rather than stalling the publisher.
type Hub struct {
	logger *logx.Logger
	subs   map[int]chan Event
	nextID int
	mu     sync.Mutex
	closed bool
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{
		logger: logx.NewLogger("events"),
		subs:   make(map[int]chan Event),
	}
}

// Publish emits an event to all current subscribers.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.logger.Warn("subscriber %d is slow, dropping %s event for %s", id, evt.Type, evt.EntityID)
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or hub close.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Close shuts the hub down and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
