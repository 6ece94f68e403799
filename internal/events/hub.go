// Package events fans review/audit mutations out to SSE subscribers, with a
// bounded replay buffer for Last-Event-ID resumption.
package events

import (
	"sync"
	"time"

	"github.com/orderdesk/posgate/pkg/models"
)

// BufferSize bounds the replay ring.
const BufferSize = 200

// Event is one stream entry. IDs are monotonically increasing per hub.
type Event struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	OrderID   string          `json:"order_id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Data      models.Metadata `json:"data,omitempty"`
}

// Hub broadcasts events to subscribers. Slow subscribers drop events rather
// than block publishers; the ring buffer covers catch-up via Last-Event-ID.
type Hub struct {
	mu          sync.Mutex
	nextID      int64
	buffer      []Event
	subscribers map[int64]chan Event
	nextSubID   int64
	now         func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: map[int64]chan Event{},
		now:         time.Now,
	}
}

// Publish appends to the ring and fans out without blocking.
func (h *Hub) Publish(eventType, orderID string, data models.Metadata) Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	event := Event{
		ID:        h.nextID,
		Type:      eventType,
		OrderID:   orderID,
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
	h.buffer = append(h.buffer, event)
	if len(h.buffer) > BufferSize {
		h.buffer = h.buffer[len(h.buffer)-BufferSize:]
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	return event
}

// Subscribe registers a listener. The channel is buffered; callers must
// Unsubscribe when done.
func (h *Hub) Subscribe() (int64, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSubID++
	ch := make(chan Event, 32)
	h.subscribers[h.nextSubID] = ch
	return h.nextSubID, ch
}

// Unsubscribe removes a listener and closes its channel.
func (h *Hub) Unsubscribe(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

// ListSince returns buffered events with id > cursor, oldest first.
func (h *Hub) ListSince(cursor int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := []Event{}
	for _, event := range h.buffer {
		if event.ID > cursor {
			out = append(out, event)
		}
	}
	return out
}
