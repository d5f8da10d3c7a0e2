package services

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"insightloop/internal/models"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events rather than blocking the
// synchronizer.
const subscriberBuffer = 64

// SyncEventHub fans synchronizer state transitions out to websocket
// subscribers. Publishing never blocks: events to a full subscriber are
// dropped.
type SyncEventHub struct {
	mu          sync.RWMutex
	subscribers map[string]chan models.SyncEvent
	closed      bool
}

// NewSyncEventHub creates an event hub with no subscribers.
func NewSyncEventHub() *SyncEventHub {
	return &SyncEventHub{
		subscribers: make(map[string]chan models.SyncEvent),
	}
}

// Subscribe registers a new subscriber and returns its id and event
// channel. The channel is closed by Unsubscribe or Close.
func (h *SyncEventHub) Subscribe() (string, <-chan models.SyncEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan models.SyncEvent, subscriberBuffer)
	if h.closed {
		close(ch)
		return id, ch
	}

	h.subscribers[id] = ch
	log.Printf("✅ [SYNC-EVENTS] Subscriber added: %s (total: %d)", id, len(h.subscribers))
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *SyncEventHub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, exists := h.subscribers[id]
	if !exists {
		return
	}
	delete(h.subscribers, id)
	close(ch)
	log.Printf("❌ [SYNC-EVENTS] Subscriber removed: %s (total: %d)", id, len(h.subscribers))
}

// Publish delivers event to every subscriber that has room for it. A nil
// hub is valid and publishes nothing.
func (h *SyncEventHub) Publish(event models.SyncEvent) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	for id, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			log.Printf("⚠️ [SYNC-EVENTS] Dropping event %s for slow subscriber %s", event.Type, id)
		}
	}
}

// Close shuts the hub down, closing every subscriber channel.
func (h *SyncEventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}
