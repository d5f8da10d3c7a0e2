package handlers

import (
	"log"

	"github.com/gofiber/contrib/websocket"

	"insightloop/internal/services"
)

// SyncWebSocketHandler streams synchronizer events to UI subscribers so
// they can render a live sync-pending indicator.
type SyncWebSocketHandler struct {
	hub *services.SyncEventHub
}

// NewSyncWebSocketHandler creates a new sync event stream handler
func NewSyncWebSocketHandler(hub *services.SyncEventHub) *SyncWebSocketHandler {
	return &SyncWebSocketHandler{hub: hub}
}

// Handle serves one websocket subscriber until it disconnects or the hub
// closes.
func (h *SyncWebSocketHandler) Handle(c *websocket.Conn) {
	id, events := h.hub.Subscribe()
	defer h.hub.Unsubscribe(id)

	// Reader goroutine: the client sends nothing meaningful, but reading is
	// how we learn the connection dropped.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-events:
			if !ok {
				// Hub closed (shutdown).
				c.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := c.WriteJSON(event); err != nil {
				log.Printf("⚠️ [SYNC-EVENTS] Write to subscriber %s failed: %v", id, err)
				return
			}
		}
	}
}
