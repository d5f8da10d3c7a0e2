package models

import (
	"time"

	"github.com/google/uuid"
)

// Sync event types pushed to websocket subscribers.
const (
	EventSessionQueued       = "session_queued"
	EventSessionSynced       = "session_synced"
	EventSyncFailed          = "sync_failed"
	EventSessionDeleted      = "session_deleted"
	EventSessionCleaned      = "session_cleaned"
	EventDrainStarted        = "drain_started"
	EventDrainFinished       = "drain_finished"
	EventConnectivityChanged = "connectivity_changed"
)

// SyncEvent is one synchronizer state transition, as seen by the UI's
// sync-pending indicator.
type SyncEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId,omitempty"`
	Error      string    `json:"error,omitempty"`
	Online     *bool     `json:"online,omitempty"` // set on connectivity_changed
	QueueDepth int       `json:"queueDepth"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewSyncEvent stamps a typed event with id and time.
func NewSyncEvent(eventType, sessionID string, queueDepth int) SyncEvent {
	return SyncEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		SessionID:  sessionID,
		QueueDepth: queueDepth,
		Timestamp:  time.Now(),
	}
}
