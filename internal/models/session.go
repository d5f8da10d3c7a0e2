package models

import (
	"crypto/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalIDPrefix marks session ids allocated client-side while the remote
// store was unreachable or not attempted. Namespace membership is derived
// from this prefix alone and is never stored as a separate field.
const LocalIDPrefix = "local_"

// AnonymousUserID is the owner sentinel for sessions created before the
// client supplies a user id.
const AnonymousUserID = "anonymous"

// Session lifecycle defaults applied to locally created sessions.
const (
	StatusActive = "active"
	StageInitial = "initial"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is a research session record: the accumulated interview chat plus
// the business context the questionnaire pipeline works from.
type Session struct {
	SessionID          string      `json:"sessionId"`
	UserID             string      `json:"userId"`
	BusinessIdea       string      `json:"businessIdea"`
	TargetCustomer     string      `json:"targetCustomer"`
	Problem            string      `json:"problem"`
	Industry           string      `json:"industry"`
	Stage              string      `json:"stage"`
	Status             string      `json:"status"`
	QuestionsGenerated bool        `json:"questionsGenerated"`
	Messages           []Message   `json:"messages"`
	MessageCount       int         `json:"messageCount"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
	CompletedAt        *time.Time  `json:"completedAt,omitempty"`

	// Sync is attached only while the session is held by the SessionManager.
	// It is stripped before LocalStore serialization and never sent to the
	// remote store.
	Sync *SyncStatus `json:"sync,omitempty"`
}

// Message is a single chat message in a session. Metadata carries opaque
// structured payloads such as an embedded generated questionnaire.
type Message struct {
	ID        string                 `json:"id"`
	Role      string                 `json:"role"` // "user" or "assistant"
	Content   string                 `json:"content"`
	Timestamp int64                  `json:"timestamp"` // Unix milliseconds
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SyncStatus describes whether the last known write of a session has been
// confirmed by the remote store.
type SyncStatus struct {
	IsLocal    bool       `json:"isLocal"`
	IsSynced   bool       `json:"isSynced"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	SyncError  string     `json:"syncError,omitempty"`
}

// IsLocalSessionID reports whether id belongs to the local namespace, i.e.
// it was allocated client-side and is not known to the remote store under
// that id.
func IsLocalSessionID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// localIDSuffixLen matches the wire format local_<millis>_<9-char base36>.
const localIDSuffixLen = 9

// NewLocalSessionID allocates a local-namespace session id. Collision
// resistance is sized for a single client process, not global uniqueness.
func NewLocalSessionID() string {
	buf := make([]byte, localIDSuffixLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// fall back to a time-derived suffix rather than panicking.
		return LocalIDPrefix + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" +
			strconv.FormatInt(time.Now().UnixNano()%999999999, 36)
	}
	for i, b := range buf {
		buf[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return LocalIDPrefix + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + string(buf)
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(role, content string, metadata map[string]interface{}) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Metadata:  metadata,
	}
}

// Normalize fills lifecycle defaults and restores the message-count
// invariant (messageCount == len(messages) whenever messages are present).
func (s *Session) Normalize() {
	if s.UserID == "" {
		s.UserID = AnonymousUserID
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	if s.Stage == "" {
		s.Stage = StageInitial
	}
	if s.Messages == nil {
		s.Messages = make([]Message, 0) // empty slice, not null, on the wire
	}
	if len(s.Messages) > 0 {
		s.MessageCount = len(s.Messages)
	}
}

// IsLocal reports whether the session's id is in the local namespace.
func (s *Session) IsLocal() bool {
	return IsLocalSessionID(s.SessionID)
}

// Clone returns a deep copy. Cached sessions are shared across callers, so
// anything that mutates a session it did not create works on a clone.
func (s *Session) Clone() *Session {
	out := *s
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		copy(out.Messages, s.Messages)
		for i := range out.Messages {
			if s.Messages[i].Metadata != nil {
				md := make(map[string]interface{}, len(s.Messages[i].Metadata))
				for k, v := range s.Messages[i].Metadata {
					md[k] = v
				}
				out.Messages[i].Metadata = md
			}
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.Sync != nil {
		sync := *s.Sync
		if s.Sync.LastSyncAt != nil {
			t := *s.Sync.LastSyncAt
			sync.LastSyncAt = &t
		}
		out.Sync = &sync
	}
	return &out
}

// CreateSessionRequest is the partial payload accepted when allocating a new
// session. Zero-value fields take the lifecycle defaults.
type CreateSessionRequest struct {
	UserID         string `json:"userId,omitempty"`
	BusinessIdea   string `json:"businessIdea,omitempty"`
	TargetCustomer string `json:"targetCustomer,omitempty"`
	Problem        string `json:"problem,omitempty"`
	Industry       string `json:"industry,omitempty"`
	Stage          string `json:"stage,omitempty"`
}

// AddMessageRequest appends one message to a session through the save path.
type AddMessageRequest struct {
	Role     string                 `json:"role"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SyncStateResponse reports the synchronizer's current posture.
type SyncStateResponse struct {
	Online     bool          `json:"online"`
	QueueDepth int           `json:"queueDepth"`
	QueuedIDs  []string      `json:"queuedIds"`
	LastDrain  *DrainSummary `json:"lastDrain,omitempty"`
}

// DrainSummary is the outcome of one queue drain pass.
type DrainSummary struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Attempted int           `json:"attempted"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Dropped   int           `json:"dropped"` // filtered out by the meaningful predicate
}
