package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"insightloop/internal/config"
	"insightloop/internal/connectivity"
	"insightloop/internal/localstore"
	"insightloop/internal/models"
	"insightloop/internal/remotestore"
)

// sessionKeyPrefix namespaces session records inside the local store.
const sessionKeyPrefix = "research_session_"

// remoteListLimit bounds how many sessions a union listing pulls from the
// remote store.
const remoteListLimit = 100

// ErrSessionNotFound is returned when a session exists in neither the local
// nor the remote store.
var ErrSessionNotFound = errors.New("session not found")

// RemoteStore is the narrow contract the synchronizer needs against the
// remote session service. remotestore.Client implements it; tests inject
// fakes.
type RemoteStore interface {
	List(ctx context.Context, limit int, userID string) ([]models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	Put(ctx context.Context, session *models.Session) error
	Create(ctx context.Context, session *models.Session) (*models.Session, error)
	Delete(ctx context.Context, id string) error
}

// SessionManager reconciles the in-memory cache, the durable local store,
// and the remote store into one consistent view of research sessions, and
// queues synchronization work when the remote store is unreachable. It is
// the only entry point the rest of the application uses.
type SessionManager struct {
	store   localstore.Store
	remote  RemoteStore
	monitor connectivity.Monitor
	cache   *SessionCache
	queue   *SyncQueue
	events  *SyncEventHub
	metrics *Metrics

	policyMu sync.RWMutex
	policy   config.SyncPolicy

	// drainMu serializes drain passes; a manual trigger during a running
	// drain waits rather than double-pushing the same sessions.
	drainMu sync.Mutex

	lastDrainMu sync.RWMutex
	lastDrain   *models.DrainSummary
}

// NewSessionManager composes the synchronizer. events and metrics may be
// nil (nothing is published or recorded).
func NewSessionManager(
	store localstore.Store,
	remote RemoteStore,
	monitor connectivity.Monitor,
	queue *SyncQueue,
	policy config.SyncPolicy,
	metrics *Metrics,
	events *SyncEventHub,
) *SessionManager {
	return &SessionManager{
		store:   store,
		remote:  remote,
		monitor: monitor,
		cache:   NewSessionCache(policy.CacheTTL, metrics),
		queue:   queue,
		events:  events,
		metrics: metrics,
		policy:  policy,
	}
}

// Start hooks the manager to connectivity transitions: regaining
// connectivity runs a cleanup pass and drains the sync queue in the
// background.
func (m *SessionManager) Start() {
	m.monitor.Subscribe(func(online bool) {
		state := online
		event := models.NewSyncEvent(models.EventConnectivityChanged, "", m.queue.Len())
		event.Online = &state
		m.events.Publish(event)

		if online {
			go m.onOnline()
		}
	})
}

func (m *SessionManager) onOnline() {
	ctx := context.Background()
	if _, err := m.Cleanup(ctx); err != nil {
		log.Printf("⚠️ [CLEANUP] Opportunistic cleanup failed: %v", err)
	}
	m.SyncPendingSessions(ctx)
}

// Policy returns the current sync policy.
func (m *SessionManager) Policy() config.SyncPolicy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// SetPolicy swaps the sync policy (hot reload).
func (m *SessionManager) SetPolicy(policy config.SyncPolicy) {
	m.policyMu.Lock()
	m.policy = policy
	m.policyMu.Unlock()
	log.Printf("🔧 [SYNC] Policy updated: min messages %d, retention %v, batch %d/%v",
		policy.MinMeaningfulMessages, policy.RetentionWindow, policy.DrainBatchSize, policy.DrainBatchDelay)
}

// Queue exposes the sync queue for status reporting.
func (m *SessionManager) Queue() *SyncQueue {
	return m.queue
}

// GetSession returns the most complete known materialization of the
// session, or ErrSessionNotFound. Local-namespace ids read the local store
// only; remote-namespace ids try the remote store first and fall back to
// the local copy on any failure. The returned record carries a freshly
// computed sync status and is inserted into the cache. Neither store is
// mutated.
func (m *SessionManager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if cached, ok := m.cache.Get(id); ok {
		return cached, nil
	}

	isLocal := models.IsLocalSessionID(id)

	var session *models.Session
	if isLocal {
		session = m.readLocal(ctx, id)
	} else {
		remote, err := m.remoteGet(ctx, id)
		if err == nil {
			session = remote
			// Remote message history must never regress what the user has
			// already seen: if the remote write path lagged behind the
			// conversation, restore the local copy's messages.
			if len(session.Messages) == 0 {
				if local := m.readLocal(ctx, id); local != nil && len(local.Messages) > 0 {
					session.Messages = local.Messages
					session.MessageCount = len(local.Messages)
					log.Printf("🔀 [SYNC] Restored %d local message(s) into remote copy of %s",
						len(local.Messages), id)
				}
			}
		} else {
			if !errors.Is(err, remotestore.ErrNotFound) {
				log.Printf("⚠️ [SYNC] Remote read for %s failed, falling back to local copy: %v", id, err)
			}
			session = m.readLocal(ctx, id)
		}
	}

	if session == nil {
		return nil, ErrSessionNotFound
	}

	session.Normalize()
	session.Sync = &models.SyncStatus{IsLocal: isLocal, IsSynced: !isLocal}
	m.cache.Set(session)
	return session, nil
}

// SaveSession persists a caller-supplied, already-mutated session. The
// local store write is the durability boundary; the remote write is
// attempted only for remote-namespace sessions while online, and a remote
// failure is deferred via the sync queue, never escalated to the caller.
func (m *SessionManager) SaveSession(ctx context.Context, session *models.Session) (*models.Session, error) {
	if session.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	session = session.Clone()
	now := time.Now()
	session.UpdatedAt = now
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.Normalize()

	isLocal := session.IsLocal()
	session.Sync = &models.SyncStatus{IsLocal: isLocal}

	m.cache.Set(session)
	if err := m.writeLocal(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session locally: %w", err)
	}

	switch {
	case isLocal:
		// Local-namespace sessions reach the remote store only through a
		// drain, where the meaningful predicate gates them.
		m.enqueue(ctx, session.SessionID)

	case !m.monitor.Online():
		// Fail fast locally rather than waiting out a doomed network call.
		m.enqueue(ctx, session.SessionID)

	default:
		if err := m.remotePut(ctx, session); err != nil {
			m.metrics.RecordSyncAttempt("failure")
			session.Sync.SyncError = err.Error()
			m.enqueue(ctx, session.SessionID)
			log.Printf("⚠️ [SYNC] Remote write for %s deferred: %v", session.SessionID, err)
		} else {
			m.metrics.RecordSyncAttempt("success")
			syncedAt := time.Now()
			session.Sync.IsSynced = true
			session.Sync.LastSyncAt = &syncedAt
		}
	}

	m.cache.Set(session)
	return session, nil
}

// CreateSession allocates a new session from partial data. While online it
// asks the remote store first, so the session gets a remote-namespace id
// immediately; otherwise (or on remote failure) it allocates a
// local-namespace id. Creation essentially never fails: local allocation
// is the terminal fallback.
func (m *SessionManager) CreateSession(ctx context.Context, req *models.CreateSessionRequest) (*models.Session, error) {
	now := time.Now()
	session := &models.Session{
		UserID:         req.UserID,
		BusinessIdea:   req.BusinessIdea,
		TargetCustomer: req.TargetCustomer,
		Problem:        req.Problem,
		Industry:       req.Industry,
		Stage:          req.Stage,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	session.Normalize()

	if m.monitor.Online() {
		created, err := m.remoteCreate(ctx, session)
		if err == nil && created.SessionID != "" {
			created.Normalize()
			if created.CreatedAt.IsZero() {
				created.CreatedAt = now
			}
			if created.UpdatedAt.IsZero() {
				created.UpdatedAt = now
			}

			syncedAt := time.Now()
			created.Sync = &models.SyncStatus{IsSynced: true, LastSyncAt: &syncedAt}
			m.cache.Set(created)
			if err := m.writeLocal(ctx, created); err != nil {
				return nil, fmt.Errorf("failed to persist session locally: %w", err)
			}
			log.Printf("✅ [SYNC] Session %s created remotely", created.SessionID)
			return created, nil
		}
		log.Printf("⚠️ [SYNC] Remote creation failed, allocating local id: %v", err)
	}

	session.SessionID = models.NewLocalSessionID()
	session.Sync = &models.SyncStatus{IsLocal: true}
	m.cache.Set(session)
	if err := m.writeLocal(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session locally: %w", err)
	}
	m.enqueue(ctx, session.SessionID)
	log.Printf("📝 [SYNC] Session %s created locally", session.SessionID)
	return session, nil
}

// GetAllSessions returns the union of local and (if reachable) remote
// sessions, newest first, de-duplicated by id with remote data taking
// precedence. Remote failures degrade silently to the local-only view.
func (m *SessionManager) GetAllSessions(ctx context.Context) ([]*models.Session, error) {
	byID := make(map[string]*models.Session)

	keys, err := m.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list local sessions: %w", err)
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, sessionKeyPrefix) {
			continue
		}
		raw, err := m.store.Get(ctx, key)
		if err != nil {
			continue
		}
		session := decodeSession(key, raw)
		if session == nil {
			continue
		}
		session.Normalize()
		session.Sync = &models.SyncStatus{IsLocal: true, IsSynced: false}
		byID[session.SessionID] = session
	}

	if m.monitor.Online() {
		remote, err := m.remoteList(ctx)
		if err != nil {
			log.Printf("⚠️ [SYNC] Remote listing unavailable, serving local-only view: %v", err)
		} else {
			for i := range remote {
				session := remote[i]
				session.Normalize()
				session.Sync = &models.SyncStatus{IsSynced: true}
				byID[session.SessionID] = &session
			}
		}
	}

	sessions := make([]*models.Session, 0, len(byID))
	for _, session := range byID {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// DeleteSession removes the session everywhere it might exist. Deleting a
// nonexistent id is not an error, and a failing remote delete is tolerated.
func (m *SessionManager) DeleteSession(ctx context.Context, id string) error {
	m.cache.Delete(id)
	m.queue.Remove(ctx, id)
	if err := m.store.Remove(ctx, sessionKey(id)); err != nil {
		return fmt.Errorf("failed to remove session locally: %w", err)
	}

	if !models.IsLocalSessionID(id) && m.monitor.Online() {
		if err := m.remoteDelete(ctx, id); err != nil && !errors.Is(err, remotestore.ErrNotFound) {
			log.Printf("⚠️ [SYNC] Remote delete for %s failed (tolerated): %v", id, err)
		}
	}

	m.events.Publish(models.NewSyncEvent(models.EventSessionDeleted, id, m.queue.Len()))
	log.Printf("🗑️  [SYNC] Session %s deleted", id)
	return nil
}

// SyncPendingSessions drains the queue: every queued id is resolved to its
// current session, trivial drafts are dropped, and the remainder is pushed
// in fixed-size concurrency batches with a pacing delay between batches.
// Failed members stay queued for a later drain.
func (m *SessionManager) SyncPendingSessions(ctx context.Context) *models.DrainSummary {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	summary := &models.DrainSummary{StartedAt: time.Now()}
	ids := m.queue.IDs()
	if len(ids) == 0 {
		m.setLastDrain(summary)
		return summary
	}

	m.events.Publish(models.NewSyncEvent(models.EventDrainStarted, "", len(ids)))
	log.Printf("🔄 [SYNC] Draining %d queued session(s)", len(ids))

	candidates := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		session, err := m.GetSession(ctx, id)
		if err != nil {
			// Queued id with no backing record; nothing to sync.
			m.queue.Remove(ctx, id)
			summary.Dropped++
			continue
		}
		if !m.meaningful(session) {
			m.queue.Remove(ctx, id)
			summary.Dropped++
			m.metrics.RecordSyncAttempt("dropped")
			log.Printf("🧹 [SYNC] Dropped trivial draft %s from queue", id)
			continue
		}
		candidates = append(candidates, session)
	}

	policy := m.Policy()
	batchSize := policy.DrainBatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	limiter := rate.NewLimiter(rate.Every(policy.DrainBatchDelay), 1)

	for start := 0; start < len(candidates); start += batchSize {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		end := min(start+batchSize, len(candidates))

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, session := range candidates[start:end] {
			wg.Add(1)
			go func(session *models.Session) {
				defer wg.Done()
				err := m.pushSession(ctx, session)

				mu.Lock()
				defer mu.Unlock()
				summary.Attempted++
				if err != nil {
					summary.Failed++
				} else {
					summary.Synced++
				}
			}(session)
		}
		wg.Wait()
	}

	summary.Duration = time.Since(summary.StartedAt)
	m.metrics.RecordDrainDuration(summary.Duration.Seconds())
	m.setLastDrain(summary)
	m.events.Publish(models.NewSyncEvent(models.EventDrainFinished, "", m.queue.Len()))
	log.Printf("✅ [SYNC] Drain complete: %d synced, %d failed, %d dropped in %v",
		summary.Synced, summary.Failed, summary.Dropped, summary.Duration)
	return summary
}

// pushSession writes one session to the remote store. Local-namespace
// sessions use create (preserving their id remotely); remote-namespace
// sessions use update. The local store copy always remains.
func (m *SessionManager) pushSession(ctx context.Context, session *models.Session) error {
	id := session.SessionID

	var err error
	if session.IsLocal() {
		_, err = m.remoteCreate(ctx, session)
	} else {
		err = m.remotePut(ctx, session)
	}

	if err != nil {
		m.metrics.RecordSyncAttempt("failure")
		session.Sync = &models.SyncStatus{IsLocal: session.IsLocal(), SyncError: err.Error()}
		m.cache.Set(session)

		event := models.NewSyncEvent(models.EventSyncFailed, id, m.queue.Len())
		event.Error = err.Error()
		m.events.Publish(event)
		log.Printf("⚠️ [SYNC] Failed to sync %s: %v", id, err)
		return err
	}

	syncedAt := time.Now()
	session.Sync = &models.SyncStatus{IsLocal: session.IsLocal(), IsSynced: true, LastSyncAt: &syncedAt}
	m.cache.Set(session)
	m.queue.Remove(ctx, id)
	m.metrics.RecordSyncAttempt("success")
	m.events.Publish(models.NewSyncEvent(models.EventSessionSynced, id, m.queue.Len()))
	log.Printf("✅ [SYNC] Session %s synced", id)
	return nil
}

// Cleanup bounds local storage growth: local-namespace sessions older than
// the retention window that lack a generated questionnaire, have too few
// messages, or have an empty business idea are evicted from the local
// store, cache, and queue. Offline copies of remote-namespace sessions are
// never touched; they are the offline-availability guarantee.
func (m *SessionManager) Cleanup(ctx context.Context) (int, error) {
	policy := m.Policy()
	cutoff := time.Now().Add(-policy.RetentionWindow)

	keys, err := m.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list local sessions: %w", err)
	}

	removed := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, sessionKeyPrefix) {
			continue
		}
		raw, err := m.store.Get(ctx, key)
		if err != nil {
			continue
		}
		session := decodeSession(key, raw)
		if session == nil {
			continue
		}
		if !session.IsLocal() {
			continue
		}
		if session.CreatedAt.After(cutoff) {
			continue
		}
		if session.QuestionsGenerated &&
			len(session.Messages) >= policy.MinMeaningfulMessages &&
			session.BusinessIdea != "" {
			continue
		}

		if err := m.store.Remove(ctx, key); err != nil {
			log.Printf("⚠️ [CLEANUP] Failed to evict %s: %v", session.SessionID, err)
			continue
		}
		m.cache.Delete(session.SessionID)
		m.queue.Remove(ctx, session.SessionID)
		removed++
		m.events.Publish(models.NewSyncEvent(models.EventSessionCleaned, session.SessionID, m.queue.Len()))
		log.Printf("🧹 [CLEANUP] Evicted stale local session %s (age %v, %d message(s))",
			session.SessionID, time.Since(session.CreatedAt).Round(time.Hour), len(session.Messages))
	}

	if removed > 0 {
		m.metrics.RecordSessionsCleaned(removed)
		log.Printf("🧹 [CLEANUP] Cleanup complete: evicted %d session(s)", removed)
	}
	return removed, nil
}

// SyncState reports the synchronizer's current posture.
func (m *SessionManager) SyncState() models.SyncStateResponse {
	return models.SyncStateResponse{
		Online:     m.monitor.Online(),
		QueueDepth: m.queue.Len(),
		QueuedIDs:  m.queue.IDs(),
		LastDrain:  m.getLastDrain(),
	}
}

// meaningful reports whether a session is worth persisting remotely:
// non-empty business idea, generated questionnaire, and enough messages.
func (m *SessionManager) meaningful(session *models.Session) bool {
	return session.BusinessIdea != "" &&
		session.QuestionsGenerated &&
		len(session.Messages) >= m.Policy().MinMeaningfulMessages
}

func (m *SessionManager) enqueue(ctx context.Context, id string) {
	m.queue.Add(ctx, id)
	m.events.Publish(models.NewSyncEvent(models.EventSessionQueued, id, m.queue.Len()))
}

func (m *SessionManager) setLastDrain(summary *models.DrainSummary) {
	m.lastDrainMu.Lock()
	defer m.lastDrainMu.Unlock()
	m.lastDrain = summary
}

func (m *SessionManager) getLastDrain() *models.DrainSummary {
	m.lastDrainMu.RLock()
	defer m.lastDrainMu.RUnlock()
	return m.lastDrain
}

// readLocal loads the session stored under id, or nil. Malformed records
// and store errors behave as misses.
func (m *SessionManager) readLocal(ctx context.Context, id string) *models.Session {
	raw, err := m.store.Get(ctx, sessionKey(id))
	if err != nil {
		if !errors.Is(err, localstore.ErrKeyNotFound) {
			log.Printf("⚠️ [STORE] Local read for %s failed: %v", id, err)
		}
		return nil
	}
	return decodeSession(sessionKey(id), raw)
}

// writeLocal stores the session as serialized JSON, sync status stripped.
func (m *SessionManager) writeLocal(ctx context.Context, session *models.Session) error {
	raw, err := encodeSession(session)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, sessionKey(session.SessionID), raw)
}

func (m *SessionManager) remoteGet(ctx context.Context, id string) (*models.Session, error) {
	ctx, cancel := m.remoteCtx(ctx)
	defer cancel()
	return m.remote.Get(ctx, id)
}

func (m *SessionManager) remotePut(ctx context.Context, session *models.Session) error {
	ctx, cancel := m.remoteCtx(ctx)
	defer cancel()
	return m.remote.Put(ctx, session)
}

func (m *SessionManager) remoteCreate(ctx context.Context, session *models.Session) (*models.Session, error) {
	ctx, cancel := m.remoteCtx(ctx)
	defer cancel()
	return m.remote.Create(ctx, session)
}

func (m *SessionManager) remoteDelete(ctx context.Context, id string) error {
	ctx, cancel := m.remoteCtx(ctx)
	defer cancel()
	return m.remote.Delete(ctx, id)
}

func (m *SessionManager) remoteList(ctx context.Context) ([]models.Session, error) {
	ctx, cancel := m.remoteCtx(ctx)
	defer cancel()
	return m.remote.List(ctx, remoteListLimit, "")
}

// remoteCtx bounds an individual remote call; a hung request must release
// its drain slot instead of occupying it indefinitely.
func (m *SessionManager) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.Policy().RemoteTimeout)
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func encodeSession(session *models.Session) (string, error) {
	stored := session.Clone()
	stored.Sync = nil
	raw, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to serialize session %s: %w", session.SessionID, err)
	}
	return string(raw), nil
}

// decodeSession parses a stored session record. A malformed record is
// unreadable, not recoverable: it behaves as a miss for that key.
func decodeSession(key, raw string) *models.Session {
	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		log.Printf("⚠️ [STORE] Skipping malformed session record %s: %v", key, err)
		return nil
	}
	return &session
}
