package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"

	"insightloop/internal/localstore"
)

// syncQueueKey is the reserved local store key holding queue membership, so
// sessions queued-but-unsynced at process exit are retried on next launch.
const syncQueueKey = "research_sync_queue"

// SyncQueue is the set of session ids known to be out of sync with the
// remote store. Membership is mirrored into the local store after every
// mutation and replayed on startup.
type SyncQueue struct {
	mu      sync.Mutex
	ids     map[string]struct{}
	store   localstore.Store
	metrics *Metrics
}

// NewSyncQueue creates an empty queue persisted into store.
func NewSyncQueue(store localstore.Store, metrics *Metrics) *SyncQueue {
	return &SyncQueue{
		ids:     make(map[string]struct{}),
		store:   store,
		metrics: metrics,
	}
}

// Load replays queue membership persisted by a previous process.
func (q *SyncQueue) Load(ctx context.Context) error {
	raw, err := q.store.Get(ctx, syncQueueKey)
	if errors.Is(err, localstore.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		// Unreadable queue state is treated as absent, same as any other
		// malformed local store record.
		log.Printf("⚠️ [SYNC-QUEUE] Discarding malformed persisted queue: %v", err)
		return nil
	}

	q.mu.Lock()
	for _, id := range ids {
		q.ids[id] = struct{}{}
	}
	depth := len(q.ids)
	q.mu.Unlock()

	q.metrics.RecordQueueDepth(depth)
	if depth > 0 {
		log.Printf("🔄 [SYNC-QUEUE] Replayed %d queued session(s) from previous run", depth)
	}
	return nil
}

// Add queues id for remote sync.
func (q *SyncQueue) Add(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.ids[id]; exists {
		return
	}
	q.ids[id] = struct{}{}
	q.metrics.RecordQueueDepth(len(q.ids))
	q.persistLocked(ctx)
}

// Remove drops id from the queue, if present.
func (q *SyncQueue) Remove(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.ids[id]; !exists {
		return
	}
	delete(q.ids, id)
	q.metrics.RecordQueueDepth(len(q.ids))
	q.persistLocked(ctx)
}

// Contains reports whether id is queued.
func (q *SyncQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists := q.ids[id]
	return exists
}

// IDs returns a sorted snapshot of the queued ids.
func (q *SyncQueue) IDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.ids))
	for id := range q.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the queue depth.
func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// persistLocked mirrors membership into the local store. Persistence
// failures are logged, not escalated: the in-memory queue stays correct for
// this process and the next drain retries anyway.
func (q *SyncQueue) persistLocked(ctx context.Context) {
	ids := make([]string, 0, len(q.ids))
	for id := range q.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	payload, err := json.Marshal(ids)
	if err != nil {
		log.Printf("⚠️ [SYNC-QUEUE] Failed to serialize queue: %v", err)
		return
	}
	if err := q.store.Set(ctx, syncQueueKey, string(payload)); err != nil {
		log.Printf("⚠️ [SYNC-QUEUE] Failed to persist queue: %v", err)
	}
}
