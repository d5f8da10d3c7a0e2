package services

import (
	"log"
	"time"

	"github.com/patrickmn/go-cache"

	"insightloop/internal/models"
)

// SessionCache holds the most recently materialized session per id to avoid
// redundant store reads within a process lifetime. Entries expire after the
// configured TTL; correctness never depends on retention because every miss
// falls through to the local or remote store.
type SessionCache struct {
	cache   *cache.Cache
	metrics *Metrics
}

// NewSessionCache creates a session cache whose entries expire after ttl.
func NewSessionCache(ttl time.Duration, metrics *Metrics) *SessionCache {
	c := cache.New(ttl, ttl/2)

	c.OnEvicted(func(key string, _ interface{}) {
		metrics.RecordCacheEvent("evict")
		log.Printf("🗑️  [SESSION-CACHE] Evicted session %s", key)
	})

	return &SessionCache{cache: c, metrics: metrics}
}

// Get returns a deep copy of the cached session for id, if present.
// Callers receive copies so concurrent mutation never corrupts the cached
// record; writes stay last-writer-wins through Set.
func (c *SessionCache) Get(id string) (*models.Session, bool) {
	value, found := c.cache.Get(id)
	if !found {
		c.metrics.RecordCacheEvent("miss")
		return nil, false
	}

	session, ok := value.(*models.Session)
	if !ok {
		c.metrics.RecordCacheEvent("miss")
		return nil, false
	}

	c.metrics.RecordCacheEvent("hit")
	return session.Clone(), true
}

// Set stores a deep copy of session under its id.
func (c *SessionCache) Set(session *models.Session) {
	c.cache.Set(session.SessionID, session.Clone(), cache.DefaultExpiration)
}

// Delete removes the cached entry for id, if any.
func (c *SessionCache) Delete(id string) {
	c.cache.Delete(id)
}

// Len returns the number of cached sessions.
func (c *SessionCache) Len() int {
	return c.cache.ItemCount()
}
