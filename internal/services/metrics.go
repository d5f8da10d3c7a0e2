package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the synchronizer. A nil
// *Metrics is valid and records nothing, so tests can skip registration.
type Metrics struct {
	// Sync metrics
	SyncAttempts  *prometheus.CounterVec // result: "success", "failure", "dropped"
	QueueDepth    prometheus.Gauge
	DrainDuration prometheus.Histogram

	// Cache metrics
	CacheEvents *prometheus.CounterVec // event: "hit", "miss", "evict"

	// Cleanup metrics
	SessionsCleaned prometheus.Counter
}

// InitMetrics registers the Prometheus metrics. Call once at startup.
func InitMetrics() *Metrics {
	return &Metrics{
		SyncAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "insightloop_sync_attempts_total",
			Help: "Total number of remote sync attempts by result",
		}, []string{"result"}),

		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "insightloop_sync_queue_depth",
			Help: "Number of session ids currently queued for remote sync",
		}),

		DrainDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "insightloop_drain_duration_seconds",
			Help:    "Duration of sync queue drain passes in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		CacheEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "insightloop_session_cache_events_total",
			Help: "Total number of session cache events by type",
		}, []string{"event"}),

		SessionsCleaned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "insightloop_sessions_cleaned_total",
			Help: "Total number of stale local sessions evicted by cleanup passes",
		}),
	}
}

// RecordSyncAttempt records the outcome of one remote sync attempt.
func (m *Metrics) RecordSyncAttempt(result string) {
	if m == nil {
		return
	}
	m.SyncAttempts.WithLabelValues(result).Inc()
}

// RecordQueueDepth records the current sync queue depth.
func (m *Metrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordDrainDuration records how long a drain pass took.
func (m *Metrics) RecordDrainDuration(seconds float64) {
	if m == nil {
		return
	}
	m.DrainDuration.Observe(seconds)
}

// RecordCacheEvent records a session cache hit, miss, or eviction.
func (m *Metrics) RecordCacheEvent(event string) {
	if m == nil {
		return
	}
	m.CacheEvents.WithLabelValues(event).Inc()
}

// RecordSessionsCleaned records sessions evicted by a cleanup pass.
func (m *Metrics) RecordSessionsCleaned(count int) {
	if m == nil {
		return
	}
	m.SessionsCleaned.Add(float64(count))
}
