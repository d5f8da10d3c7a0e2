package jobs

import (
	"context"
	"log"

	"insightloop/internal/connectivity"
	"insightloop/internal/services"
)

// SyncRetryJob re-attempts the sync queue on an interval, catching sessions
// whose reconnect-triggered drain failed. It is a no-op while offline or
// with an empty queue.
type SyncRetryJob struct {
	manager *services.SessionManager
	monitor connectivity.Monitor
}

// NewSyncRetryJob creates the interval retry job.
func NewSyncRetryJob(manager *services.SessionManager, monitor connectivity.Monitor) *SyncRetryJob {
	return &SyncRetryJob{manager: manager, monitor: monitor}
}

func (j *SyncRetryJob) Name() string { return "sync-retry" }

// Run drains the queue if there is anything to push and a connection to
// push it over.
func (j *SyncRetryJob) Run(ctx context.Context) error {
	if !j.monitor.Online() {
		return nil
	}
	if j.manager.Queue().Len() == 0 {
		return nil
	}

	summary := j.manager.SyncPendingSessions(ctx)
	if summary.Failed > 0 {
		log.Printf("🔄 [SYNC] Retry pass left %d session(s) queued", j.manager.Queue().Len())
	}
	return nil
}
