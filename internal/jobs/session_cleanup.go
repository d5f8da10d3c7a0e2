package jobs

import (
	"context"
	"log"
	"time"

	"insightloop/internal/services"
)

// SessionCleanupJob evicts stale, low-value local sessions on a schedule,
// complementing the opportunistic cleanup that runs on reconnect.
type SessionCleanupJob struct {
	manager *services.SessionManager
}

// NewSessionCleanupJob creates the scheduled cleanup job.
func NewSessionCleanupJob(manager *services.SessionManager) *SessionCleanupJob {
	return &SessionCleanupJob{manager: manager}
}

func (j *SessionCleanupJob) Name() string { return "session-cleanup" }

// Run executes one cleanup pass.
func (j *SessionCleanupJob) Run(ctx context.Context) error {
	log.Println("🧹 [CLEANUP] Starting scheduled session cleanup...")
	start := time.Now()

	removed, err := j.manager.Cleanup(ctx)
	if err != nil {
		return err
	}

	log.Printf("🧹 [CLEANUP] Scheduled cleanup complete: evicted %d session(s) in %v",
		removed, time.Since(start))
	return nil
}
