// Package jobs schedules the synchronizer's recurring maintenance work:
// retention cleanup and sync retries.
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

// Job is one recurring maintenance task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner schedules jobs on a gocron scheduler.
type Runner struct {
	scheduler gocron.Scheduler
}

// NewRunner creates a stopped runner.
func NewRunner() (*Runner, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Runner{scheduler: scheduler}, nil
}

// AddCron registers job on a standard 5-field cron expression. The
// expression is validated before registration so a bad schedule fails at
// startup, not silently at runtime.
func (r *Runner) AddCron(expr string, job Job) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	_, err := r.scheduler.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(func() { r.run(job) }),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", job.Name(), err)
	}
	log.Printf("⏰ [JOBS] Scheduled %s (cron %q)", job.Name(), expr)
	return nil
}

// AddInterval registers job on a fixed interval.
func (r *Runner) AddInterval(interval time.Duration, job Job) error {
	_, err := r.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { r.run(job) }),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", job.Name(), err)
	}
	log.Printf("⏰ [JOBS] Scheduled %s (every %v)", job.Name(), interval)
	return nil
}

func (r *Runner) run(job Job) {
	if err := job.Run(context.Background()); err != nil {
		log.Printf("⚠️ [JOBS] %s failed: %v", job.Name(), err)
	}
}

// Start begins executing scheduled jobs.
func (r *Runner) Start() {
	r.scheduler.Start()
	log.Println("✅ [JOBS] Job runner started")
}

// Stop shuts the scheduler down, waiting for running jobs.
func (r *Runner) Stop() error {
	log.Println("⏹️ [JOBS] Stopping job runner...")
	return r.scheduler.Shutdown()
}
