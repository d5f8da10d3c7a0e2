package jobs

import (
	"context"
	"testing"
)

type noopJob struct{}

func (noopJob) Name() string                  { return "noop" }
func (noopJob) Run(_ context.Context) error   { return nil }

func TestAddCronRejectsInvalidExpression(t *testing.T) {
	runner, err := NewRunner()
	if err != nil {
		t.Fatal(err)
	}
	defer runner.Stop()

	if err := runner.AddCron("not a cron expr", noopJob{}); err == nil {
		t.Error("invalid cron expression accepted")
	}
	if err := runner.AddCron("0 */6 * * *", noopJob{}); err != nil {
		t.Errorf("valid cron expression rejected: %v", err)
	}
}
