package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

func NewScheduler() (gocron.Scheduler, error) {
	return gocron.NewScheduler(gocron.WithLocation(time.UTC))
}

type RunCleaner interface {
	DeleteRunsEndedBefore(ctx context.Context, t time.Time) (int64, error)
}

// ScheduleRunCleanUp deletes runs that ended more than retention ago once a
// day at midnight. A zero retention keeps runs forever.
func ScheduleRunCleanUp(
	s gocron.Scheduler,
	runs RunCleaner,
	retention time.Duration,
	logger *slog.Logger,
) error {
	if retention <= 0 {
		return nil
	}
	_, err := s.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 0, 0))),
		gocron.NewTask(func() {
			cleanUpRuns(context.Background(), runs, retention, logger)
		}),
		gocron.WithName("run retention"),
	)
	return err
}

func cleanUpRuns(ctx context.Context, runs RunCleaner, retention time.Duration, logger *slog.Logger) {
	n, err := runs.DeleteRunsEndedBefore(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		logger.Error("deleting expired runs", "error", err)
		return
	}
	logger.Info("expired runs deleted", "count", n)
}
