package expiry

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	sweepLockKey = "expiry:sweep:lock"
	sweepLockTTL = 10 * time.Minute
)

// SweepJob runs the sweeper from the worker's cron schedule. A redis lock
// serializes overlapping ticks: a tick that finds the lock held skips instead
// of running concurrently against the same selection set.
type SweepJob struct {
	sweeper *Sweeper
	redis   *redis.Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewSweepJob constructs a job handler. The clock is injected for
// deterministic tests; pass nil for time.Now.
func NewSweepJob(sweeper *Sweeper, redisClient *redis.Client, logger *slog.Logger, now func() time.Time) *SweepJob {
	if now == nil {
		now = time.Now
	}
	return &SweepJob{sweeper: sweeper, redis: redisClient, logger: logger, now: now}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *SweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j.redis != nil {
		acquired, err := j.redis.SetNX(ctx, sweepLockKey, "1", sweepLockTTL).Result()
		if err != nil {
			if j.logger != nil {
				j.logger.Warn("sweep lock", slog.Any("error", err))
			}
		} else if !acquired {
			if j.logger != nil {
				j.logger.Info("sweep already running, skipping tick")
			}
			return nil
		} else {
			defer j.redis.Del(context.WithoutCancel(ctx), sweepLockKey)
		}
	}

	count, err := j.sweeper.Sweep(ctx, j.now())
	if err != nil {
		if j.logger != nil {
			j.logger.Error("expiry sweep", slog.Any("error", err))
		}
		return err
	}
	if j.logger != nil {
		j.logger.Info("expiry sweep completed", slog.Int("expired", count))
	}
	return nil
}
