package main

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/mmdatafocus/freshledger/workflow"
	"github.com/sirupsen/logrus"
)

type scheduledJob struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// startScheduler runs the periodic engine jobs until ctx is cancelled. With Redis configured,
// each tick is guarded by a job lock so only one instance runs it.
func startScheduler(ctx context.Context, engine *workflow.Engine, logger *logrus.Logger) {
	jobs := []scheduledJob{
		{
			name:     "reservation-sweep",
			interval: engine.Settings.SweepInterval,
			run: func(ctx context.Context) error {
				_, err := engine.SweepExpired(ctx)
				return err
			},
		},
		{
			name:     "alert-checks",
			interval: engine.Settings.AlertInterval,
			run: func(ctx context.Context) error {
				_, err := engine.Alerts.RunAlertChecks(ctx, nil)
				return err
			},
		},
	}
	for _, job := range jobs {
		if job.interval <= 0 {
			logger.WithFields(logrus.Fields{"field": "scheduler", "job": job.name}).Warn("job disabled: interval not positive")
			continue
		}
		go runJobLoop(ctx, job, logger)
	}
}

func runJobLoop(ctx context.Context, job scheduledJob, logger *logrus.Logger) {
	ticker := time.NewTicker(job.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runJobOnce(ctx, job, logger)
		}
	}
}

func runJobOnce(ctx context.Context, job scheduledJob, logger *logrus.Logger) {
	lock, err := utils.ObtainJobLock(ctx, job.name, job.interval, "scheduler", job.name)
	if errors.Is(err, utils.ErrJobLockNotObtained) {
		return
	}
	if err != nil {
		return
	}
	if lock != nil {
		defer func() {
			if releaseErr := lock.Release(context.Background()); releaseErr != nil {
				logger.WithFields(logrus.Fields{"field": "scheduler", "job": job.name}).Warn("failed to release job lock: " + releaseErr.Error())
			}
		}()
	}

	jobCtx := utils.SetJobNameInContext(ctx, job.name)
	jobCtx = utils.SetCorrelationIdInContext(jobCtx, job.name+":"+time.Now().UTC().Format(time.RFC3339))
	started := time.Now()
	if err := job.run(jobCtx); err != nil {
		config.LogError(logger, "scheduler", job.name, "run job", nil, err)
		return
	}
	logger.WithFields(logrus.Fields{"field": "scheduler", "job": job.name, "elapsed": time.Since(started).String()}).Debug("job finished")
}
