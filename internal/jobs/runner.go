// Package jobs runs the background maintenance jobs: resuming interrupted
// settlements and advisory balance reconciliation.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner schedules jobs on cron specs. A job whose previous run is still in
// progress is skipped.
type Runner struct {
	cron    *cron.Cron
	logger  *slog.Logger
	baseCtx context.Context
}

// New creates a Runner. Jobs receive baseCtx, so cancelling it stops
// in-flight runs.
func New(baseCtx context.Context, logger *slog.Logger) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add registers job under name on a standard cron spec (including the
// "@every 1m" form). An empty spec disables the job.
func (r *Runner) Add(name, spec string, job func(context.Context) error) error {
	if spec == "" {
		r.logger.Info("job disabled", "job", name)
		return nil
	}
	_, err := r.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(r.baseCtx); err != nil {
			r.logger.Error("job failed", "job", name, "duration", time.Since(start), "err", err)
			return
		}
		r.logger.Debug("job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return err
	}
	r.logger.Info("job scheduled", "job", name, "spec", spec)
	return nil
}

func (r *Runner) Start() {
	r.logger.Info("cron started")
	r.cron.Start()
}

// Stop waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}
