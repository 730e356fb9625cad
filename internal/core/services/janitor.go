package services

import (
	"context"
	"log/slog"
	"time"
)

// JanitorConfig sets the maintenance intervals and thresholds.
type JanitorConfig struct {
	Interval    time.Duration // default 1 minute
	ReapTimeout time.Duration // default 10 minutes
	StaleAfter  time.Duration // default 10 minutes
}

// Janitor periodically returns abandoned jobs to the queue and fails suite
// runs that stopped reporting. Either half may be nil.
type Janitor struct {
	logger *slog.Logger
	queue  *JobQueue
	suites *SuiteRunner
	cfg    JanitorConfig
}

func NewJanitor(logger *slog.Logger, queue *JobQueue, suites *SuiteRunner, cfg JanitorConfig) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ReapTimeout <= 0 {
		cfg.ReapTimeout = 10 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Janitor{
		logger: logger,
		queue:  queue,
		suites: suites,
		cfg:    cfg,
	}
}

// Run starts the maintenance loop. Blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	j.logger.Info("janitor started", "interval", j.cfg.Interval, "reap_timeout", j.cfg.ReapTimeout, "stale_after", j.cfg.StaleAfter)
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass. Errors are logged; the next pass retries.
func (j *Janitor) Sweep(ctx context.Context) {
	if j.queue != nil {
		if _, err := j.queue.Reap(ctx, j.cfg.ReapTimeout); err != nil {
			j.logger.Error("janitor: reap failed", "error", err)
		}
	}
	if j.suites != nil {
		if _, err := j.suites.SweepStale(ctx, j.cfg.StaleAfter); err != nil {
			j.logger.Error("janitor: stale sweep failed", "error", err)
		}
	}
}
