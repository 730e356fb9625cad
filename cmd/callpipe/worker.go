package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/callpipe/internal/core/services"
)

// workerCmd runs a headless worker. Any number of these may share one
// Postgres store; claims never overlap.
func workerCmd(a *app) *cobra.Command {
	var (
		concurrency int
		withJanitor bool
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and process transcription jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			shutdownTracing, err := setupTracing(ctx, cfg.OTLPEndpoint, "worker")
			if err != nil {
				return err
			}
			defer flushTracing(shutdownTracing)

			c, err := a.build(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if concurrency <= 0 {
				concurrency = cfg.Worker.Concurrency
			}
			worker := services.NewTranscriptionWorker(a.logger, c.queue, c.transcriber, c.store, c.bus, c.telemetry, services.WorkerConfig{
				WorkerID:          cfg.Worker.ID,
				MaxConcurrentJobs: int64(concurrency),
				PollInterval:      cfg.Queue.PollInterval,
				UnavailablePause:  cfg.Queue.UnavailablePause,
			})

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error { return worker.Run(gCtx) })
			if withJanitor {
				janitor := services.NewJanitor(a.logger, c.queue, nil, services.JanitorConfig{
					Interval:    cfg.Queue.ReapInterval,
					ReapTimeout: cfg.Queue.ReapTimeout,
				})
				g.Go(func() error { return janitor.Run(gCtx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "jobs processed at once (default worker.concurrency)")
	cmd.Flags().BoolVar(&withJanitor, "janitor", false, "also reap abandoned jobs from this process")
	return cmd
}
