package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/callpipe/internal/core/services"
	"github.com/manthysbr/callpipe/pkg/kernel"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(a *app) *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with workers, janitor and suite schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not claim transcription jobs in this process")
	return cmd
}

func (a *app) serve(ctx context.Context, withWorker bool) error {
	cfg := a.cfg
	a.logger.Info("starting callpipe", "version", Version, "driver", cfg.Database.Driver, "addr", cfg.HTTP.Addr)

	shutdownTracing, err := setupTracing(ctx, cfg.OTLPEndpoint, "serve")
	if err != nil {
		return err
	}
	defer flushTracing(shutdownTracing)

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	janitor := services.NewJanitor(a.logger, c.queue, c.suites, services.JanitorConfig{
		Interval:    min(cfg.Queue.ReapInterval, cfg.Suite.SweepInterval),
		ReapTimeout: cfg.Queue.ReapTimeout,
		StaleAfter:  cfg.Suite.StaleAfter,
	})
	scheduler, err := services.NewSuiteScheduler(a.logger, c.suites, cfg.Schedules)
	if err != nil {
		return fmt.Errorf("init suite scheduler: %w", err)
	}

	api, err := kernel.NewServer(ctx, a.logger, kernel.Deps{
		Store:    c.store,
		Queue:    c.queue,
		Intake:   c.intake,
		Suites:   c.suites,
		Bus:      c.bus,
		Reports:  c.reports(),
		Settings: c.settings,
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           corsHandler.Handler(api.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.bus.Run(gCtx) })
	g.Go(func() error { return janitor.Run(gCtx) })
	g.Go(func() error { return scheduler.Run(gCtx) })

	if withWorker {
		worker := services.NewTranscriptionWorker(a.logger, c.queue, c.transcriber, c.store, c.bus, c.telemetry, services.WorkerConfig{
			WorkerID:          cfg.Worker.ID,
			MaxConcurrentJobs: int64(cfg.Worker.Concurrency),
			PollInterval:      cfg.Queue.PollInterval,
			UnavailablePause:  cfg.Queue.UnavailablePause,
		})
		g.Go(func() error { return worker.Run(gCtx) })
	}

	g.Go(func() error {
		a.logger.Info("api server listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	// Background suite runs are not preempted; let them record their outcome
	c.suites.Wait()
	a.logger.Info("callpipe stopped")
	return err
}
