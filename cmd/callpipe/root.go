package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/manthysbr/callpipe/internal/adapters/duckdb"
	"github.com/manthysbr/callpipe/internal/adapters/providers"
	"github.com/manthysbr/callpipe/internal/config"
	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/internal/core/ports"
	"github.com/manthysbr/callpipe/internal/core/services"
)

// Version is set at build time.
var Version = "0.1.0"

type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	closeLog   func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "callpipe",
		Short:         "Transcription job queue and accuracy suite runner",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// secret only needs the key file
			if cmd.Name() == "help" || cmd.Name() == "encrypt" {
				return nil
			}
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			a.logger, a.closeLog = config.SetupLogger(cfg.Log.File, cfg.LogLevel())
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file (default $CALLPIPE_CONFIG)")

	root.AddCommand(
		serveCmd(a),
		workerCmd(a),
		enqueueCmd(a),
		suiteCmd(a),
		quarantineCmd(a),
		maintainCmd(a),
		migrateCmd(a),
		secretCmd(),
	)
	return root
}

// components is the wired service graph shared by the subcommands.
type components struct {
	store       ports.Store
	archive     *duckdb.Repository // nil when the archive is disabled or unavailable
	settings    *config.SettingsStore
	transcriber *services.SwappableTranscriber
	telemetry   *services.Telemetry
	bus         *services.ProgressBus
	queue       *services.JobQueue
	intake      *services.IntakeService
	suites      *services.SuiteRunner
}

// build opens the stores and wires the services. The archive is optional;
// failing to open it only disables reports.
func (a *app) build(ctx context.Context) (*components, error) {
	cfg := a.cfg
	store, err := providers.OpenStore(ctx, cfg.Database.Driver, cfg.Database.DSN, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	c := &components{store: store}

	var reports ports.ReportRepository
	if cfg.Analytics.DuckDBPath != "" {
		archive, err := duckdb.NewRepository(cfg.Analytics.DuckDBPath)
		if err != nil {
			a.logger.Warn("analytics archive unavailable, reports disabled", "path", cfg.Analytics.DuckDBPath, "error", err)
		} else {
			c.archive = archive
			reports = archive
		}
	}

	secret, err := config.NewSecretKey()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("init secret key: %w", err)
	}
	c.settings, err = config.NewSettingsStore(ctx, a.logger, store, secret, cfg.AppConfig())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("init settings store: %w", err)
	}
	appCfg := c.settings.GetConfig()

	c.transcriber = services.NewSwappableTranscriber(nil)
	if client, err := providers.BuildTranscriber(appCfg, a.logger); err != nil {
		// Workers pause claims while no provider is configured
		a.logger.Error("transcriber not configured", "error", err)
	} else {
		c.transcriber.Swap(client)
	}

	c.telemetry = services.NewTelemetry()
	c.bus = services.NewProgressBus(a.logger, cfg.Bus.KeepAlive)
	c.queue = services.NewJobQueue(a.logger, store, c.telemetry, services.QueueConfig{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		DedupeActive: cfg.Queue.DedupeActive,
		Backoff:      cfg.RetryStrategy(),
	})
	c.intake = services.NewIntakeService(a.logger, c.queue, store, c.bus)
	c.suites = services.NewSuiteRunner(a.logger, store, c.transcriber, c.bus, reports, c.telemetry, appCfg.Suite)

	// Hot-reload: rebuild the provider and suite defaults on settings change
	c.settings.OnChange(func(next *domain.AppConfig) {
		client, err := providers.BuildTranscriber(next, a.logger)
		if err != nil {
			a.logger.Error("failed to rebuild transcriber on settings change", "error", err)
		} else {
			c.transcriber.Swap(client)
			a.logger.Info("transcriber hot-reloaded", "engine", client.Name())
		}
		c.suites.SetDefaults(next.Suite)
	})
	return c, nil
}

func (c *components) reports() ports.ReportRepository {
	if c.archive == nil {
		return nil
	}
	return c.archive
}

func (c *components) Close() {
	if c.archive != nil {
		_ = c.archive.Close()
	}
	if c.store != nil {
		_ = c.store.Close()
	}
}
