package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/manthysbr/callpipe/internal/adapters/postgres"
	"github.com/manthysbr/callpipe/internal/adapters/sqlite"
	"github.com/manthysbr/callpipe/internal/adapters/transcriber"
	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/internal/core/ports"
)

// BuildTranscriber creates the speech-to-text client from app configuration.
// It hides local/remote provider selection from callers.
func BuildTranscriber(config *domain.AppConfig, logger *slog.Logger) (*transcriber.Client, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := config.Transcriber
	cfg.LocalURL = strings.TrimSpace(cfg.LocalURL)
	cfg.RemoteURL = strings.TrimSpace(cfg.RemoteURL)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Model = strings.TrimSpace(cfg.Model)

	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "local":
		if host := strings.TrimSpace(os.Getenv("WHISPER_HOST")); host != "" {
			cfg.LocalURL = host
		}
		return transcriber.NewLocal(cfg, transcriber.WithLogger(logger))
	case "remote":
		if cfg.RemoteURL == "" {
			return nil, fmt.Errorf("transcriber remote_url is required when mode=remote")
		}
		return transcriber.NewRemote(cfg, transcriber.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unsupported transcriber mode: %s", cfg.Mode)
	}
}

// OpenStore connects the primary store for driver and applies migrations.
func OpenStore(ctx context.Context, driver, dsn string, logger *slog.Logger) (ports.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store ports.Store
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pgx":
		store, err = postgres.New(ctx, dsn, postgres.WithLogger(logger))
	case "", "sqlite", "sqlite3":
		store, err = sqlite.Open(dsn, sqlite.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate %s store: %w", driver, err)
	}
	return store, nil
}
