package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/internal/core/ports"
)

// settingsKey is the settings row holding the JSON AppConfig.
const settingsKey = "app_config"

var errNoSettings = errors.New("no saved settings")

// ErrInvalidSettings wraps every validation failure from UpdateConfig.
var ErrInvalidSettings = errors.New("invalid settings")

// OnChangeFunc is called when settings are updated.
type OnChangeFunc func(cfg *domain.AppConfig)

// SettingsStore holds the runtime-tunable AppConfig. The transcriber API key
// is encrypted at rest and masked on read.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	secret   *SecretKey
	repo     ports.SettingsRepository
	config   *domain.AppConfig
	onChange []OnChangeFunc
}

// NewSettingsStore loads the saved config, seeding the store with defaults
// on first use. A nil defaults means domain.DefaultConfig().
func NewSettingsStore(ctx context.Context, logger *slog.Logger, repo ports.SettingsRepository, secret *SecretKey, defaults *domain.AppConfig) (*SettingsStore, error) {
	if defaults == nil {
		defaults = domain.DefaultConfig()
	}
	store := &SettingsStore{
		logger: logger,
		secret: secret,
		repo:   repo,
	}

	cfg, err := store.loadFromDB(ctx)
	switch {
	case errors.Is(err, errNoSettings):
		logger.Info("no saved settings found, seeding defaults")
		cfg = cloneConfig(defaults)
		normalize(cfg)
		if err := store.saveToDB(ctx, cfg); err != nil {
			return nil, fmt.Errorf("save default settings: %w", err)
		}
	case err != nil:
		return nil, err
	}

	store.config = cfg
	return store, nil
}

// OnChange registers a callback run after every successful update.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// GetConfig returns a copy of the current config with the secret in clear.
func (s *SettingsStore) GetConfig() *domain.AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConfig(s.config)
}

// GetMaskedConfig returns a copy safe for API responses.
func (s *SettingsStore) GetMaskedConfig() *domain.AppConfig {
	cfg := s.GetConfig()
	cfg.Transcriber.APIKey = MaskSecret(cfg.Transcriber.APIKey)
	return cfg
}

// UpdateConfig validates, persists and publishes a new config. An empty or
// masked api key keeps the stored one.
func (s *SettingsStore) UpdateConfig(ctx context.Context, update *domain.AppConfig) error {
	if update == nil {
		return fmt.Errorf("%w: update is required", ErrInvalidSettings)
	}
	next := cloneConfig(update)

	s.mu.Lock()
	if next.Transcriber.APIKey == "" || isMasked(next.Transcriber.APIKey) {
		next.Transcriber.APIKey = s.config.Transcriber.APIKey
	}
	normalize(next)
	if err := validate(next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := s.saveToDB(ctx, next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.config = next
	callbacks := append([]OnChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Info("settings updated",
		"transcriber_mode", next.Transcriber.Mode,
		"suite_concurrency", next.Suite.Concurrency,
		"suite_limit", next.Suite.Limit,
	)

	for _, fn := range callbacks {
		fn(cloneConfig(next))
	}
	return nil
}

func normalize(cfg *domain.AppConfig) {
	def := domain.DefaultConfig()
	cfg.Transcriber.Mode = strings.ToLower(strings.TrimSpace(cfg.Transcriber.Mode))
	if cfg.Transcriber.Mode == "" {
		cfg.Transcriber.Mode = "local"
	}
	if cfg.Transcriber.Timeout <= 0 {
		cfg.Transcriber.Timeout = def.Transcriber.Timeout
	}
	if cfg.Suite.Concurrency <= 0 {
		cfg.Suite.Concurrency = def.Suite.Concurrency
	}
	if cfg.Suite.Limit <= 0 {
		cfg.Suite.Limit = def.Suite.Limit
	}
}

func validate(cfg *domain.AppConfig) error {
	switch cfg.Transcriber.Mode {
	case "local":
		if cfg.Transcriber.LocalURL == "" {
			return errors.New("transcriber local_url is required when mode=local")
		}
	case "remote":
		if cfg.Transcriber.RemoteURL == "" {
			return errors.New("transcriber remote_url is required when mode=remote")
		}
		if cfg.Transcriber.APIKey == "" {
			return errors.New("transcriber api_key is required when mode=remote")
		}
	default:
		return fmt.Errorf("unsupported transcriber mode: %s", cfg.Transcriber.Mode)
	}
	if cfg.Transcriber.RateLimit < 0 {
		return errors.New("transcriber rate_limit must not be negative")
	}
	if cfg.Suite.PassThreshold < 0 || cfg.Suite.PassThreshold > 1 {
		return errors.New("suite pass_threshold must be within [0,1]")
	}
	return nil
}

func (s *SettingsStore) loadFromDB(ctx context.Context) (*domain.AppConfig, error) {
	raw, err := s.repo.GetSetting(ctx, settingsKey)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if raw == "" {
		return nil, errNoSettings
	}

	var stored storedConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	cfg := &domain.AppConfig{
		Transcriber: domain.TranscriberConfig{
			Mode:       stored.Transcriber.Mode,
			LocalURL:   stored.Transcriber.LocalURL,
			RemoteURL:  stored.Transcriber.RemoteURL,
			Model:      stored.Transcriber.Model,
			Timeout:    time.Duration(stored.Transcriber.TimeoutMs) * time.Millisecond,
			RateLimit:  stored.Transcriber.RateLimit,
			RateBurst:  stored.Transcriber.RateBurst,
			BreakerOff: stored.Transcriber.BreakerOff,
		},
		Suite: stored.Suite,
	}

	if stored.Transcriber.EncryptedAPIKey != "" {
		key, err := s.secret.Decrypt(stored.Transcriber.EncryptedAPIKey)
		if err != nil {
			s.logger.Warn("failed to decrypt transcriber api key", "error", err)
		} else {
			cfg.Transcriber.APIKey = key
		}
	}

	normalize(cfg)
	return cfg, nil
}

func (s *SettingsStore) saveToDB(ctx context.Context, cfg *domain.AppConfig) error {
	stored := storedConfig{
		Transcriber: storedTranscriber{
			Mode:       cfg.Transcriber.Mode,
			LocalURL:   cfg.Transcriber.LocalURL,
			RemoteURL:  cfg.Transcriber.RemoteURL,
			Model:      cfg.Transcriber.Model,
			TimeoutMs:  cfg.Transcriber.Timeout.Milliseconds(),
			RateLimit:  cfg.Transcriber.RateLimit,
			RateBurst:  cfg.Transcriber.RateBurst,
			BreakerOff: cfg.Transcriber.BreakerOff,
		},
		Suite: cfg.Suite,
	}

	if cfg.Transcriber.APIKey != "" {
		enc, err := s.secret.Encrypt(cfg.Transcriber.APIKey)
		if err != nil {
			return fmt.Errorf("encrypt transcriber api key: %w", err)
		}
		stored.Transcriber.EncryptedAPIKey = enc
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.repo.SaveSetting(ctx, settingsKey, string(raw))
}

// storedConfig is the DB representation with encrypted fields
type storedConfig struct {
	Transcriber storedTranscriber    `json:"transcriber"`
	Suite       domain.SuiteDefaults `json:"suite"`
}

type storedTranscriber struct {
	Mode            string  `json:"mode"`
	LocalURL        string  `json:"local_url"`
	RemoteURL       string  `json:"remote_url"`
	EncryptedAPIKey string  `json:"encrypted_api_key,omitempty"`
	Model           string  `json:"model"`
	TimeoutMs       int64   `json:"timeout_ms"`
	RateLimit       float64 `json:"rate_limit"`
	RateBurst       int     `json:"rate_burst"`
	BreakerOff      bool    `json:"breaker_off,omitempty"`
}

func cloneConfig(cfg *domain.AppConfig) *domain.AppConfig {
	cp := *cfg
	return &cp
}

func isMasked(s string) bool {
	return strings.HasPrefix(s, "****")
}
