package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/manthysbr/callpipe/internal/core/domain"
	"github.com/manthysbr/callpipe/pkg/backoff"
)

// Config is the process configuration: defaults, then an optional YAML
// file, then CALLPIPE_* environment variables.
type Config struct {
	Database    DatabaseConfig           `yaml:"database"`
	Analytics   AnalyticsConfig          `yaml:"analytics"`
	HTTP        HTTPConfig               `yaml:"http"`
	Log         LogConfig                `yaml:"log"`
	Queue       QueueConfig              `yaml:"queue"`
	Worker      WorkerConfig             `yaml:"worker"`
	Suite       SuiteConfig              `yaml:"suite"`
	Bus         BusConfig                `yaml:"bus"`
	Transcriber domain.TranscriberConfig `yaml:"transcriber"`
	Schedules   []domain.SuiteSchedule   `yaml:"schedules"`

	// OTLPEndpoint enables trace export when set ("localhost:4318").
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "sqlite"
	DSN    string `yaml:"dsn"`
}

type AnalyticsConfig struct {
	// DuckDBPath is the archive file. Empty disables the archive.
	DuckDBPath string `yaml:"duckdb_path"`
}

type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

type QueueConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	DedupeActive bool          `yaml:"dedupe_active"`
	ReapTimeout  time.Duration `yaml:"reap_timeout"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// RetryBackoff is the delay after the first failed attempt. It doubles
	// per attempt up to RetryBackoffMax. Zero retries immediately.
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
	// UnavailablePause stops a worker from claiming while the transcriber
	// is unavailable.
	UnavailablePause time.Duration `yaml:"unavailable_pause"`
}

type WorkerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	ID          string `yaml:"id"`
}

type SuiteConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	Limit         int           `yaml:"limit"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	PassThreshold float64       `yaml:"pass_threshold"`
}

type BusConfig struct {
	KeepAlive time.Duration `yaml:"keepalive"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	app := domain.DefaultConfig()
	worker, _ := os.Hostname()
	if worker == "" {
		worker = "worker"
	}
	return &Config{
		Database:  DatabaseConfig{Driver: "sqlite", DSN: "callpipe.db"},
		Analytics: AnalyticsConfig{DuckDBPath: "callpipe-analytics.duckdb"},
		HTTP:      HTTPConfig{Addr: ":8080", CORSOrigins: []string{"*"}},
		Log:       LogConfig{File: "/tmp/callpipe.log", Level: "INFO"},
		Queue: QueueConfig{
			MaxAttempts:  5,
			ReapTimeout:  10 * time.Minute,
			ReapInterval: time.Minute,
			PollInterval: time.Second,

			RetryBackoff:     30 * time.Second,
			RetryBackoffMax:  10 * time.Minute,
			UnavailablePause: 30 * time.Second,
		},
		Worker: WorkerConfig{Concurrency: 4, ID: worker},
		Suite: SuiteConfig{
			Concurrency:   app.Suite.Concurrency,
			Limit:         app.Suite.Limit,
			StaleAfter:    10 * time.Minute,
			SweepInterval: time.Minute,
			PassThreshold: app.Suite.PassThreshold,
		},
		Bus:         BusConfig{KeepAlive: 30 * time.Second},
		Transcriber: app.Transcriber,
	}
}

// Load builds the configuration. path may be empty, in which case
// CALLPIPE_CONFIG is consulted; a missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CALLPIPE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if strings.HasPrefix(cfg.Transcriber.APIKey, encPrefix) {
		key, err := NewSecretKey()
		if err != nil {
			return nil, err
		}
		plain, err := key.Decrypt(cfg.Transcriber.APIKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt transcriber api key: %w", err)
		}
		cfg.Transcriber.APIKey = plain
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	durVar := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	floatVar := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolVar := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	c.Database.Driver = getEnv("CALLPIPE_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("CALLPIPE_DB_DSN", c.Database.DSN)
	c.Analytics.DuckDBPath = getEnv("CALLPIPE_DUCKDB_PATH", c.Analytics.DuckDBPath)
	c.HTTP.Addr = getEnv("CALLPIPE_HTTP_ADDR", c.HTTP.Addr)
	if v := os.Getenv("CALLPIPE_CORS_ORIGINS"); v != "" {
		c.HTTP.CORSOrigins = splitList(v)
	}
	c.Log.File = getEnv("CALLPIPE_LOG_FILE", c.Log.File)
	c.Log.Level = getEnv("CALLPIPE_LOG_LEVEL", c.Log.Level)

	intVar("CALLPIPE_QUEUE_MAX_ATTEMPTS", &c.Queue.MaxAttempts)
	boolVar("CALLPIPE_QUEUE_DEDUPE", &c.Queue.DedupeActive)
	durVar("CALLPIPE_QUEUE_REAP_TIMEOUT", &c.Queue.ReapTimeout)
	durVar("CALLPIPE_QUEUE_REAP_INTERVAL", &c.Queue.ReapInterval)
	durVar("CALLPIPE_QUEUE_POLL_INTERVAL", &c.Queue.PollInterval)
	durVar("CALLPIPE_QUEUE_RETRY_BACKOFF", &c.Queue.RetryBackoff)
	durVar("CALLPIPE_QUEUE_RETRY_BACKOFF_MAX", &c.Queue.RetryBackoffMax)
	durVar("CALLPIPE_QUEUE_UNAVAILABLE_PAUSE", &c.Queue.UnavailablePause)

	intVar("CALLPIPE_WORKER_CONCURRENCY", &c.Worker.Concurrency)
	c.Worker.ID = getEnv("CALLPIPE_WORKER_ID", c.Worker.ID)

	intVar("CALLPIPE_SUITE_CONCURRENCY", &c.Suite.Concurrency)
	intVar("CALLPIPE_SUITE_LIMIT", &c.Suite.Limit)
	durVar("CALLPIPE_SUITE_STALE_AFTER", &c.Suite.StaleAfter)
	durVar("CALLPIPE_SUITE_SWEEP_INTERVAL", &c.Suite.SweepInterval)
	floatVar("CALLPIPE_SUITE_PASS_THRESHOLD", &c.Suite.PassThreshold)

	durVar("CALLPIPE_BUS_KEEPALIVE", &c.Bus.KeepAlive)

	c.Transcriber.Mode = getEnv("CALLPIPE_TRANSCRIBER_MODE", c.Transcriber.Mode)
	c.Transcriber.LocalURL = getEnv("CALLPIPE_TRANSCRIBER_LOCAL_URL", c.Transcriber.LocalURL)
	c.Transcriber.RemoteURL = getEnv("CALLPIPE_TRANSCRIBER_REMOTE_URL", c.Transcriber.RemoteURL)
	c.Transcriber.APIKey = getEnv("CALLPIPE_TRANSCRIBER_API_KEY", c.Transcriber.APIKey)
	c.Transcriber.Model = getEnv("CALLPIPE_TRANSCRIBER_MODEL", c.Transcriber.Model)
	durVar("CALLPIPE_TRANSCRIBER_TIMEOUT", &c.Transcriber.Timeout)
	floatVar("CALLPIPE_TRANSCRIBER_RATE_LIMIT", &c.Transcriber.RateLimit)
	intVar("CALLPIPE_TRANSCRIBER_RATE_BURST", &c.Transcriber.RateBurst)

	c.OTLPEndpoint = getEnv("CALLPIPE_OTLP_ENDPOINT", c.OTLPEndpoint)

	return errors.Join(errs...)
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Queue.ReapTimeout <= 0 {
		errs = append(errs, errors.New("queue.reap_timeout must be positive"))
	}
	if c.Queue.RetryBackoff < 0 || c.Queue.RetryBackoffMax < 0 {
		errs = append(errs, errors.New("queue.retry_backoff and queue.retry_backoff_max must not be negative"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if c.Suite.Concurrency < 1 || c.Suite.Limit < 1 {
		errs = append(errs, errors.New("suite.concurrency and suite.limit must be at least 1"))
	}
	if c.Suite.PassThreshold < 0 || c.Suite.PassThreshold > 1 {
		errs = append(errs, errors.New("suite.pass_threshold must be within [0,1]"))
	}
	for i, s := range c.Schedules {
		if s.SuiteID == "" || s.Cron == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: suite_id and cron are required", i))
		}
	}
	return errors.Join(errs...)
}

// RetryStrategy builds the queue's retry backoff from the queue settings.
func (c *Config) RetryStrategy() backoff.Strategy {
	if c.Queue.RetryBackoff <= 0 {
		return backoff.None{}
	}
	return backoff.NewExponential(c.Queue.RetryBackoff, c.Queue.RetryBackoffMax, true)
}

// AppConfig is the runtime-tunable subset seeded into the settings store.
func (c *Config) AppConfig() *domain.AppConfig {
	return &domain.AppConfig{
		Transcriber: c.Transcriber,
		Suite: domain.SuiteDefaults{
			Concurrency:   c.Suite.Concurrency,
			Limit:         c.Suite.Limit,
			PassThreshold: c.Suite.PassThreshold,
		},
	}
}

func (c *Config) LogLevel() slog.Level {
	return parseLogLevel(c.Log.Level)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
