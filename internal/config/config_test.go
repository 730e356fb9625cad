package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CALLPIPE_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Queue.ReapTimeout)
	assert.Equal(t, time.Minute, cfg.Queue.ReapInterval)
	assert.Equal(t, 30*time.Second, cfg.Queue.RetryBackoff)
	assert.Equal(t, 10*time.Minute, cfg.Queue.RetryBackoffMax)
	assert.Equal(t, 30*time.Second, cfg.Queue.UnavailablePause)
	assert.Equal(t, 3, cfg.Suite.Concurrency)
	assert.Equal(t, 50, cfg.Suite.Limit)
	assert.Equal(t, 10*time.Minute, cfg.Suite.StaleAfter)
	assert.InDelta(t, 0.15, cfg.Suite.PassThreshold, 1e-9)
	assert.Equal(t, 30*time.Second, cfg.Bus.KeepAlive)
	assert.Equal(t, "local", cfg.Transcriber.Mode)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeFile(t, `
database:
  driver: postgres
  dsn: postgres://localhost/callpipe
queue:
  max_attempts: 3
  reap_timeout: 2m
  dedupe_active: true
  retry_backoff: 5s
suite:
  concurrency: 6
transcriber:
  mode: remote
  remote_url: https://api.deepgram.com
  api_key: plain-key
schedules:
  - suite_id: nightly
    cron: "0 2 * * *"
    limit: 20
log:
  level: debug
`)
	t.Setenv("CALLPIPE_SUITE_CONCURRENCY", "8")
	t.Setenv("CALLPIPE_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Queue.ReapTimeout)
	assert.True(t, cfg.Queue.DedupeActive)
	assert.Equal(t, 5*time.Second, cfg.Queue.RetryBackoff)
	assert.Equal(t, 8, cfg.Suite.Concurrency, "env wins over file")
	assert.Equal(t, 50, cfg.Suite.Limit, "untouched keys keep defaults")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "nightly", cfg.Schedules[0].SuiteID)
	assert.Equal(t, 20, cfg.Schedules[0].Limit)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())

	app := cfg.AppConfig()
	assert.Equal(t, "remote", app.Transcriber.Mode)
	assert.Equal(t, 8, app.Suite.Concurrency)
}

func TestLoad_DecryptsAPIKey(t *testing.T) {
	t.Setenv("CALLPIPE_SECRET_KEY", "unit-test-key")
	enc, err := NewSecretKeyFromPassphrase("unit-test-key").Encrypt("dg-live")
	require.NoError(t, err)

	path := writeFile(t, "transcriber:\n  api_key: \""+enc+"\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dg-live", cfg.Transcriber.APIKey)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "queue: [not, a, map]"))
	assert.Error(t, err)

	t.Setenv("CALLPIPE_QUEUE_REAP_TIMEOUT", "soon")
	t.Setenv("CALLPIPE_WORKER_CONCURRENCY", "many")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALLPIPE_QUEUE_REAP_TIMEOUT")
	assert.Contains(t, err.Error(), "CALLPIPE_WORKER_CONCURRENCY")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Database.Driver = "mysql"
	cfg.Queue.MaxAttempts = 0
	cfg.Suite.PassThreshold = 2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "max_attempts")
	assert.Contains(t, err.Error(), "pass_threshold")
}

func TestConfig_RetryStrategy(t *testing.T) {
	cfg := Default()
	d := cfg.RetryStrategy().Delay(2)
	assert.GreaterOrEqual(t, d, 30*time.Second)
	assert.LessOrEqual(t, d, time.Minute)
	assert.LessOrEqual(t, cfg.RetryStrategy().Delay(20), 10*time.Minute)

	cfg.Queue.RetryBackoff = 0
	assert.Zero(t, cfg.RetryStrategy().Delay(3), "zero backoff retries immediately")

	cfg.Queue.RetryBackoff = -time.Second
	assert.Error(t, cfg.Validate())
}
