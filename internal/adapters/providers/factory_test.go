package providers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

func TestBuildTranscriber(t *testing.T) {
	t.Setenv("WHISPER_HOST", "")

	c, err := BuildTranscriber(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", c.Name())

	cfg := domain.DefaultConfig()
	cfg.Transcriber.Mode = "REMOTE"
	cfg.Transcriber.APIKey = " key "
	c, err = BuildTranscriber(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "deepgram:nova-2", c.Name())

	cfg.Transcriber.RemoteURL = ""
	_, err = BuildTranscriber(cfg, nil)
	assert.Error(t, err)

	cfg.Transcriber.Mode = "carrier-pigeon"
	_, err = BuildTranscriber(cfg, nil)
	assert.ErrorContains(t, err, "unsupported transcriber mode")
}

func TestOpenStore_SQLite(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, "sqlite", filepath.Join(t.TempDir(), "callpipe.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Ping(ctx))
	v, err := store.GetSetting(ctx, "anything")
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = OpenStore(ctx, "oracle", "x", nil)
	assert.ErrorContains(t, err, "unsupported database driver")
}
