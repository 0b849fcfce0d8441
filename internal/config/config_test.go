package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultCacheCapacity, cfg.Cache.Capacity)
	assert.Equal(t, DefaultRetention, cfg.State.Retention.Std())
	assert.Equal(t, DefaultFlushInterval, cfg.State.FlushInterval.Std())
	assert.Equal(t, DefaultTrimInterval, cfg.State.TrimInterval.Std())
	assert.Equal(t, DefaultRetryAttempts, cfg.Inference.Retry.MaxAttempts)
	assert.Equal(t, "openai", cfg.Inference.Primary.Kind)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[log]
level = "debug"

[telegram]
bot_token = "tok-123"

[inference.primary]
kind = "gemini"
model = "gemini-2.0-flash"
api_key = "g-key"
timeout = "45s"

[inference.secondary]
kind = "openai"
model = "gpt-4o-mini"
base_url = "https://api.example.com/v1"
api_key = "sk-test"

[inference.retry]
max_attempts = 5
initial_backoff = "250ms"

[state]
retention = "24h"

[dispatch]
chunk_limit = 2000
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "tok-123", cfg.Telegram.BotToken)
	// Unset values keep their defaults.
	assert.Equal(t, DefaultPollTimeout, cfg.Telegram.PollTimeout)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)

	assert.Equal(t, "gemini", cfg.Inference.Primary.Kind)
	assert.Equal(t, 45*time.Second, cfg.Inference.Primary.Timeout.Std())
	assert.Equal(t, "gpt-4o-mini", cfg.Inference.Secondary.Model)
	assert.Equal(t, 5, cfg.Inference.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Inference.Retry.InitialBackoff.Std())
	assert.Equal(t, DefaultMaxBackoff, cfg.Inference.Retry.MaxBackoff.Std())

	assert.Equal(t, 24*time.Hour, cfg.State.Retention.Std())
	assert.Equal(t, 2000, cfg.Dispatch.ChunkLimit)
	assert.Equal(t, DefaultFetchRetryMax, cfg.Dispatch.FetchRetryMax)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[state]
retention = "three days"
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
