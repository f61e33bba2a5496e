package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 86400, cfg.Queue.MaxAgeSec)
	assert.Equal(t, 3600, cfg.Queue.BufferSec)
	assert.Equal(t, 24*time.Hour, cfg.Queue.MaxAge())
	assert.Equal(t, time.Hour, cfg.Queue.Buffer())
	assert.Equal(t, 256*1024, cfg.Codec.BlobThresholdBytes)
	assert.Equal(t, 30*time.Second, cfg.Health.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)

	p := cfg.Retry.Policy()
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, 2.0, p.BackoffFactor)
	assert.Equal(t, 10, p.MaxAttempts)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  max_age_sec: 600
  buffer_sec: 60
retry:
  max_attempts: 3
  base: 2s
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 600, cfg.Queue.MaxAgeSec)
	assert.Equal(t, 60, cfg.Queue.BufferSec)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.Base)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep defaults.
	assert.Equal(t, 256*1024, cfg.Codec.BlobThresholdBytes)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LOOM_QUEUE_MAX_AGE_SEC", "1200")
	t.Setenv("LOOM_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1200, cfg.Queue.MaxAgeSec)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  max_age_sec: 100
  buffer_sec: 100
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer_sec")
}

func TestShortMaxAgeDerivesBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_age_sec: 600\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 600, cfg.Queue.MaxAgeSec)
	assert.Equal(t, 60, cfg.Queue.BufferSec)

	// An explicit buffer is still validated against the lifetime.
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_age_sec: 600\n  buffer_sec: 600\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_age_sec: 600\n"), 0o644))

	m, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 600, m.Current().Queue.MaxAgeSec)

	changed := make(chan *Config, 1)
	m.OnChange(func(cfg *Config) { changed <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_age_sec: 900\n"), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, 900, cfg.Queue.MaxAgeSec)
		assert.Equal(t, 900, m.Current().Queue.MaxAgeSec)
	case <-time.After(5 * time.Second):
		t.Fatal("reload never fired")
	}
}

func TestWriteExampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	require.NoError(t, WriteExample(path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "max_age_sec")
	assert.Error(t, WriteExample(path))
}
