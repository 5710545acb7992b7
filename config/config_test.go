package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.Server.Addr)
	assert.Equal(t, int32(10), cfg.Database.MaxConns)
	assert.Equal(t, 1500*time.Millisecond, cfg.Trigger.DebounceWindow)
	assert.Equal(t, time.Minute, cfg.Trigger.PurgeAfter)
	assert.Equal(t, 10*time.Minute, cfg.Events.Retention)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":8080"
log:
  level: debug
  format: json
trigger:
  debounce_window: 2s
`), 0o600))
	t.Setenv("DATABASE_URL", "postgres://localhost/flow")
	t.Setenv("FLOW_EVENTS_RETENTION", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Trigger.DebounceWindow)
	assert.Equal(t, "postgres://localhost/flow", cfg.Database.URL)
	assert.Equal(t, 30*time.Second, cfg.Events.Retention)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "run_id", "r1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "r1", line["run_id"])
}
