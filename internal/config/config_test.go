package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sheetflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8484, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, BackendBolt, cfg.Store.Backend)
	assert.Equal(t, ProviderNone, cfg.LLM.Provider)
	assert.Equal(t, DisconnectCancel, cfg.Pipeline.DisconnectPolicy)
	assert.Equal(t, []string{"log"}, cfg.Notify.Channels)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  heartbeat_interval: 5s
store:
  backend: surrealdb
pipeline:
  disconnect_policy: continue
  ingest_concurrency: 2
`)
	t.Setenv("SHEETFLOW_SERVER_PORT", "9100")
	t.Setenv("SHEETFLOW_LLM_PROVIDER", "ollama")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port, "env overrides file")
	assert.Equal(t, 5*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, BackendSurrealDB, cfg.Store.Backend)
	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)
	assert.Equal(t, DisconnectContinue, cfg.Pipeline.DisconnectPolicy)
	assert.Equal(t, 2, cfg.Pipeline.IngestConcurrency)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: postgres
llm:
  provider: mystery
notify:
  channels: [log, webhook]
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.backend")
	assert.Contains(t, err.Error(), "llm.provider")
	assert.Contains(t, err.Error(), "notify.webhook_url")
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var console, file bytes.Buffer
	logger := SetupLoggerWithWriters(&console, &file, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("run claimed", "run_id", "r1")

	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "run_id=r1")
	assert.Contains(t, file.String(), `"run_id":"r1"`)
}
