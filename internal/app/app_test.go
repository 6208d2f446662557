package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/raphaelgruber/sheetflow/internal/config"
	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Server: config.ServerConfig{Port: 8484, HeartbeatInterval: time.Second},
		Store: config.StoreConfig{
			Backend:  config.BackendBolt,
			BoltPath: filepath.Join(dir, "db", "runs.db"),
		},
		LLM: config.LLMConfig{Provider: config.ProviderNone},
		Pipeline: config.PipelineConfig{
			OutputDir:         filepath.Join(dir, "out"),
			IngestConcurrency: 2,
			DisconnectPolicy:  config.DisconnectCancel,
			CoercionThreshold: 0.05,
			RowTolerance:      0.5,
			SampleRows:        10,
		},
		Notify: config.NotifyConfig{Channels: []string{"log"}},
	}
}

func TestNewWithBoltStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), testConfig(t), "0.0.1-test", logger)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	require.NotNil(t, a.MCP)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	run, err := a.Runs.CreateRun(context.Background(), "proj", models.RunConfig{
		SourceFiles: []models.SourceFile{{Path: "/data/sales.csv"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReviewModeAuto, run.Config.ReviewMode)
	assert.Equal(t, "sales.csv", run.Config.SourceFiles[0].Name)
}

func TestNewRecoversOrphans(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(context.Background(), cfg, "0.0.1-test", logger)
	require.NoError(t, err)
	run, err := a.Runs.CreateRun(context.Background(), "proj", models.RunConfig{
		SourceFiles: []models.SourceFile{{Path: "/data/sales.csv"}},
	})
	require.NoError(t, err)
	claimed, err := a.Runs.ClaimRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, a.Close())

	a, err = New(context.Background(), cfg, "0.0.1-test", logger)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	got, err := a.Runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "executor lost", *got.ErrorMessage)
}
