// Package app wires the sheetflow server's dependencies from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/raphaelgruber/sheetflow/internal/columnar"
	"github.com/raphaelgruber/sheetflow/internal/config"
	"github.com/raphaelgruber/sheetflow/internal/db"
	"github.com/raphaelgruber/sheetflow/internal/llm"
	"github.com/raphaelgruber/sheetflow/internal/metrics"
	"github.com/raphaelgruber/sheetflow/internal/notify"
	"github.com/raphaelgruber/sheetflow/internal/pipeline"
	"github.com/raphaelgruber/sheetflow/internal/planner"
	"github.com/raphaelgruber/sheetflow/internal/server"
	"github.com/raphaelgruber/sheetflow/internal/service"
	"github.com/raphaelgruber/sheetflow/internal/sheets"
	"github.com/raphaelgruber/sheetflow/internal/store"
	"github.com/raphaelgruber/sheetflow/internal/stream"
	"github.com/raphaelgruber/sheetflow/internal/tools"
)

// App holds every long-lived component of the server.
type App struct {
	Runs    *service.RunService
	Streams *stream.Controller
	Metrics *metrics.Collector
	MCP     *server.MCP

	store  store.RunStore
	writer *columnar.Writer
	logger *slog.Logger
}

// New creates all components, recovers runs left over by a previous process and
// resumes reviewed runs.
func New(ctx context.Context, cfg config.Config, version string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Create metrics collector for runtime statistics
	mc := metrics.NewCollector()

	runStore, err := openStore(ctx, cfg, logger, mc)
	if err != nil {
		return nil, err
	}

	model, err := llm.NewModel(ctx, cfg.LLM, mc)
	var gen planner.Generator
	switch {
	case errors.Is(err, llm.ErrNoProvider):
		logger.Info("no LLM provider configured, planning with heuristics")
	case err != nil:
		runStore.Close()
		return nil, fmt.Errorf("create model: %w", err)
	default:
		gen = model
		logger.Info("planning with LLM", "provider", cfg.LLM.Provider, "model", model.Model())
	}
	p := planner.New(gen, logger)

	if err := os.MkdirAll(cfg.Pipeline.OutputDir, 0o755); err != nil {
		runStore.Close()
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	writer, err := columnar.NewWriter(ctx, cfg.Pipeline.OutputDir)
	if err != nil {
		runStore.Close()
		return nil, err
	}

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		writer.Close()
		runStore.Close()
		return nil, fmt.Errorf("create notifier: %w", err)
	}

	driver := pipeline.NewDriver(pipeline.Deps{
		Store:    runStore,
		Parser:   sheets.New(cfg.Pipeline.SampleRows),
		Analyzer: p,
		Designer: p,
		Writer:   writer,
		Notifier: notifier,
		Metrics:  mc,
		Logger:   logger,
	}, pipeline.OptionsFromConfig(cfg.Pipeline))

	streams := stream.NewController(driver, runStore, nil, cfg.Server.HeartbeatInterval, logger)
	runs := service.NewRunService(runStore, driver, streams, logger)

	// Recover runs from a previous server process
	if err := runs.ResumeIncompleteRuns(ctx); err != nil {
		// Log warning but don't fail startup
		logger.Warn("failed to resume incomplete runs", "error", err)
	}

	mcpServer := server.NewMCP(version, logger)
	mcpServer.Setup()
	tools.RegisterAll(mcpServer.MCPServer(), &tools.Dependencies{Runs: runs, Logger: logger})

	return &App{
		Runs:    runs,
		Streams: streams,
		Metrics: mc,
		MCP:     mcpServer,
		store:   runStore,
		writer:  writer,
		logger:  logger,
	}, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger, mc *metrics.Collector) (store.RunStore, error) {
	switch cfg.Store.Backend {
	case config.BackendSurrealDB:
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDB.URL,
			Namespace: cfg.SurrealDB.Namespace,
			Database:  cfg.SurrealDB.Database,
			Username:  cfg.SurrealDB.User,
			Password:  cfg.SurrealDB.Pass,
			AuthLevel: cfg.SurrealDB.AuthLevel,
		}, logger, mc)
		if err != nil {
			return nil, err
		}
		if err := client.InitSchema(ctx); err != nil {
			client.Close(ctx)
			return nil, err
		}
		logger.Info("using surrealdb store", "url", cfg.SurrealDB.URL)
		return db.NewStore(client), nil

	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.BoltPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		s, err := store.OpenBolt(cfg.Store.BoltPath)
		if err != nil {
			return nil, err
		}
		logger.Info("using bolt store", "path", cfg.Store.BoltPath)
		return s, nil
	}
}

// Handler returns the HTTP API with the MCP endpoint mounted.
func (a *App) Handler() http.Handler {
	srv := server.New(a.Runs, a.Streams, a.Metrics, a.logger)
	srv.MountMCP(a.MCP.HTTPHandler())
	return srv.Handler()
}

// Close waits for background runs and releases the writer and the store.
func (a *App) Close() error {
	a.Runs.Wait()
	return errors.Join(a.writer.Close(), a.store.Close())
}
