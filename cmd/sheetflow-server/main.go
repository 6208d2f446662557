// Package main provides the HTTP server for sheetflow.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/sheetflow/internal/app"
	"github.com/raphaelgruber/sheetflow/internal/config"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "config file (default sheetflow.yaml in the config dir)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.Log)
	defer cleanup()
	slog.SetDefault(logger)

	logger.Info("starting sheetflow-server",
		"version", version,
		"port", cfg.Server.Port,
		"store", cfg.Store.Backend,
		"llm_provider", cfg.LLM.Provider,
		"disconnect_policy", cfg.Pipeline.DisconnectPolicy,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(ctx, cfg, version, logger)
	cancel()
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second, // streams extend their own write deadline
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("API available", "url", fmt.Sprintf("http://localhost:%d/api/runs", cfg.Server.Port))

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		// Open streams are dropped; their runs follow the disconnect policy.
		logger.Error("server forced to shutdown", "error", err)
		_ = httpServer.Close()
	}

	// Background runs drain before the store closes; a second signal aborts.
	go func() {
		<-quit
		logger.Error("aborting with runs still in progress")
		os.Exit(1)
	}()
	if err := a.Close(); err != nil {
		logger.Error("failed to close", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
