// Package main provides the stdio MCP server for sheetflow.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/raphaelgruber/sheetflow/internal/app"
	"github.com/raphaelgruber/sheetflow/internal/config"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "config file (default sheetflow.yaml in the config dir)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the protocol, so logs go to stderr and the log file only
	logger, cleanup := config.SetupLogger(cfg.Log)
	defer cleanup()

	logger.Info("sheetflow-mcp starting",
		"version", version,
		"store", cfg.Store.Backend,
		"llm_provider", cfg.LLM.Provider,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	a, err := app.New(ctx, cfg, version, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	runErr := a.MCP.Run(ctx)
	if runErr != nil && ctx.Err() == nil {
		logger.Error("server error", "error", runErr)
	}

	// Runs started over MCP keep executing until they finish or park for review
	logger.Info("waiting for background runs")
	if err := a.Close(); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("sheetflow-mcp stopped")
	if runErr != nil && ctx.Err() == nil {
		os.Exit(1)
	}
}
