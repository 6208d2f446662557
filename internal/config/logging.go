package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger builds the process logger: text on stderr, JSON in the log file.
// If the file cannot be opened the logger writes to stderr only.
// The returned function closes the file.
func SetupLogger(cfg LogConfig) (*slog.Logger, func() error) {
	level := cfg.SlogLevel()
	console := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	if cfg.File == "" {
		return slog.New(console), func() error { return nil }
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		slog.Error("failed to create log directory, using stderr only", "error", err, "file", cfg.File)
		return slog.New(console), func() error { return nil }
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("failed to open log file, using stderr only", "error", err, "file", cfg.File)
		return slog.New(console), func() error { return nil }
	}

	return newFanout(console, file, level), file.Close
}

// SetupLoggerWithWriters creates a logger with custom writers (for testing).
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	console := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	return newFanout(console, file, level)
}

func newFanout(console slog.Handler, file io.Writer, level slog.Level) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(console, jsonHandler)).With("app", "sheetflow")
}
