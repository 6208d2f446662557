// Package tools provides MCP tool handlers for the run lifecycle and their registration.
package tools

import (
	"log/slog"

	"github.com/raphaelgruber/sheetflow/internal/service"
)

// Dependencies holds shared services for tool handlers.
// Passed to handler factories via closure capture.
type Dependencies struct {
	Runs   *service.RunService
	Logger *slog.Logger
}
