package tools

import (
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/sheetflow/internal/models"
)

// ErrorResult creates a tool error result with optional recovery hint.
// If hint is non-empty, formats as "{msg}. {hint}".
// Returns IsError=true so the calling agent can see the error and self-correct.
func ErrorResult(msg, hint string) *mcp.CallToolResult {
	text := msg
	if hint != "" {
		text = msg + ". " + hint
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
		IsError: true,
	}
}

// TextResult creates a success result with text content.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// JSONResult creates a success result holding v as indented JSON.
func JSONResult(v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult("Failed to encode result", err.Error())
	}
	return TextResult(string(b))
}

// serviceError turns a run service error into a tool error. Precondition errors
// carry a hint; anything else is logged and reported as unavailable.
func serviceError(deps *Dependencies, op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, models.ErrRunNotFound):
		return ErrorResult(err.Error(), "Use list_runs to find run IDs")
	case errors.Is(err, models.ErrRunAlreadyExecuting):
		return ErrorResult(err.Error(), "The run is already executing; poll it with get_run")
	case errors.Is(err, models.ErrRunTerminal):
		return ErrorResult(err.Error(), "The run has finished; create a new run instead")
	case errors.Is(err, models.ErrNotAwaitingReview):
		return ErrorResult(err.Error(), "Only runs in review_pending accept decisions")
	case errors.Is(err, models.ErrRunNotDeletable):
		return ErrorResult(err.Error(), "Only failed or cancelled runs can be deleted")
	case errors.Is(err, models.ErrInvalidConfig):
		return ErrorResult(err.Error(), "Provide file paths and review_mode auto or review")
	case errors.Is(err, models.ErrInvalidDecision):
		return ErrorResult(err.Error(), "Decisions must name planned tables; output names are snake_case")
	}
	deps.Logger.Error(op+" failed", "error", err)
	return ErrorResult("Failed to "+op, "The run store may be unavailable")
}
