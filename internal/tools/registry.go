package tools

import (
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterAll registers all tools with the MCP server.
func RegisterAll(server *mcp.Server, deps *Dependencies) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_run",
		Description: "Create an ingestion run for spreadsheet files, optionally starting it right away",
	}, NewCreateRunHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_run",
		Description: "Retrieve a run with its status, progress, plans and per-file and per-table results",
	}, NewGetRunHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_runs",
		Description: "List runs newest first, filtered by project and status",
	}, NewListRunsHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "execute_run",
		Description: "Start a pending run in the background",
	}, NewExecuteRunHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_run",
		Description: "Cancel a run that has not finished",
	}, NewCancelRunHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_run",
		Description: "Delete a failed or cancelled run",
	}, NewDeleteRunHandler(deps))

	// Review tool - resumes runs paused at review_pending
	mcp.AddTool(server, &mcp.Tool{
		Name:        "submit_review",
		Description: "Include, skip or rename the planned tables of a run waiting for review",
	}, NewSubmitReviewHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tables",
		Description: "List the catalog tables a run registered",
	}, NewListTablesHandler(deps))
}
