package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/sheetflow/internal/models"
)

const defaultProject = "default"

// FileInput names one spreadsheet to ingest.
type FileInput struct {
	Path string `json:"path" jsonschema:"Path of a CSV, TSV or XLSX file readable by the server"`
	ID   string `json:"id,omitempty" jsonschema:"Stable file ID, generated when omitted"`
	Name string `json:"name,omitempty" jsonschema:"Display name, defaults to the file name"`
}

// CreateRunInput defines the input schema for the create_run tool.
type CreateRunInput struct {
	Project    string      `json:"project,omitempty" jsonschema:"Project the run belongs to"`
	Files      []FileInput `json:"files" jsonschema:"Spreadsheet files to ingest"`
	ReviewMode string      `json:"review_mode,omitempty" jsonschema:"auto (default) or review to pause for plan review"`
	Execute    bool        `json:"execute,omitempty" jsonschema:"Start executing in the background right away"`
}

// RunIDInput defines the input schema for tools addressing one run.
type RunIDInput struct {
	RunID string `json:"run_id" jsonschema:"Run ID"`
}

// ListRunsInput defines the input schema for the list_runs tool.
type ListRunsInput struct {
	Project  string   `json:"project,omitempty" jsonschema:"Only runs of this project"`
	Statuses []string `json:"statuses,omitempty" jsonschema:"Only runs in one of these statuses"`
	Limit    int      `json:"limit,omitempty" jsonschema:"Page size, 50 by default"`
	Offset   int      `json:"offset,omitempty" jsonschema:"Runs to skip"`
}

// RunSummary is the compact view of a run returned by the run tools.
type RunSummary struct {
	ID            string            `json:"id"`
	Project       string            `json:"project"`
	Status        models.RunStatus  `json:"status"`
	ReviewMode    models.ReviewMode `json:"review_mode"`
	Files         int               `json:"files"`
	Progress      models.Progress   `json:"progress"`
	PlannedTables []string          `json:"planned_tables,omitempty"`
	TablesWritten int               `json:"tables_written"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ListRunsResult is the response from the list_runs tool.
type ListRunsResult struct {
	Runs   []RunSummary `json:"runs"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func summarize(run *models.Run) RunSummary {
	s := RunSummary{
		ID:         run.ID,
		Project:    run.ProjectID,
		Status:     run.Status,
		ReviewMode: run.Config.ReviewMode,
		Files:      len(run.Config.SourceFiles),
		Progress:   run.Progress,
		CreatedAt:  run.CreatedAt,
	}
	if plan := run.PlanOfRecord(); plan != nil {
		s.PlannedTables = plan.TableNames()
	}
	for _, t := range run.Tables {
		if t.Status == models.ItemCompleted {
			s.TablesWritten++
		}
	}
	if run.ErrorMessage != nil {
		s.Error = *run.ErrorMessage
	}
	return s
}

// NewCreateRunHandler creates the create_run tool handler.
// The run is stored pending and, with execute set, started in the background.
func NewCreateRunHandler(deps *Dependencies) mcp.ToolHandlerFor[CreateRunInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CreateRunInput) (*mcp.CallToolResult, any, error) {
		if len(input.Files) == 0 {
			return ErrorResult("At least one file is required", "Provide files with a path each"), nil, nil
		}
		project := input.Project
		if project == "" {
			project = defaultProject
		}

		files := make([]models.SourceFile, len(input.Files))
		for i, f := range input.Files {
			files[i] = models.SourceFile{ID: f.ID, Name: f.Name, Path: f.Path}
		}
		run, err := deps.Runs.CreateRun(ctx, project, models.RunConfig{
			ReviewMode:  models.ReviewMode(input.ReviewMode),
			SourceFiles: files,
		})
		if err != nil {
			return serviceError(deps, "create run", err), nil, nil
		}
		if input.Execute {
			if run, err = deps.Runs.ExecuteRun(ctx, run.ID); err != nil {
				return serviceError(deps, "execute run", err), nil, nil
			}
		}

		deps.Logger.Info("create_run completed", "run_id", run.ID, "execute", input.Execute)
		return JSONResult(summarize(run)), nil, nil
	}
}

// NewGetRunHandler creates the get_run tool handler. It returns the full run,
// plans and per-item results included.
func NewGetRunHandler(deps *Dependencies) mcp.ToolHandlerFor[RunIDInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input RunIDInput) (*mcp.CallToolResult, any, error) {
		if input.RunID == "" {
			return ErrorResult("run_id is required", ""), nil, nil
		}
		run, err := deps.Runs.GetRun(ctx, input.RunID)
		if err != nil {
			return serviceError(deps, "get run", err), nil, nil
		}
		return JSONResult(run), nil, nil
	}
}

// NewListRunsHandler creates the list_runs tool handler.
func NewListRunsHandler(deps *Dependencies) mcp.ToolHandlerFor[ListRunsInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListRunsInput) (*mcp.CallToolResult, any, error) {
		filter := models.RunFilter{ProjectID: input.Project, Limit: input.Limit, Offset: input.Offset}
		for _, raw := range input.Statuses {
			status := models.RunStatus(raw)
			if !status.Valid() {
				return ErrorResult(fmt.Sprintf("Unknown status %q", raw), "Use pending, ingesting, analyzing, designing, review_pending, extracting, validating, persisting, completed, failed or cancelled"), nil, nil
			}
			filter.Statuses = append(filter.Statuses, status)
		}
		if filter.Limit < 0 || filter.Offset < 0 {
			return ErrorResult("limit and offset must not be negative", ""), nil, nil
		}
		filter = filter.Normalize()

		runs, err := deps.Runs.ListRuns(ctx, filter)
		if err != nil {
			return serviceError(deps, "list runs", err), nil, nil
		}
		result := ListRunsResult{Runs: make([]RunSummary, 0, len(runs)), Limit: filter.Limit, Offset: filter.Offset}
		for i := range runs {
			result.Runs = append(result.Runs, summarize(&runs[i]))
		}
		return JSONResult(result), nil, nil
	}
}

// NewExecuteRunHandler creates the execute_run tool handler.
// The run executes in the background; poll it with get_run.
func NewExecuteRunHandler(deps *Dependencies) mcp.ToolHandlerFor[RunIDInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input RunIDInput) (*mcp.CallToolResult, any, error) {
		if input.RunID == "" {
			return ErrorResult("run_id is required", ""), nil, nil
		}
		run, err := deps.Runs.ExecuteRun(ctx, input.RunID)
		if err != nil {
			return serviceError(deps, "execute run", err), nil, nil
		}
		deps.Logger.Info("execute_run started", "run_id", run.ID)
		return JSONResult(summarize(run)), nil, nil
	}
}

// NewCancelRunHandler creates the cancel_run tool handler.
func NewCancelRunHandler(deps *Dependencies) mcp.ToolHandlerFor[RunIDInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input RunIDInput) (*mcp.CallToolResult, any, error) {
		if input.RunID == "" {
			return ErrorResult("run_id is required", ""), nil, nil
		}
		run, err := deps.Runs.CancelRun(ctx, input.RunID)
		if err != nil {
			return serviceError(deps, "cancel run", err), nil, nil
		}
		return JSONResult(summarize(run)), nil, nil
	}
}

// NewDeleteRunHandler creates the delete_run tool handler.
func NewDeleteRunHandler(deps *Dependencies) mcp.ToolHandlerFor[RunIDInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input RunIDInput) (*mcp.CallToolResult, any, error) {
		if input.RunID == "" {
			return ErrorResult("run_id is required", ""), nil, nil
		}
		if err := deps.Runs.DeleteRun(ctx, input.RunID); err != nil {
			return serviceError(deps, "delete run", err), nil, nil
		}
		return TextResult("Deleted run " + input.RunID), nil, nil
	}
}

// NewListTablesHandler creates the list_tables tool handler.
func NewListTablesHandler(deps *Dependencies) mcp.ToolHandlerFor[RunIDInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input RunIDInput) (*mcp.CallToolResult, any, error) {
		if input.RunID == "" {
			return ErrorResult("run_id is required", ""), nil, nil
		}
		tables, err := deps.Runs.ListTables(ctx, input.RunID)
		if err != nil {
			return serviceError(deps, "list tables", err), nil, nil
		}
		if tables == nil {
			tables = []models.CatalogTable{}
		}
		return JSONResult(tables), nil, nil
	}
}
