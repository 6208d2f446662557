package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/sheetflow/internal/client"
	"github.com/raphaelgruber/sheetflow/internal/models"
)

var (
	createProject string
	createReview  bool
	createStream  bool
	createExecute bool
	createWS      bool

	listProject  string
	listStatuses []string
	listLimit    int
	listOffset   int
)

var createCmd = &cobra.Command{
	Use:   "create <file>...",
	Short: "Create a run for one or more spreadsheets",
	Long: `Create a pending run for the given spreadsheet files. Paths are resolved
to absolute paths and must be readable by the server.

Examples:
  sheetflow create sales.xlsx
  sheetflow create q1.xlsx q2.xlsx --review --stream
  sheetflow create export.csv --project finance --execute`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCreate,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	Long: `List runs newest first.

Examples:
  sheetflow list
  sheetflow list --status failed,cancelled
  sheetflow list --project finance -n 10`,
	RunE: runList,
}

var getCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a failed or cancelled run",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var executeCmd = &cobra.Command{
	Use:   "execute <run-id>",
	Short: "Start a pending run on the server without streaming",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecute,
}

func init() {
	createCmd.Flags().StringVarP(&createProject, "project", "p", "default", "project ID")
	createCmd.Flags().BoolVar(&createReview, "review", false, "pause for review of the extraction plan")
	createCmd.Flags().BoolVarP(&createStream, "stream", "s", false, "start the run and follow its events")
	createCmd.Flags().BoolVar(&createExecute, "execute", false, "start the run in the background")
	createCmd.Flags().BoolVar(&createWS, "ws", false, "stream over WebSocket instead of SSE")
	createCmd.MarkFlagsMutuallyExclusive("stream", "execute")

	listCmd.Flags().StringVarP(&listProject, "project", "p", "", "filter by project")
	listCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "filter by status (comma separated)")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "max results")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "skip this many runs")
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	files := make([]models.SourceFile, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", arg, err)
		}
		files = append(files, models.SourceFile{Name: filepath.Base(abs), Path: abs})
	}

	mode := models.ReviewModeAuto
	if createReview {
		mode = models.ReviewModeReview
	}

	run, err := apiClient.CreateRun(ctx, models.CreateRunRequest{
		ProjectID:   createProject,
		ReviewMode:  mode,
		SourceFiles: files,
	})
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	fmt.Printf("Created run %s (%d files, %s mode)\n", run.ID, len(run.Config.SourceFiles), run.Config.ReviewMode)

	switch {
	case createStream:
		return followRun(ctx, run.ID, createWS)
	case createExecute:
		if _, err := apiClient.ExecuteRun(ctx, run.ID); err != nil {
			return fmt.Errorf("execute run: %w", err)
		}
		fmt.Printf("Started in background. Use 'sheetflow get %s' to check status.\n", run.ID)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	statuses := make([]models.RunStatus, 0, len(listStatuses))
	for _, s := range listStatuses {
		st := models.RunStatus(strings.TrimSpace(s))
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		statuses = append(statuses, st)
	}

	list, err := apiClient.ListRuns(ctx, client.ListRunsOptions{
		ProjectID: listProject,
		Statuses:  statuses,
		Limit:     listLimit,
		Offset:    listOffset,
	})
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if len(list.Runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-36s %-12s %-15s %-6s %-7s %s\n", "ID", "PROJECT", "STATUS", "FILES", "TABLES", "CREATED")
	fmt.Println(strings.Repeat("-", 100))

	for _, run := range list.Runs {
		fmt.Printf("%-36s %-12s %-15s %-6d %-7d %s\n",
			run.ID, truncate(run.ProjectID, 12), run.Status,
			len(run.Config.SourceFiles), len(run.Tables), run.CreatedAt.Local().Format("2006-01-02 15:04"))
	}

	if len(list.Runs) == list.Limit {
		fmt.Printf("\nMore runs may exist. Use --offset %d to see the next page.\n", list.Offset+list.Limit)
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	run, err := apiClient.GetRun(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	printRun(run)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	run, err := apiClient.CancelRun(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	if run.Status == models.StatusCancelled {
		fmt.Printf("Cancelled run %s\n", run.ID)
	} else {
		fmt.Printf("Cancellation requested for run %s (status %s)\n", run.ID, run.Status)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	if err := apiClient.DeleteRun(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	fmt.Printf("Deleted run %s\n", args[0])
	return nil
}

func runExecute(cmd *cobra.Command, args []string) error {
	run, err := apiClient.ExecuteRun(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("execute run: %w", err)
	}
	fmt.Printf("Run %s started (status %s)\n", run.ID, run.Status)
	return nil
}

func printRun(run *models.Run) {
	fmt.Printf("Run: %s\n", run.ID)
	fmt.Printf("  Project: %s\n", run.ProjectID)
	fmt.Printf("  Status: %s\n", run.Status)
	fmt.Printf("  Review mode: %s\n", run.Config.ReviewMode)
	fmt.Printf("  Created: %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.StartedAt != nil {
		fmt.Printf("  Started: %s\n", run.StartedAt.Format(time.RFC3339))
	}
	if run.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", run.CompletedAt.Format(time.RFC3339))
		if run.StartedAt != nil {
			fmt.Printf("  Duration: %s\n", run.CompletedAt.Sub(*run.StartedAt).Round(time.Millisecond))
		}
	}
	if run.Progress.Message != "" && !run.Status.IsTerminal() {
		fmt.Printf("  Progress: %d%% %s\n", run.Progress.Percent, run.Progress.Message)
	}
	if !run.TokensUsed.IsZero() {
		fmt.Printf("  Tokens: %d (%d prompt, %d completion)\n",
			run.TokensUsed.TotalTokens, run.TokensUsed.PromptTokens, run.TokensUsed.CompletionTokens)
	}
	if run.ErrorMessage != nil && *run.ErrorMessage != "" {
		fmt.Printf("  Error: %s\n", *run.ErrorMessage)
	}

	fmt.Printf("\nFiles (%d):\n", len(run.Config.SourceFiles))
	results := make(map[string]models.FileResult, len(run.Files))
	for _, f := range run.Files {
		results[f.FileID] = f
	}
	for _, f := range run.Config.SourceFiles {
		r, ok := results[f.ID]
		switch {
		case !ok:
			fmt.Printf("  - %s  %s\n", f.Name, f.Path)
		case r.Error != "":
			fmt.Printf("  - %s  %s (%s)\n", f.Name, r.Status, r.Error)
		default:
			fmt.Printf("  - %s  %s, %d sheets, %d rows\n", f.Name, r.Status, r.Sheets, r.Rows)
		}
	}

	if plan := run.PlanOfRecord(); plan != nil && len(run.Tables) == 0 {
		fmt.Printf("\nPlanned tables (%d):\n", len(plan.Tables))
		for _, t := range plan.Tables {
			fmt.Printf("  - %s  %d columns from %s/%s\n", t.Name, len(t.Columns), t.Source.FileID, t.Source.Sheet)
		}
		if run.Status == models.StatusReviewPending && !run.ReviewSubmitted() {
			fmt.Printf("\nWaiting for review. Use 'sheetflow review %s' to submit decisions.\n", run.ID)
		}
	}

	if len(run.Tables) > 0 {
		fmt.Printf("\nTables (%d):\n", len(run.Tables))
		for _, t := range run.Tables {
			line := fmt.Sprintf("  - %s  %s, %d rows", t.Name, t.Status, t.Rows)
			if t.CoercionFailures > 0 {
				line += fmt.Sprintf(", %d coercion failures", t.CoercionFailures)
			}
			if t.Error != "" {
				line += " (" + t.Error + ")"
			}
			fmt.Println(line)
		}
	}

	if report := run.ValidationReport; report != nil {
		verdict := "passed"
		if !report.Passed {
			verdict = "has errors"
		}
		fmt.Printf("\nValidation %s\n", verdict)
		for _, tv := range report.Tables {
			for _, f := range tv.Findings {
				fmt.Printf("  [%s] %s: %s\n", f.Severity, tv.Table, f.Message)
			}
		}
	}
}

// followRun streams a run until it finishes, using the interactive view on a terminal.
func followRun(ctx context.Context, id string, useWS bool) error {
	if isTerminal() {
		return RunStreamView(ctx, apiClient, id, useWS)
	}
	return followPlain(ctx, apiClient, id, useWS)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
