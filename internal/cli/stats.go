package cli

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/sheetflow/internal/client"
	"github.com/raphaelgruber/sheetflow/internal/models"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server runtime statistics",
	Long: `Show in-memory statistics of the running server: run outcomes, phase and
model call timings. Counters reset when the server restarts.`,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	stats, err := apiClient.GetServerStats(cmd.Context())
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	uptime := time.Duration(stats.UptimeSeconds * float64(time.Second)).Round(time.Second)
	fmt.Printf("Server uptime: %s\n", uptime)
	fmt.Printf("Active runs: %d (%d with a stream attached)\n", stats.ActiveRuns, stats.AttachedRuns)

	if len(stats.Runs) > 0 {
		fmt.Println("\nRuns:")
		for _, st := range []models.RunStatus{models.StatusCompleted, models.StatusFailed, models.StatusCancelled} {
			fmt.Printf("  %-10s %d\n", st, stats.Runs[string(st)])
		}
	}

	fmt.Println()
	fmt.Printf("%-12s %8s %10s %10s %10s\n", "OPERATION", "COUNT", "AVG", "MIN", "MAX")
	printOp("llm", stats.LLMGenerate)
	printOp("db", stats.DBQuery)

	phases := make([]string, 0, len(stats.Phases))
	for p := range stats.Phases {
		phases = append(phases, p)
	}
	slices.SortFunc(phases, func(a, b string) int {
		return phaseRank(a) - phaseRank(b)
	})
	for _, p := range phases {
		printOp(p, stats.Phases[p])
	}

	if op := stats.LLMGenerate; op != nil && op.TotalInputTokens != nil && op.TotalOutputTokens != nil {
		fmt.Printf("\nTokens: %d in, %d out\n", *op.TotalInputTokens, *op.TotalOutputTokens)
	}
	return nil
}

func printOp(name string, op *client.OperationStats) {
	if op == nil || op.Count == 0 {
		return
	}
	fmt.Printf("%-12s %8d %10s %10s %10s\n", name, op.Count,
		ms(op.AvgTimeMs), ms(float64(op.MinTimeMs)), ms(float64(op.MaxTimeMs)))
}

func ms(v float64) string {
	return time.Duration(v * float64(time.Millisecond)).Round(time.Millisecond).String()
}

var phaseOrder = []models.Phase{
	models.PhaseIngest, models.PhaseAnalyze, models.PhaseDesign, models.PhaseReview,
	models.PhaseExtract, models.PhaseValidate, models.PhasePersist,
}

func phaseRank(p string) int {
	if i := slices.Index(phaseOrder, models.Phase(p)); i >= 0 {
		return i
	}
	return len(phaseOrder)
}
