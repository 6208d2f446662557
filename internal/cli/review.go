package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/sheetflow/internal/models"
)

var (
	reviewFile    string
	reviewSkip    []string
	reviewInclude []string
	reviewRename  []string

	planModified bool
	planOutput   string
)

var reviewCmd = &cobra.Command{
	Use:   "review <run-id>",
	Short: "Submit review decisions for a run waiting for review",
	Long: `Submit decisions for the extraction plan of a run in review mode. Tables
without a decision are included under their planned name.

Decisions come either from a YAML file or from flags:

  decisions:
    - table: customers
      action: include
      output_name: clients
    - table: scratch
      action: skip

Examples:
  sheetflow review 3f2c... --skip scratch --rename customers=clients
  sheetflow review 3f2c... -f decisions.yaml
  cat decisions.yaml | sheetflow review 3f2c... -f -

An open stream on the run continues with extraction once decisions are in.
Without one, the server resumes the run in the background.`,
	Args: cobra.ExactArgs(1),
	RunE: runReview,
}

var planCmd = &cobra.Command{
	Use:   "plan <run-id>",
	Short: "Print the extraction plan of a run as YAML",
	Long: `Print the designed extraction plan of a run as YAML. With --modified the
reviewed plan is printed instead.

Examples:
  sheetflow plan 3f2c...
  sheetflow plan 3f2c... --modified -o plan.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	reviewCmd.Flags().StringVarP(&reviewFile, "file", "f", "", "YAML file with decisions (- for stdin)")
	reviewCmd.Flags().StringSliceVar(&reviewSkip, "skip", nil, "tables to skip")
	reviewCmd.Flags().StringSliceVar(&reviewInclude, "include", nil, "tables to include explicitly")
	reviewCmd.Flags().StringSliceVar(&reviewRename, "rename", nil, "rename tables (old=new)")
	reviewCmd.MarkFlagsMutuallyExclusive("file", "skip")
	reviewCmd.MarkFlagsMutuallyExclusive("file", "include")
	reviewCmd.MarkFlagsMutuallyExclusive("file", "rename")

	planCmd.Flags().BoolVar(&planModified, "modified", false, "print the reviewed plan")
	planCmd.Flags().StringVarP(&planOutput, "output", "o", "", "write to file instead of stdout")
}

func runReview(cmd *cobra.Command, args []string) error {
	var (
		decisions []models.ReviewDecision
		err       error
	)
	if reviewFile != "" {
		decisions, err = readDecisions(reviewFile)
	} else {
		decisions, err = buildDecisions(reviewInclude, reviewSkip, reviewRename)
	}
	if err != nil {
		return err
	}

	run, err := apiClient.SubmitReview(cmd.Context(), args[0], decisions)
	if err != nil {
		return fmt.Errorf("submit review: %w", err)
	}

	if plan := run.ExtractionPlanModified; plan != nil {
		fmt.Printf("Review submitted. Tables to extract: %s\n", strings.Join(plan.TableNames(), ", "))
	} else {
		fmt.Println("Review submitted.")
	}
	return nil
}

// readDecisions loads a YAML decisions document. A bare list is accepted as well.
func readDecisions(path string) ([]models.ReviewDecision, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read decisions: %w", err)
	}

	var req models.ReviewRequest
	if err := yaml.Unmarshal(data, &req); err == nil {
		return req.Decisions, nil
	}
	var list []models.ReviewDecision
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse decisions: %w", err)
	}
	return list, nil
}

// buildDecisions turns the include, skip and rename flags into decisions. A rename
// implies include.
func buildDecisions(include, skip, rename []string) ([]models.ReviewDecision, error) {
	byTable := make(map[string]*models.ReviewDecision)
	var order []string
	get := func(table string) *models.ReviewDecision {
		if d, ok := byTable[table]; ok {
			return d
		}
		d := &models.ReviewDecision{Table: table, Action: models.ActionInclude}
		byTable[table] = d
		order = append(order, table)
		return d
	}

	for _, t := range include {
		get(strings.TrimSpace(t))
	}
	for _, r := range rename {
		from, to, ok := strings.Cut(r, "=")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("invalid rename %q, expected old=new", r)
		}
		d := get(from)
		d.OutputName = &to
	}
	for _, t := range skip {
		t = strings.TrimSpace(t)
		if d, ok := byTable[t]; ok && d.OutputName != nil {
			return nil, fmt.Errorf("table %q is both skipped and renamed", t)
		}
		get(t).Action = models.ActionSkip
	}

	out := make([]models.ReviewDecision, 0, len(order))
	for _, t := range order {
		out = append(out, *byTable[t])
	}
	return out, nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	run, err := apiClient.GetRun(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}

	plan := run.ExtractionPlan
	if planModified {
		plan = run.ExtractionPlanModified
	}
	if plan == nil {
		return fmt.Errorf("run %s has no %s plan (status %s)", run.ID, planKind(planModified), run.Status)
	}

	out, err := yaml.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if planOutput == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	if err := os.WriteFile(planOutput, out, 0o644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	fmt.Printf("Plan written to %s\n", planOutput)
	return nil
}

func planKind(modified bool) string {
	if modified {
		return "reviewed"
	}
	return "designed"
}
