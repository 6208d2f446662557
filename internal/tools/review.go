package tools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/sheetflow/internal/models"
)

// DecisionInput is one reviewer decision on a planned table.
type DecisionInput struct {
	Table      string `json:"table" jsonschema:"Planned table name"`
	Action     string `json:"action" jsonschema:"include or skip"`
	OutputName string `json:"output_name,omitempty" jsonschema:"New snake_case name for an included table"`
}

// SubmitReviewInput defines the input schema for the submit_review tool.
type SubmitReviewInput struct {
	RunID     string          `json:"run_id" jsonschema:"Run waiting for review"`
	Decisions []DecisionInput `json:"decisions,omitempty" jsonschema:"Decisions; tables without one are included as planned"`
}

// NewSubmitReviewHandler creates the submit_review tool handler.
// The run resumes once the decisions are stored.
func NewSubmitReviewHandler(deps *Dependencies) mcp.ToolHandlerFor[SubmitReviewInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SubmitReviewInput) (*mcp.CallToolResult, any, error) {
		if input.RunID == "" {
			return ErrorResult("run_id is required", ""), nil, nil
		}

		decisions := make([]models.ReviewDecision, 0, len(input.Decisions))
		for _, d := range input.Decisions {
			decision := models.ReviewDecision{Table: d.Table, Action: models.ReviewAction(d.Action)}
			if d.OutputName != "" {
				decision.OutputName = models.Ptr(d.OutputName)
			}
			decisions = append(decisions, decision)
		}

		run, err := deps.Runs.SubmitReviewDecisions(ctx, input.RunID, decisions)
		if err != nil {
			return serviceError(deps, "submit review", err), nil, nil
		}
		deps.Logger.Info("submit_review completed", "run_id", run.ID, "decisions", len(decisions))
		return JSONResult(summarize(run)), nil, nil
	}
}
