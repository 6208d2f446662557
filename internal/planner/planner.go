// Package planner profiles parsed sheets and designs the extraction plan.
// With a Generator configured it asks the model for descriptions and the plan,
// falling back to heuristics when the model's answer is unusable.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/raphaelgruber/sheetflow/internal/llm"
)

// Generator is the language model seen by the planner.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (llm.Completion, error)
}

// Planner implements the analyze and design steps.
type Planner struct {
	gen Generator
	log *slog.Logger
}

// New returns a planner. gen may be nil for heuristic-only planning.
func New(gen Generator, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{gen: gen, log: log}
}

// UsesModel reports whether a language model backs this planner.
func (p *Planner) UsesModel() bool {
	return p.gen != nil
}

// stopsRun reports whether a model error must fail the phase instead of falling
// back to heuristics: fatal provider errors and cancellation.
func stopsRun(ctx context.Context, err error) bool {
	return errors.Is(err, llm.ErrFatalAPI) || ctx.Err() != nil
}

var errNoJSON = errors.New("no JSON object in model output")

// decodeJSON pulls the first JSON object out of model output, tolerating code
// fences and surrounding prose.
func decodeJSON(text string, v any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return errNoJSON
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}
