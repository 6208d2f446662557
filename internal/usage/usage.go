// Package usage extracts and aggregates language-model token usage.
package usage

import (
	"strings"
	"sync"

	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/tmc/langchaingo/llms"
)

// Merge adds two usage records. Merge is commutative and associative with the zero
// value as identity, so usage can be folded in any order.
func Merge(a, b models.TokenUsage) models.TokenUsage {
	return models.TokenUsage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}

// Sum folds any number of usage records.
func Sum(all ...models.TokenUsage) models.TokenUsage {
	var out models.TokenUsage
	for _, u := range all {
		out = Merge(out, u)
	}
	return out
}

// FromGenerationInfo reads usage counters from provider generation info.
//
// Providers report one of two shapes: prompt/completion[/total] (OpenAI, Ollama) or
// input/output (Anthropic, Bedrock). Keys are matched ignoring case and underscores.
// When both shapes are present, prompt/completion wins. A missing total is
// prompt+completion. Negative counters are treated as zero.
func FromGenerationInfo(info map[string]any) (models.TokenUsage, bool) {
	if len(info) == 0 {
		return models.TokenUsage{}, false
	}
	norm := make(map[string]int64, len(info))
	for k, v := range info {
		n, ok := toInt64(v)
		if !ok {
			continue
		}
		norm[normalizeKey(k)] = max(n, 0)
	}

	prompt, hasPrompt := norm["prompttokens"]
	completion, hasCompletion := norm["completiontokens"]
	if !hasPrompt && !hasCompletion {
		var hasInput, hasOutput bool
		prompt, hasInput = norm["inputtokens"]
		completion, hasOutput = norm["outputtokens"]
		if !hasInput && !hasOutput {
			return models.TokenUsage{}, false
		}
	}

	total, hasTotal := norm["totaltokens"]
	if !hasTotal || total < prompt+completion {
		total = prompt + completion
	}
	return models.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}, true
}

// FromResponse extracts usage from the first choice that reports it.
// Providers repeat the same counters on every choice, so choices are not summed.
func FromResponse(resp *llms.ContentResponse) models.TokenUsage {
	if resp == nil {
		return models.TokenUsage{}
	}
	for _, choice := range resp.Choices {
		if choice == nil {
			continue
		}
		if u, ok := FromGenerationInfo(choice.GenerationInfo); ok {
			return u
		}
	}
	return models.TokenUsage{}
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.ReplaceAll(k, "_", ""))
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// Aggregator keeps a running, never-decreasing usage total. Safe for concurrent use.
type Aggregator struct {
	mu    sync.Mutex
	total models.TokenUsage
}

// NewAggregator starts from an existing total, e.g. a resumed run's tokens_used.
func NewAggregator(start models.TokenUsage) *Aggregator {
	return &Aggregator{total: start}
}

// Add folds u into the total and returns the new total.
func (a *Aggregator) Add(u models.TokenUsage) models.TokenUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = Merge(a.total, clamp(u))
	return a.total
}

// Total returns the current total.
func (a *Aggregator) Total() models.TokenUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

func clamp(u models.TokenUsage) models.TokenUsage {
	return models.TokenUsage{
		PromptTokens:     max(u.PromptTokens, 0),
		CompletionTokens: max(u.CompletionTokens, 0),
		TotalTokens:      max(u.TotalTokens, 0),
	}
}
