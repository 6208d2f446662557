// Package llm provides text generation over langchaingo providers with token
// usage reporting.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/raphaelgruber/sheetflow/internal/config"
	"github.com/raphaelgruber/sheetflow/internal/metrics"
	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/usage"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrNoProvider is returned by NewModel when the configured provider is "none".
var ErrNoProvider = errors.New("no LLM provider configured")

// Completion is one generated answer and the tokens it cost.
type Completion struct {
	Text  string
	Usage models.TokenUsage
}

// Model wraps a langchaingo LLM for text generation.
type Model struct {
	llm       llms.Model
	modelName string
	maxTokens int
	metrics   *metrics.Collector
}

// NewModel creates an LLM model based on configuration. mc may be nil.
func NewModel(ctx context.Context, cfg config.LLMConfig, mc *metrics.Collector) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.Provider {
	case config.ProviderNone, "":
		return nil, ErrNoProvider

	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		opts := []openai.Option{openai.WithToken(cfg.OpenAIKey), openai.WithModel(cfg.Model)}
		if cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		model, err = openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicKey),
			anthropic.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderBedrock:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if awsErr != nil {
			return nil, fmt.Errorf("load aws config: %w", awsErr)
		}
		model, err = bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}

	return NewWithLLM(model, cfg.Model, cfg.MaxTokens, mc), nil
}

// NewWithLLM wraps an already constructed langchaingo model.
func NewWithLLM(model llms.Model, name string, maxTokens int, mc *metrics.Collector) *Model {
	return &Model{llm: model, modelName: name, maxTokens: maxTokens, metrics: mc}
}

// Generate runs one system+user exchange and reports the tokens it used.
func (m *Model) Generate(ctx context.Context, systemPrompt, userPrompt string) (Completion, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}
	var opts []llms.CallOption
	if m.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(m.maxTokens))
	}

	start := time.Now()
	response, err := m.llm.GenerateContent(ctx, messages, opts...)
	duration := time.Since(start)
	if err != nil {
		slog.Warn("llm generate failed", "model", m.modelName, "duration_ms", duration.Milliseconds(), "error", err)
		return Completion{}, fmt.Errorf("generate: %w", wrapFatalError(err))
	}
	if len(response.Choices) == 0 {
		return Completion{}, fmt.Errorf("no response choices")
	}

	used := usage.FromResponse(response)
	if m.metrics != nil {
		m.metrics.RecordLLMUsage(metrics.OpLLMGenerate, duration, used.PromptTokens, used.CompletionTokens)
	}
	slog.Debug("llm generate complete", "model", m.modelName, "duration_ms", duration.Milliseconds(),
		"prompt_tokens", used.PromptTokens, "completion_tokens", used.CompletionTokens)

	return Completion{Text: response.Choices[0].Content, Usage: used}, nil
}

// Model returns the LLM model name.
func (m *Model) Model() string {
	return m.modelName
}
