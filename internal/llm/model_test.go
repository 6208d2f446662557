package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/raphaelgruber/sheetflow/internal/config"
	"github.com/raphaelgruber/sheetflow/internal/metrics"
	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func TestIsFatalAPIError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"nil error", nil, false},
		{"generic error", errors.New("connection reset"), false},
		{"credit balance", errors.New("insufficient credit balance"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"quota exceeded", errors.New("quota exceeded for model"), true},
		{"billing issue", errors.New("billing account inactive"), true},
		{"invalid api key", errors.New("invalid api key"), true},
		{"authentication failed", errors.New("authentication failed"), true},
		{"unauthorized", errors.New("unauthorized request"), true},
		{"401 status", errors.New("HTTP 401: not allowed"), true},
		{"403 status", errors.New("HTTP 403: forbidden"), true},
		{"wrapped error", fmt.Errorf("generate: %w", errors.New("credit balance too low")), true},
		{"404 not fatal", errors.New("HTTP 404: not found"), false},
		{"timeout not fatal", errors.New("context deadline exceeded"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isFatalAPIError(tt.err)
			if got != tt.fatal {
				t.Errorf("isFatalAPIError(%v) = %v, want %v", tt.err, got, tt.fatal)
			}
		})
	}
}

func TestWrapFatalError(t *testing.T) {
	t.Run("wraps fatal error", func(t *testing.T) {
		err := errors.New("invalid api key provided")
		wrapped := wrapFatalError(err)
		if !errors.Is(wrapped, ErrFatalAPI) {
			t.Errorf("expected wrapped error to match ErrFatalAPI")
		}
	})

	t.Run("passes through non-fatal error", func(t *testing.T) {
		err := errors.New("network timeout")
		result := wrapFatalError(err)
		if errors.Is(result, ErrFatalAPI) {
			t.Errorf("non-fatal error should not be wrapped with ErrFatalAPI")
		}
		if result != err {
			t.Errorf("expected original error returned, got %v", result)
		}
	})

	t.Run("nil error", func(t *testing.T) {
		result := wrapFatalError(nil)
		if result != nil {
			t.Errorf("expected nil, got %v", result)
		}
	})
}

type scriptedLLM struct {
	resp *llms.ContentResponse
	err  error
	got  []llms.MessageContent
}

func (s *scriptedLLM) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	s.got = messages
	return s.resp, s.err
}

func (s *scriptedLLM) Call(context.Context, string, ...llms.CallOption) (string, error) {
	return "", errors.New("not used")
}

func TestGenerateReportsUsage(t *testing.T) {
	fake := &scriptedLLM{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        `{"tables":[]}`,
		GenerationInfo: map[string]any{"input_tokens": 120, "output_tokens": 30},
	}}}}
	mc := metrics.NewCollector()
	m := NewWithLLM(fake, "test-model", 256, mc)

	got, err := m.Generate(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"tables":[]}`, got.Text)
	assert.Equal(t, models.TokenUsage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150}, got.Usage)
	require.Len(t, fake.got, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, fake.got[0].Role)

	snap := mc.Snapshot()
	require.NotNil(t, snap.LLMGenerate)
	assert.Equal(t, int64(120), *snap.LLMGenerate.TotalInputTokens)
}

func TestGenerateClassifiesFatalErrors(t *testing.T) {
	m := NewWithLLM(&scriptedLLM{err: errors.New("HTTP 401: invalid api key")}, "test-model", 0, nil)
	_, err := m.Generate(context.Background(), "system", "user")
	require.ErrorIs(t, err, ErrFatalAPI)

	m = NewWithLLM(&scriptedLLM{resp: &llms.ContentResponse{}}, "test-model", 0, nil)
	_, err = m.Generate(context.Background(), "system", "user")
	require.Error(t, err)
}

func TestNewModelNoneProvider(t *testing.T) {
	_, err := NewModel(context.Background(), config.LLMConfig{Provider: config.ProviderNone}, nil)
	require.ErrorIs(t, err, ErrNoProvider)

	_, err = NewModel(context.Background(), config.LLMConfig{Provider: config.ProviderOpenAI}, nil)
	require.Error(t, err)
}
