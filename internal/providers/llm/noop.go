package llm

import (
	"context"

	"github.com/oho/subflow/internal/providers"
)

// Noop is the offline/test fallback LLMProvider. It returns deterministic,
// trivially-structured output so stages can exercise their control flow
// without a configured LLM API key.
type Noop struct {
	model   string
	profile string
}

func NewNoop(model, profile string) *Noop {
	if model == "" {
		model = "noop"
	}
	return &Noop{model: model, profile: profile}
}

func (n *Noop) Name() string { return "noop:" + n.model }
func (n *Noop) Close() error { return nil }

func (n *Noop) Complete(ctx context.Context, messages []providers.LLMMessage, temperature float64, maxTokens int) (string, error) {
	return "", nil
}

func (n *Noop) CompleteWithUsage(ctx context.Context, messages []providers.LLMMessage, temperature float64, maxTokens int) (string, providers.LLMUsage, error) {
	return "", providers.LLMUsage{}, nil
}

func (n *Noop) CompleteJSON(ctx context.Context, messages []providers.LLMMessage, temperature float64) (map[string]any, error) {
	return map[string]any{}, nil
}

func (n *Noop) CompleteWithTools(ctx context.Context, messages []providers.LLMMessage, tools []providers.ToolDef, parallelToolCalls bool) (providers.ToolResult, error) {
	return providers.ToolResult{}, providers.ErrToolsUnsupported
}
