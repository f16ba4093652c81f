package llm

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"github.com/oho/subflow/internal/health"
	"github.com/oho/subflow/internal/providers"
	"github.com/oho/subflow/internal/sferr"
)

// Anthropic backs the "anthropic" provider kind with the real SDK client,
// typically used for the power profile. Provider selection happens at the
// factory in registry.go; this file only owns the wire call.
type Anthropic struct {
	client  anthropic.Client
	model   string
	profile string
	cb      *gobreaker.CircuitBreaker
	monitor *health.Monitor
}

func NewAnthropic(apiKey, model, profile string, monitor *health.Monitor) (*Anthropic, error) {
	if apiKey == "" {
		return nil, sferr.NewConfigurationError("anthropic provider requires an api key")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-anthropic-" + profile,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 },
	})
	return &Anthropic{client: client, model: model, profile: profile, cb: cb, monitor: monitor}, nil
}

func (a *Anthropic) Name() string { return "anthropic:" + a.model }

func (a *Anthropic) Close() error { return nil }

func toAnthropicParams(messages []providers.LLMMessage, model string, temperature float64, maxTokens int) anthropic.MessageNewParams {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	var system string
	var msgs []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		Messages:    msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

func (a *Anthropic) send(ctx context.Context, messages []providers.LLMMessage, temperature float64, maxTokens int) (*anthropic.Message, error) {
	start := time.Now()
	result, err := a.cb.Execute(func() (any, error) {
		msg, err := a.client.Messages.New(ctx, toAnthropicParams(messages, a.model, temperature, maxTokens))
		if err != nil {
			return nil, classifyAnthropicError(err)
		}
		return msg, nil
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if a.monitor != nil {
			a.monitor.ReportError(a.profile, "anthropic", a.model, latency, err)
		}
		return nil, err
	}
	if a.monitor != nil {
		a.monitor.ReportSuccess(a.profile, "anthropic", a.model, latency)
	}
	return result.(*anthropic.Message), nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if ok := asAnthropicError(err, &apiErr); ok {
		switch apiErr.StatusCode {
		case 429:
			return sferr.NewRetryableLLMError("anthropic", apiErr.Error(), true)
		default:
			if apiErr.StatusCode >= 500 {
				return sferr.NewRetryableLLMError("anthropic", apiErr.Error(), false)
			}
			return sferr.NewProviderError("anthropic", apiErr.Error(), false)
		}
	}
	return sferr.NewRetryableLLMError("anthropic", err.Error(), false)
}

func asAnthropicError(err error, target **anthropic.Error) bool {
	ae, ok := err.(*anthropic.Error)
	if ok {
		*target = ae
	}
	return ok
}

func (a *Anthropic) Complete(ctx context.Context, messages []providers.LLMMessage, temperature float64, maxTokens int) (string, error) {
	text, _, err := a.CompleteWithUsage(ctx, messages, temperature, maxTokens)
	return text, err
}

func (a *Anthropic) CompleteWithUsage(ctx context.Context, messages []providers.LLMMessage, temperature float64, maxTokens int) (string, providers.LLMUsage, error) {
	msg, err := a.send(ctx, messages, temperature, maxTokens)
	if err != nil {
		return "", providers.LLMUsage{}, err
	}
	var text string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}
	usage := providers.LLMUsage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	return stripThink(text), usage, nil
}

func (a *Anthropic) CompleteJSON(ctx context.Context, messages []providers.LLMMessage, temperature float64) (map[string]any, error) {
	text, _, err := a.CompleteWithUsage(ctx, messages, temperature, 0)
	if err != nil {
		return nil, err
	}
	return ParseJSONObject(text)
}

// CompleteWithTools is not wired to the Anthropic tool-use API; SubFlow only
// exercises tool calling through the openai_compat provider today.
func (a *Anthropic) CompleteWithTools(ctx context.Context, messages []providers.LLMMessage, tools []providers.ToolDef, parallelToolCalls bool) (providers.ToolResult, error) {
	return providers.ToolResult{}, providers.ErrToolsUnsupported
}
