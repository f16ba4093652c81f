// Package llm implements concrete LLMProvider backends selected by
// internal/providers's tagged-sum-type registry.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/oho/subflow/internal/health"
	"github.com/oho/subflow/internal/providers"
	"github.com/oho/subflow/internal/sferr"
)

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// OpenAICompat talks to any OpenAI-chat-completions-compatible HTTP
// endpoint (LM Studio, vLLM, Ollama's compat shim, OpenAI itself), wrapped
// with a circuit breaker and backoff policy.
type OpenAICompat struct {
	baseURL string
	apiKey  string
	model   string
	profile string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	monitor *health.Monitor
}

func NewOpenAICompat(baseURL, apiKey, model, profile string, monitor *health.Monitor) *OpenAICompat {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-" + profile,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &OpenAICompat{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		profile: profile,
		http:    &http.Client{Timeout: 120 * time.Second},
		cb:      cb,
		monitor: monitor,
	}
}

func (c *OpenAICompat) Name() string { return "openai_compat:" + c.model }

func (c *OpenAICompat) Close() error { return nil }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Tools       []toolSchema  `json:"tools,omitempty"`
	ParallelToolCalls *bool   `json:"parallel_tool_calls,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolSchema struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func toChatMessages(msgs []providers.LLMMessage) []chatMessage {
	out := make([]chatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// doChat performs the HTTP call under the circuit breaker, with an
// exponential backoff retry loop classifying errors: 5xx/timeout/
// connection/rate-limit are retryable, everything else is terminal.
func (c *OpenAICompat) doChat(ctx context.Context, req chatRequest) (*chatResponse, error) {
	start := time.Now()
	result, err := c.cb.Execute(func() (any, error) {
		return c.doChatWithRetry(ctx, req)
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if c.monitor != nil {
			c.monitor.ReportError(c.profile, "openai_compat", c.model, latency, err)
		}
		return nil, err
	}
	if c.monitor != nil {
		c.monitor.ReportSuccess(c.profile, "openai_compat", c.model, latency)
	}
	return result.(*chatResponse), nil
}

func (c *OpenAICompat) doChatWithRetry(ctx context.Context, req chatRequest) (*chatResponse, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 30 * time.Second
	b := backoff.WithMaxRetries(policy, 2)
	b = backoff.WithContext(b, ctx)

	var resp *chatResponse
	err := backoff.Retry(func() error {
		r, retryable, err := c.doChatOnce(ctx, req)
		if err == nil {
			resp = r
			return nil
		}
		if retryable {
			if rl, ok := err.(*sferr.RetryableLLMError); ok && rl.RateLimited {
				policy.InitialInterval = 2 * time.Second
				policy.MaxInterval = 30 * time.Second
			}
			return err
		}
		return backoff.Permanent(err)
	}, b)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *OpenAICompat) doChatOnce(ctx context.Context, req chatRequest) (*chatResponse, bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, false, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, sferr.NewRetryableLLMError("openai_compat", err.Error(), false)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, sferr.NewRetryableLLMError("openai_compat", err.Error(), false)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, sferr.NewRetryableLLMError("openai_compat", "rate limited", true)
	}
	if resp.StatusCode >= 500 {
		return nil, true, sferr.NewRetryableLLMError("openai_compat", fmt.Sprintf("server error %d", resp.StatusCode), false)
	}
	if resp.StatusCode >= 400 {
		return nil, false, sferr.NewProviderError("openai_compat", fmt.Sprintf("http %d: %s", resp.StatusCode, string(data)), false)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, false, sferr.NewProviderError("openai_compat", "invalid response body: "+err.Error(), false)
	}
	if parsed.Error != nil {
		return nil, false, sferr.NewProviderError("openai_compat", parsed.Error.Message, false)
	}
	return &parsed, false, nil
}

func (c *OpenAICompat) Complete(ctx context.Context, messages []providers.LLMMessage, temperature float64, maxTokens int) (string, error) {
	text, _, err := c.CompleteWithUsage(ctx, messages, temperature, maxTokens)
	return text, err
}

func (c *OpenAICompat) CompleteWithUsage(ctx context.Context, messages []providers.LLMMessage, temperature float64, maxTokens int) (string, providers.LLMUsage, error) {
	resp, err := c.doChat(ctx, chatRequest{Model: c.model, Messages: toChatMessages(messages), Temperature: temperature, MaxTokens: maxTokens})
	if err != nil {
		return "", providers.LLMUsage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", providers.LLMUsage{}, sferr.NewProviderError("openai_compat", "empty choices", false)
	}
	text := stripThink(resp.Choices[0].Message.Content)
	return text, providers.LLMUsage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens}, nil
}

// CompleteJSON is tolerant of ```json fences and a leading <think> block.
func (c *OpenAICompat) CompleteJSON(ctx context.Context, messages []providers.LLMMessage, temperature float64) (map[string]any, error) {
	text, _, err := c.CompleteWithUsage(ctx, messages, temperature, 0)
	if err != nil {
		return nil, err
	}
	return ParseJSONObject(text)
}

func (c *OpenAICompat) CompleteWithTools(ctx context.Context, messages []providers.LLMMessage, tools []providers.ToolDef, parallelToolCalls bool) (providers.ToolResult, error) {
	schemas := make([]toolSchema, len(tools))
	for i, t := range tools {
		schemas[i] = toolSchema{Type: "function", Function: toolFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters}}
	}
	resp, err := c.doChat(ctx, chatRequest{
		Model: c.model, Messages: toChatMessages(messages), Temperature: 0,
		Tools: schemas, ParallelToolCalls: &parallelToolCalls,
	})
	if err != nil {
		return providers.ToolResult{}, err
	}
	if len(resp.Choices) == 0 {
		return providers.ToolResult{}, sferr.NewProviderError("openai_compat", "empty choices", false)
	}
	calls := make([]providers.ToolCall, 0, len(resp.Choices[0].Message.ToolCalls))
	for _, tc := range resp.Choices[0].Message.ToolCalls {
		calls = append(calls, providers.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return providers.ToolResult{
		ToolCalls: calls,
		Usage:     providers.LLMUsage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens},
	}, nil
}

func stripThink(s string) string {
	return strings.TrimSpace(thinkBlockRe.ReplaceAllString(s, ""))
}

// ParseJSONObject is a defensive JSON parser: strip <think> blocks and
// ```json fences, attempt a strict parse, then fall back to extracting the
// first balanced JSON object.
func ParseJSONObject(text string) (map[string]any, error) {
	cleaned := stripThink(text)
	if m := jsonFenceRe.FindStringSubmatch(cleaned); m != nil {
		cleaned = m[1]
	}
	cleaned = strings.TrimSpace(cleaned)

	var obj map[string]any
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil {
		return obj, nil
	}

	balanced := extractBalancedObject(cleaned)
	if balanced == "" {
		return nil, sferr.NewProviderError("llm", "no JSON object found in response", false)
	}
	if err := json.Unmarshal([]byte(balanced), &obj); err != nil {
		return nil, sferr.NewProviderError("llm", "malformed JSON object: "+err.Error(), false)
	}
	return obj, nil
}

// extractBalancedObject returns the first top-level {...} span, tracking
// string/escape state so braces inside string values don't unbalance it.
func extractBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
