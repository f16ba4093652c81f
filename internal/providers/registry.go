package providers

import (
	"fmt"

	"github.com/oho/subflow/internal/config"
	"github.com/oho/subflow/internal/health"
	"github.com/oho/subflow/internal/providers/llm"
	"github.com/oho/subflow/internal/sferr"
)

// NewLLMProvider is the tagged-sum-type factory over config.LLMProviderKind.
// Unknown kinds fail fast with a ConfigurationError rather than falling back
// to a default provider.
func NewLLMProvider(cfg config.LLMProviderConfig, profile config.LLMProfile, monitor *health.Monitor) (LLMProvider, error) {
	switch cfg.Provider {
	case config.LLMProviderOpenAI, config.LLMProviderOpenAICompat:
		return llm.NewOpenAICompat(cfg.BaseURL, cfg.APIKey, cfg.Model, string(profile), monitor), nil
	case config.LLMProviderAnthropic:
		return llm.NewAnthropic(cfg.APIKey, cfg.Model, string(profile), monitor)
	case config.LLMProviderGemini:
		return nil, sferr.NewConfigurationError(fmt.Sprintf("llm provider %q not implemented; use openai_compat, anthropic, or noop", cfg.Provider))
	case "", "noop":
		return llm.NewNoop(cfg.Model, string(profile)), nil
	default:
		return nil, sferr.NewConfigurationError(fmt.Sprintf("unknown llm provider kind %q", cfg.Provider))
	}
}
