package llm

import (
	"conductor/pkg/config"
	"conductor/pkg/errs"
)

// New builds the provider for the configured backend. An unknown backend is
// a configuration error, not a runtime one.
func New(cfg *config.LLMConfig) (Provider, error) {
	model := cfg.ModelOrDefault()

	switch cfg.Backend {
	case config.BackendAnthropic:
		return NewAnthropicProvider(cfg.APIKey, model), nil
	case config.BackendOpenAI:
		return NewOpenAIProvider(cfg.APIKey, model), nil
	case config.BackendGoogle:
		return NewGoogleProvider(cfg.APIKey, model), nil
	case config.BackendOllama:
		return NewOllamaProvider(cfg.OllamaURL, model), nil
	default:
		return nil, errs.Configuration("unknown llm backend %q", cfg.Backend)
	}
}
