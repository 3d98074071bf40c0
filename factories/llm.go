package factories

import (
	"context"
	"errors"

	"voicetutor/core"
	geminillm "voicetutor/services/gemini/llm"
	openaillm "voicetutor/services/openai/llm"
)

// LLMService streams tutor replies.
type LLMService interface {
	core.IService
	Stream(ctx context.Context, systemPrompt string, history []core.LLMMessage) (core.Stream[core.LLMEvent], error)
}

// LLMFactoryConfig holds provider-specific configs for LLM service construction.
// Set exactly one provider config; the rest should be left nil.
// Groq and OpenRouter speak the OpenAI protocol and reuse that service with
// their own base URL.
type LLMFactoryConfig struct {
	Gemini     *geminillm.Config `yaml:"gemini,omitempty"`
	OpenAI     *openaillm.Config `yaml:"openai,omitempty"`
	Groq       *openaillm.Config `yaml:"groq,omitempty"`
	OpenRouter *openaillm.Config `yaml:"openrouter,omitempty"`
}

const (
	groqBaseURL       = "https://api.groq.com/openai/v1"
	openrouterBaseURL = "https://openrouter.ai/api/v1"
)

// BuildLLMService constructs an LLMService from the given factory config.
// Exactly one provider config must be non-nil.
func BuildLLMService(config LLMFactoryConfig, logger *core.Logger) (LLMService, error) {
	if config.Gemini != nil {
		return geminillm.NewGeminiLLMService(*config.Gemini, logger), nil
	}
	if config.OpenAI != nil {
		return openaillm.NewOpenAILLMService(*config.OpenAI, logger), nil
	}
	if config.Groq != nil {
		return buildOpenAICompatible(*config.Groq, groqBaseURL, "llama-3.3-70b-versatile", logger), nil
	}
	if config.OpenRouter != nil {
		return buildOpenAICompatible(*config.OpenRouter, openrouterBaseURL, "openai/gpt-4o-mini", logger), nil
	}
	return nil, errors.New("LLMFactoryConfig: no provider config specified")
}

// buildOpenAICompatible creates an OpenAI-compatible LLM service, applying default
// base URL and model if not explicitly set in the config.
func buildOpenAICompatible(cfg openaillm.Config, defaultBaseURL, defaultModel string, logger *core.Logger) *openaillm.OpenAILLMService {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return openaillm.NewOpenAILLMService(cfg, logger)
}
