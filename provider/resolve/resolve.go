// Package resolve creates chat providers from provider-agnostic config.
package resolve

import (
	"fmt"

	"github.com/ninthseat/engine"
	"github.com/ninthseat/engine/provider/gemini"
	"github.com/ninthseat/engine/provider/openaicompat"
)

// defaultBaseURLs lists the OpenAI-compatible providers the resolver
// accepts and their default endpoints; gemini uses its own client and
// has no entry.
var defaultBaseURLs = map[string]string{
	"openai":   "https://api.openai.com/v1",
	"groq":     "https://api.groq.com/openai/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"together": "https://api.together.xyz/v1",
	"mistral":  "https://api.mistral.ai/v1",
	"ollama":   "http://localhost:11434/v1",
}

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "openai", "gemini", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // optional for openai-compat; auto-filled for known providers

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
	Thinking    *bool
}

// Provider creates an engine.Provider from a provider-agnostic Config.
func Provider(cfg Config) (engine.Provider, error) {
	if cfg.Provider == "gemini" {
		return geminiProvider(cfg), nil
	}
	if _, ok := defaultBaseURLs[cfg.Provider]; ok {
		return openaiCompatProvider(cfg), nil
	}
	return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
}

func geminiProvider(cfg Config) engine.Provider {
	var opts []gemini.Option
	if cfg.Temperature != nil {
		opts = append(opts, gemini.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, gemini.WithTopP(*cfg.TopP))
	}
	if cfg.Thinking != nil {
		opts = append(opts, gemini.WithThinking(*cfg.Thinking))
	}
	return gemini.New(cfg.APIKey, cfg.Model, opts...)
}

func openaiCompatProvider(cfg Config) engine.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	var provOpts []openaicompat.ProviderOption
	provOpts = append(provOpts, openaicompat.WithName(cfg.Provider))

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...)
}

func defaultBaseURL(provider string) string {
	return defaultBaseURLs[provider]
}
