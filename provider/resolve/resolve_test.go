package resolve

import (
	"strings"
	"testing"
)

func TestProviderConstruction(t *testing.T) {
	temp := 0.0
	topP := 0.9
	thinking := true
	tests := []struct {
		name string
		cfg  Config
	}{
		{"openai default endpoint", Config{Provider: "openai", APIKey: "k", Model: "gpt-5.2"}},
		{"openai custom endpoint", Config{Provider: "openai", APIKey: "k", Model: "gpt-5.2", BaseURL: "http://localhost:8080/v1"}},
		{"openai with sampling options", Config{Provider: "openai", APIKey: "k", Model: "gpt-4.1-mini", Temperature: &temp, TopP: &topP}},
		{"openai ignores thinking", Config{Provider: "openai", APIKey: "k", Model: "gpt-5.2", Thinking: &thinking}},
		{"gemini", Config{Provider: "gemini", APIKey: "k", Model: "gemini-2.5-flash"}},
		{"gemini with options", Config{Provider: "gemini", APIKey: "k", Model: "gemini-2.5-pro", Temperature: &temp, TopP: &topP, Thinking: &thinking}},
		{"ollama without key", Config{Provider: "ollama", Model: "llama3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Provider(tt.cfg)
			if err != nil {
				t.Fatalf("Provider() error: %v", err)
			}
			if p.Name() != tt.cfg.Provider {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.cfg.Provider)
			}
		})
	}
}

func TestProviderRejectsUnknown(t *testing.T) {
	for _, name := range []string{"", "anthropic-direct", "bedrock"} {
		_, err := Provider(Config{Provider: name, APIKey: "k", Model: "m"})
		if err == nil {
			t.Fatalf("Provider(%q) should fail", name)
		}
		if !strings.Contains(err.Error(), "unknown provider") {
			t.Errorf("error = %v, want mention of unknown provider", err)
		}
	}
}

func TestDefaultBaseURLs(t *testing.T) {
	// Every openai-compatible provider needs a default endpoint so
	// cfg.BaseURL can stay empty in the common case.
	for _, name := range []string{"openai", "groq", "deepseek", "together", "mistral", "ollama"} {
		if defaultBaseURL(name) == "" {
			t.Errorf("defaultBaseURL(%q) is empty", name)
		}
	}
	if got := defaultBaseURL("openai"); got != "https://api.openai.com/v1" {
		t.Errorf("defaultBaseURL(openai) = %q", got)
	}
	if got := defaultBaseURL("gemini"); got != "" {
		t.Errorf("defaultBaseURL(gemini) = %q, want empty (native client)", got)
	}
}
