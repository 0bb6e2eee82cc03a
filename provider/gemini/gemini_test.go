package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ninthseat/engine"
)

// testGemini returns a Gemini instance with default config for testing buildBody.
func testGemini() *Gemini {
	return New("test-key", "test-model")
}

func TestBuildBody_SystemMessages(t *testing.T) {
	g := testGemini()
	body := g.buildBody(engine.ChatRequest{
		Messages: []engine.ChatMessage{
			engine.SystemMessage("You are a helpful assistant."),
			engine.SystemMessage("Be concise."),
			engine.UserMessage("Hello"),
		},
	})

	// System messages should be extracted to systemInstruction.
	si, ok := body["systemInstruction"].(map[string]any)
	if !ok {
		t.Fatal("expected systemInstruction in body")
	}
	parts, ok := si["parts"].([]map[string]any)
	if !ok || len(parts) != 1 {
		t.Fatal("expected exactly 1 systemInstruction part")
	}
	text, ok := parts[0]["text"].(string)
	if !ok {
		t.Fatal("expected text field in systemInstruction part")
	}
	if text != "You are a helpful assistant.\n\nBe concise." {
		t.Errorf("unexpected system text: %q", text)
	}

	// Contents should only have the user message (no system messages).
	contents, ok := body["contents"].([]map[string]any)
	if !ok {
		t.Fatal("expected contents array in body")
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content entry, got %d", len(contents))
	}
	if contents[0]["role"] != "user" {
		t.Errorf("expected role 'user', got %v", contents[0]["role"])
	}
}

func TestBuildBody_AssistantMapsToModel(t *testing.T) {
	g := testGemini()
	body := g.buildBody(engine.ChatRequest{
		Messages: []engine.ChatMessage{
			engine.UserMessage("Hi"),
			engine.AssistantMessage("Hello!"),
		},
	})

	contents := body["contents"].([]map[string]any)
	if len(contents) != 2 {
		t.Fatalf("expected 2 content entries, got %d", len(contents))
	}
	if contents[0]["role"] != "user" {
		t.Errorf("expected role 'user', got %v", contents[0]["role"])
	}
	if contents[1]["role"] != "model" {
		t.Errorf("expected role 'model', got %v", contents[1]["role"])
	}
}

func TestBuildBody_GenerationConfig(t *testing.T) {
	g := New("key", "model", WithTemperature(0.4), WithTopP(0.8))
	body := g.buildBody(engine.ChatRequest{
		Messages: []engine.ChatMessage{engine.UserMessage("Hi")},
	})

	gc, ok := body["generationConfig"].(map[string]any)
	if !ok {
		t.Fatal("expected generationConfig in body")
	}
	if gc["temperature"] != 0.4 {
		t.Errorf("expected temperature 0.4, got %v", gc["temperature"])
	}
	if gc["topP"] != 0.8 {
		t.Errorf("expected topP 0.8, got %v", gc["topP"])
	}
	if _, present := gc["responseMimeType"]; present {
		t.Error("expected no responseMimeType without json hint")
	}
	if _, present := gc["thinkingConfig"]; present {
		t.Error("expected no thinkingConfig by default")
	}
}

func TestBuildBody_RequestHints(t *testing.T) {
	g := testGemini()
	temp := 0.0
	body := g.buildBody(engine.ChatRequest{
		Messages:        []engine.ChatMessage{engine.UserMessage("Hi")},
		ForceJSONObject: true,
		Temperature:     &temp,
	})

	gc := body["generationConfig"].(map[string]any)
	if gc["temperature"] != 0.0 {
		t.Errorf("expected request temperature 0.0, got %v", gc["temperature"])
	}
	if gc["responseMimeType"] != "application/json" {
		t.Errorf("expected responseMimeType application/json, got %v", gc["responseMimeType"])
	}
}

func TestBuildBody_Thinking(t *testing.T) {
	g := New("key", "model", WithThinking(true))
	body := g.buildBody(engine.ChatRequest{
		Messages: []engine.ChatMessage{engine.UserMessage("Hi")},
	})

	gc := body["generationConfig"].(map[string]any)
	tc, ok := gc["thinkingConfig"].(map[string]any)
	if !ok {
		t.Fatal("expected thinkingConfig when thinking enabled")
	}
	if tc["thinkingBudget"] != -1 {
		t.Errorf("expected thinkingBudget -1, got %v", tc["thinkingBudget"])
	}
}

func TestBuildBody_FunctionCallingDisabled(t *testing.T) {
	g := testGemini()
	body := g.buildBody(engine.ChatRequest{
		Messages: []engine.ChatMessage{engine.UserMessage("Hi")},
	})

	tc, ok := body["toolConfig"].(map[string]any)
	if !ok {
		t.Fatal("expected toolConfig in body")
	}
	fcc, ok := tc["functionCallingConfig"].(map[string]any)
	if !ok || fcc["mode"] != "NONE" {
		t.Errorf("expected functionCallingConfig mode NONE, got %v", tc)
	}
}

func TestGemini_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("unexpected key: %s", r.URL.Query().Get("key"))
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if _, ok := body["contents"]; !ok {
			t.Error("expected contents in request body")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates": [{"content": {"parts": [
				{"text": "thinking...", "thought": true},
				{"text": "Hello!"}
			]}}],
			"usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 2}
		}`))
	}))
	defer srv.Close()

	orig := baseURL
	baseURL = srv.URL
	defer func() { baseURL = orig }()

	g := New("test-key", "gemini-2.0-flash")

	resp, err := g.Chat(context.Background(), engine.ChatRequest{
		Messages: []engine.ChatMessage{engine.UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	// Thought parts are skipped; only the answer text survives.
	if resp.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 5 {
		t.Errorf("expected 5 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 2 {
		t.Errorf("expected 2 output tokens, got %d", resp.Usage.OutputTokens)
	}
}

func TestGemini_ChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"details": [
			{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "13s"}
		]}}`))
	}))
	defer srv.Close()

	orig := baseURL
	baseURL = srv.URL
	defer func() { baseURL = orig }()

	g := New("test-key", "gemini-2.0-flash")

	_, err := g.Chat(context.Background(), engine.ChatRequest{
		Messages: []engine.ChatMessage{engine.UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}

	var httpErr *engine.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *engine.ErrHTTP, got %T", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", httpErr.Status)
	}
	if httpErr.RetryAfter != 13*time.Second {
		t.Errorf("expected Retry-After 13s, got %v", httpErr.RetryAfter)
	}
}

func TestGemini_Name(t *testing.T) {
	if got := testGemini().Name(); got != "gemini" {
		t.Errorf("Name() = %q, want %q", got, "gemini")
	}
}

func TestParseRetryInfo(t *testing.T) {
	tests := []struct {
		name string
		body string
		want time.Duration
	}{
		{
			"retry info present",
			`{"error": {"details": [{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "30s"}]}}`,
			30 * time.Second,
		},
		{
			"other detail types ignored",
			`{"error": {"details": [{"@type": "type.googleapis.com/google.rpc.ErrorInfo", "reason": "RATE_LIMIT_EXCEEDED"}]}}`,
			0,
		},
		{"not json", `rate limited`, 0},
		{"empty body", ``, 0},
		{"unparseable delay", `{"error": {"details": [{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "soon"}]}}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryInfo(tt.body); got != tt.want {
				t.Errorf("parseRetryInfo(%q) = %v, want %v", tt.body, got, tt.want)
			}
		})
	}
}
