// Package openaicompat implements the engine Provider over any
// OpenAI-compatible chat completions API.
//
// Works with OpenAI, Groq, Together, Fireworks, DeepSeek, Mistral, Ollama,
// vLLM, LM Studio, Azure OpenAI, and any other endpoint that speaks the
// chat completions protocol. The engine only needs single-shot text
// completions, so the wire types cover that path: messages in, one choice
// out, optional json_object response format.
package openaicompat

import "encoding/json"

// --- Request types ---

// ChatRequest is the chat completions request body.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	Seed           *int            `json:"seed,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat constrains the completion output. The engine asks for
// "json_object" when it wants a bare JSON reply; decision parsing copes
// when a provider ignores the hint.
type ResponseFormat struct {
	Type string `json:"type"`
}

// Message is a single message in the chat completions format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// --- Response types ---

// ChatResponse is the chat completions response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int            `json:"index"`
	Message      *ChoiceMessage `json:"message,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// ChoiceMessage is the assistant message within a choice. Content stays
// raw because some compatible providers return a list of typed text
// blocks instead of a plain string.
type ChoiceMessage struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ContentBlock is one entry of a segmented response content list.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
