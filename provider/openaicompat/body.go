package openaicompat

import (
	"github.com/ninthseat/engine"
)

// BuildBody converts engine chat messages and a model name into a chat
// completions request body. System messages stay in the messages array as
// role "system". Options configure generation parameters and are applied
// in order, so later options win.
func BuildBody(messages []engine.ChatMessage, model string, opts ...Option) ChatRequest {
	msgs := make([]Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}
