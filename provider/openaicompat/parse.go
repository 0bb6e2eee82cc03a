package openaicompat

import (
	"encoding/json"
	"strings"

	"github.com/ninthseat/engine"
)

// ParseResponse converts a chat completions response to an engine
// ChatResponse. Content and usage come from choices[0]; an empty choices
// array is an ErrLLM because the engine has nothing to parse.
func ParseResponse(name string, resp ChatResponse) (engine.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return engine.ChatResponse{}, &engine.ErrLLM{Provider: name, Message: "chat completion returned no choices"}
	}

	var out engine.ChatResponse
	if msg := resp.Choices[0].Message; msg != nil {
		out.Content = extractText(msg.Content)
	}
	if resp.Usage != nil {
		out.Usage = engine.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// extractText handles both response content shapes: a plain string, or a
// list of typed blocks whose text parts are joined with newlines.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
