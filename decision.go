package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DecisionClient produces one raw model reply for a node decision. Reply
// parsing, validation, and the corrective retry live in the decision
// loop, so implementations stay single-shot and interchangeable.
type DecisionClient interface {
	Decide(ctx context.Context, systemPrompt, userText, schemaText string) (string, error)
}

// ToolRequest is the tool invocation half of a decision.
type ToolRequest struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Reason string         `json:"reason"`
}

// AgentDecision is one validated model reply: either a tool request or
// the node's final output.
type AgentDecision struct {
	Action      string         `json:"action"`
	StatusNote  string         `json:"status_note"`
	Summary     string         `json:"summary"`
	Details     map[string]any `json:"details"`
	Data        map[string]any `json:"data"`
	ToolRequest *ToolRequest   `json:"tool_request"`
}

// Field limits enforced on decisions. Overlong values are clamped rather
// than rejected; a garbled tool name simply fails the lookup later.
const (
	maxDecisionTool       = 64
	maxDecisionReason     = 400
	maxDecisionStatusNote = 500
	maxDecisionSummary    = 6000
)

// decisionSchema mirrors the wire shape of AgentDecision so the model
// sees the name, type, and limit of every field it may set.
func decisionSchema() map[string]any {
	return map[string]any{
		"$defs": map[string]any{
			"ToolRequest": map[string]any{
				"type":  "object",
				"title": "ToolRequest",
				"properties": map[string]any{
					"tool":   map[string]any{"type": "string", "minLength": 1, "maxLength": 64, "title": "Tool"},
					"args":   map[string]any{"type": "object", "additionalProperties": true, "title": "Args"},
					"reason": map[string]any{"type": "string", "default": "", "maxLength": 400, "title": "Reason"},
				},
				"required": []any{"tool"},
			},
		},
		"type":  "object",
		"title": "AgentDecision",
		"properties": map[string]any{
			"action":      map[string]any{"type": "string", "enum": []any{"tool", "final"}, "default": "final", "title": "Action"},
			"status_note": map[string]any{"type": "string", "default": "", "maxLength": 500, "title": "Status Note"},
			"summary":     map[string]any{"type": "string", "default": "", "maxLength": 6000, "title": "Summary"},
			"details":     map[string]any{"type": "object", "additionalProperties": true, "title": "Details"},
			"data":        map[string]any{"type": "object", "additionalProperties": true, "title": "Data"},
			"tool_request": map[string]any{
				"anyOf":   []any{map[string]any{"$ref": "#/$defs/ToolRequest"}, map[string]any{"type": "null"}},
				"default": nil,
			},
		},
	}
}

// decisionSchemaText renders the reply instructions appended to every
// decision request. Each client decides whether it rides on the system
// prompt or the user text.
func decisionSchemaText() string {
	return "\n\nReturn a JSON object matching this schema (fields may be empty when unused):\n" +
		Preview(decisionSchema(), 12000)
}

// correctiveRetryText builds the follow-up sent after a reply failed to
// parse, quoting the offending reply back to the model.
func correctiveRetryText(lastRaw string) string {
	return "Your previous response was invalid JSON. Return ONLY corrected JSON. " +
		"Do not add commentary or markdown fences.\n\nPrevious response:\n" +
		Truncate(lastRaw, 4000)
}

// --- parsing ---

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// parseDecision extracts and validates the JSON decision object from a
// raw model reply. Markdown fences and prose around the object are
// tolerated; parse failures carry a preview of the offending reply.
func parseDecision(raw string) (*AgentDecision, error) {
	obj, err := parseDecisionObject(raw)
	if err != nil {
		return nil, decisionParseError(err, raw)
	}
	decision, err := decisionFromObject(obj)
	if err != nil {
		return nil, decisionParseError(err, raw)
	}
	return decision, nil
}

func parseDecisionObject(raw string) (map[string]any, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, errors.New("Model returned empty content for runtime agent decision")
	}
	if m := fencedJSONPattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	var direct any
	if err := json.Unmarshal([]byte(text), &direct); err == nil {
		obj, ok := direct.(map[string]any)
		if !ok {
			return nil, errors.New("Model returned non-object JSON for runtime agent decision")
		}
		return obj, nil
	}

	if obj := lastEmbeddedObject(text); obj != nil {
		return obj, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.New("Model did not return a JSON object for runtime agent decision")
	}
	var sliced any
	if err := json.Unmarshal([]byte(text[start:end+1]), &sliced); err != nil {
		return nil, fmt.Errorf("Model returned invalid JSON for runtime agent decision: %v", err)
	}
	obj, ok := sliced.(map[string]any)
	if !ok {
		return nil, errors.New("Model returned non-object JSON for runtime agent decision")
	}
	return obj, nil
}

// lastEmbeddedObject decodes every JSON object embedded in text and
// returns the last one, skipping prose before, between, and after them.
func lastEmbeddedObject(text string) map[string]any {
	var last map[string]any
	idx := 0
	for idx < len(text) {
		offset := strings.Index(text[idx:], "{")
		if offset < 0 {
			break
		}
		start := idx + offset
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var candidate any
		if err := dec.Decode(&candidate); err != nil {
			idx = start + 1
			continue
		}
		if obj, ok := candidate.(map[string]any); ok {
			last = obj
		}
		idx = start + int(dec.InputOffset())
	}
	return last
}

func decisionParseError(err error, raw string) error {
	preview := strings.TrimSpace(raw)
	if preview == "" {
		return err
	}
	return fmt.Errorf("%s | Raw preview: %s", err.Error(), Truncate(preview, 800))
}

// decisionFromObject validates the parsed object into an AgentDecision.
// A missing action defaults to final; an unrecognized one is an error.
// An empty tool name drops the whole tool_request so the loop reports it
// as a missing payload instead of failing the node.
func decisionFromObject(obj map[string]any) (*AgentDecision, error) {
	action := strings.ToLower(strings.TrimSpace(decisionString(obj, "action")))
	if action == "" {
		action = "final"
	}
	if action != "tool" && action != "final" {
		return nil, fmt.Errorf("Model returned unsupported action %q for runtime agent decision", action)
	}

	decision := &AgentDecision{
		Action:     action,
		StatusNote: Truncate(decisionString(obj, "status_note"), maxDecisionStatusNote),
		Summary:    Truncate(decisionString(obj, "summary"), maxDecisionSummary),
	}
	if m, ok := obj["details"].(map[string]any); ok {
		decision.Details = m
	}
	if m, ok := obj["data"].(map[string]any); ok {
		decision.Data = m
	}
	if tr, ok := obj["tool_request"].(map[string]any); ok {
		req := &ToolRequest{
			Tool:   Truncate(strings.TrimSpace(decisionString(tr, "tool")), maxDecisionTool),
			Reason: Truncate(decisionString(tr, "reason"), maxDecisionReason),
			Args:   map[string]any{},
		}
		if args, ok := tr["args"].(map[string]any); ok {
			req.Args = args
		}
		if req.Tool != "" {
			decision.ToolRequest = req
		}
	}
	return decision, nil
}

func decisionString(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// --- clients ---

// NewJSONDecisionClient returns the preferred decision client for
// chat-completions providers supporting the json_object response format.
// The reply schema rides on the system prompt.
func NewJSONDecisionClient(p Provider) DecisionClient {
	return &jsonDecisionClient{provider: p}
}

type jsonDecisionClient struct {
	provider Provider
}

func (c *jsonDecisionClient) Decide(ctx context.Context, systemPrompt, userText, schemaText string) (string, error) {
	temp := 0.0
	resp, err := c.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(systemPrompt + schemaText),
			UserMessage(userText),
		},
		ForceJSONObject: true,
		Temperature:     &temp,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// NewPlainDecisionClient returns the fallback client for providers
// without a JSON response format. The schema is appended to the user
// text so prompt-only guidance still reaches the model.
func NewPlainDecisionClient(p Provider) DecisionClient {
	return &plainDecisionClient{provider: p}
}

type plainDecisionClient struct {
	provider Provider
}

func (c *plainDecisionClient) Decide(ctx context.Context, systemPrompt, userText, schemaText string) (string, error) {
	temp := 0.0
	resp, err := c.provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(systemPrompt),
			UserMessage(userText + schemaText),
		},
		Temperature: &temp,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
