package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// HandoffPacket is the structured payload carried along one edge from a
// finished source node to its target. The payload is extracted from the
// source output according to the edge's handoff contract.
type HandoffPacket struct {
	ID                    string         `json:"id"`
	Label                 string         `json:"label"`
	PacketType            string         `json:"packetType"`
	FromNodeID            string         `json:"fromNodeId"`
	FromNodeName          string         `json:"fromNodeName"`
	ToNodeID              string         `json:"toNodeId"`
	ToNodeName            string         `json:"toNodeName"`
	Summary               string         `json:"summary"`
	Payload               map[string]any `json:"payload"`
	Schema                HandoffSchema  `json:"schema"`
	MissingRequiredFields []string       `json:"missingRequiredFields"`
	GeneratedAt           time.Time      `json:"generatedAt"`
}

// HandoffSchema reports how each contract field resolved against the
// source output.
type HandoffSchema struct {
	Fields []HandoffFieldResult `json:"fields"`
}

type HandoffFieldResult struct {
	TargetKey   string `json:"targetKey"`
	SourcePath  string `json:"sourcePath"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Resolved    bool   `json:"resolved"`
	Description string `json:"description"`
}

func (p HandoffPacket) clone() HandoffPacket {
	clone := p
	clone.Payload = cloneMap(p.Payload)
	clone.Schema.Fields = append([]HandoffFieldResult(nil), p.Schema.Fields...)
	clone.MissingRequiredFields = append([]string(nil), p.MissingRequiredFields...)
	return clone
}

// slugify lowercases a label into a packet-type identifier.
func slugify(value, fallback string) string {
	var b strings.Builder
	for _, ch := range value {
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) {
			b.WriteRune(unicode.ToLower(ch))
		} else {
			b.WriteByte('_')
		}
	}
	safe := b.String()
	for strings.Contains(safe, "__") {
		safe = strings.ReplaceAll(safe, "__", "_")
	}
	safe = strings.Trim(safe, "_")
	if safe == "" {
		return fallback
	}
	return safe
}

// clipRunes keeps at most n runes without adding an ellipsis.
func clipRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

var handoffFieldTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"array": true, "object": true, "json": true, "any": true,
}

// defaultHandoffContract is applied when an edge carries no usable
// contract: pass the summary, the structured details, and any workspace
// references downstream.
func defaultHandoffContract(edge Edge) HandoffContract {
	label := edge.Handoff
	if strings.TrimSpace(label) == "" {
		label = "handoff_packet"
	}
	return HandoffContract{
		PacketType: slugify(label, "handoff_packet"),
		Fields: []HandoffField{
			{
				TargetKey:   "summary",
				SourcePath:  "summary",
				Type:        "string",
				Required:    true,
				Description: "Primary summary from the source agent output.",
			},
			{
				TargetKey:   "details",
				SourcePath:  "details",
				Type:        "object",
				Required:    false,
				Description: "Structured source agent details for downstream use.",
			},
			{
				TargetKey:   "workspaceRefs",
				SourcePath:  "data.workspaceRefs",
				Type:        "array",
				Required:    false,
				Description: "Shared workspace file references created/used by the source agent.",
			},
		},
	}
}

// normalizeHandoffContract cleans a declared contract and falls back to
// the default one when nothing usable remains.
func normalizeHandoffContract(edge Edge) HandoffContract {
	defaults := defaultHandoffContract(edge)
	raw := edge.HandoffContract
	if raw == nil {
		return defaults
	}

	packetType := slugify(strings.TrimSpace(raw.PacketType), defaults.PacketType)

	fields := make([]HandoffField, 0, len(raw.Fields))
	limit := len(raw.Fields)
	if limit > maxContractFields {
		limit = maxContractFields
	}
	for _, item := range raw.Fields[:limit] {
		targetKey := strings.TrimSpace(item.TargetKey)
		sourcePath := strings.TrimSpace(item.SourcePath)
		if targetKey == "" || sourcePath == "" {
			continue
		}
		fieldType := strings.ToLower(strings.TrimSpace(item.Type))
		if fieldType == "" || !handoffFieldTypes[fieldType] {
			fieldType = "any"
		}
		fields = append(fields, HandoffField{
			TargetKey:   clipRunes(targetKey, 80),
			SourcePath:  clipRunes(sourcePath, 160),
			Type:        fieldType,
			Required:    item.Required,
			Description: clipRunes(strings.TrimSpace(item.Description), 240),
		})
	}
	if len(fields) == 0 {
		fields = defaults.Fields
	}
	return HandoffContract{
		PacketType: clipRunes(packetType, 80),
		Fields:     fields,
	}
}

// jsonPathGet resolves a dot path inside a JSON-ish value. List segments
// must be non-negative integers. "." , "$" and "output" address the whole
// value; a leading "output." prefix is ignored.
func jsonPathGet(data any, sourcePath string) (any, bool) {
	path := strings.TrimSpace(sourcePath)
	if path == "" {
		return nil, false
	}
	if path == "." || path == "$" || path == "output" {
		return data, true
	}
	path = strings.TrimPrefix(path, "output.")
	current := data
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		switch typed := current.(type) {
		case map[string]any:
			value, ok := typed[part]
			if !ok {
				return nil, false
			}
			current = value
		case []any:
			index, err := strconv.Atoi(part)
			if err != nil || index < 0 || index >= len(typed) {
				return nil, false
			}
			current = typed[index]
		default:
			return nil, false
		}
	}
	return current, true
}

// coerceHandoffValue converts an extracted value to the contract field
// type, returning nil when conversion is impossible.
func coerceHandoffValue(value any, fieldType string) any {
	if value == nil {
		return nil
	}
	switch fieldType {
	case "any", "json":
		return Clone(value)
	case "string":
		if s, ok := value.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", value)
	case "number":
		switch typed := value.(type) {
		case bool:
			if typed {
				return 1
			}
			return 0
		case int:
			return typed
		case int64:
			return typed
		case float64:
			return typed
		case string:
			if strings.Contains(typed, ".") {
				if f, err := strconv.ParseFloat(typed, 64); err == nil {
					return f
				}
				return nil
			}
			if n, err := strconv.Atoi(typed); err == nil {
				return n
			}
			return nil
		}
		return nil
	case "boolean":
		switch typed := value.(type) {
		case bool:
			return typed
		case int:
			return typed != 0
		case int64:
			return typed != 0
		case float64:
			return typed != 0
		case string:
			switch strings.ToLower(strings.TrimSpace(typed)) {
			case "true", "1", "yes", "y":
				return true
			case "false", "0", "no", "n":
				return false
			}
		}
		return nil
	case "array":
		if list, ok := value.([]any); ok {
			return Clone(list)
		}
		return []any{Clone(value)}
	case "object":
		if m, ok := value.(map[string]any); ok {
			return Clone(m)
		}
		return map[string]any{"value": Clone(value)}
	}
	return Clone(value)
}

// buildHandoffPacket extracts the contract payload from a source node
// output and wraps it with routing metadata for the target node.
func buildHandoffPacket(edge Edge, sourceOutput any, sourceName, targetName string) *HandoffPacket {
	contract := normalizeHandoffContract(edge)
	payload := map[string]any{}
	missing := []string{}
	results := make([]HandoffFieldResult, 0, len(contract.Fields))

	for _, field := range contract.Fields {
		raw, found := jsonPathGet(sourceOutput, field.SourcePath)
		if !found && field.Required {
			missing = append(missing, field.TargetKey)
		}
		var coerced any
		if found {
			coerced = coerceHandoffValue(raw, field.Type)
		}
		if field.TargetKey != "" {
			payload[field.TargetKey] = coerced
		}
		results = append(results, HandoffFieldResult{
			TargetKey:   field.TargetKey,
			SourcePath:  field.SourcePath,
			Type:        field.Type,
			Required:    field.Required,
			Resolved:    found,
			Description: field.Description,
		})
	}

	packetSummary := ""
	if s, ok := payload["summary"].(string); ok && strings.TrimSpace(s) != "" {
		packetSummary = strings.TrimSpace(s)
	} else if out, ok := sourceOutput.(map[string]any); ok {
		if s, ok := out["summary"].(string); ok {
			packetSummary = strings.TrimSpace(s)
		}
	}
	if sourceName == "" {
		sourceName = edge.Source
	}
	if targetName == "" {
		targetName = edge.Target
	}
	if packetSummary == "" {
		packetSummary = fmt.Sprintf("Handoff from %s to %s.", sourceName, targetName)
	}

	return &HandoffPacket{
		ID:                    newHandoffID(),
		Label:                 strings.TrimSpace(edge.Handoff),
		PacketType:            contract.PacketType,
		FromNodeID:            edge.Source,
		FromNodeName:          sourceName,
		ToNodeID:              edge.Target,
		ToNodeName:            targetName,
		Summary:               Truncate(packetSummary, 240),
		Payload:               payload,
		Schema:                HandoffSchema{Fields: results},
		MissingRequiredFields: missing,
		GeneratedAt:           nowUTC(),
	}
}
