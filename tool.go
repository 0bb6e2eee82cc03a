package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ToolDefinition describes one callable tool: its JSON-schema arguments
// and the limitations the model should know about before calling it.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"input_schema"`
	Limitations []string        `json:"limitations,omitempty"`
}

// Tool is a capability exposed to workflow agents. A single Tool value
// may serve several named definitions (a workspace tool exposes list,
// read, write, and exec under one implementation).
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// Toolset is the per-run tool registry. Tools are bound to the run's
// workspace when the set is assembled, so execution needs no additional
// context beyond the arguments.
type Toolset struct {
	tools []Tool
	index map[string]Tool
}

// NewToolset assembles a registry from the given tools.
func NewToolset(tools ...Tool) *Toolset {
	ts := &Toolset{index: map[string]Tool{}}
	for _, t := range tools {
		ts.Add(t)
	}
	return ts
}

// Add registers a tool under every name it defines.
func (ts *Toolset) Add(t Tool) {
	if t == nil {
		return
	}
	ts.tools = append(ts.tools, t)
	for _, def := range t.Definitions() {
		ts.index[def.Name] = t
	}
}

// Definitions lists every tool definition in registration order.
func (ts *Toolset) Definitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range ts.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Run executes a named tool and wraps its result with call metadata.
func (ts *Toolset) Run(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	tool, ok := ts.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	started := time.Now()
	result, err := tool.Execute(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tool":        name,
		"ok":          true,
		"duration_ms": round2(float64(time.Since(started)) / float64(time.Millisecond)),
		"result":      result,
	}, nil
}

// DecodeToolArgs converts loosely typed call arguments into a tool's
// typed argument struct.
func DecodeToolArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// catalogForModel compacts tool definitions into the shape embedded in
// agent prompts: argument names with short descriptions plus the
// limitation notes, never the full JSON schema.
func catalogForModel(defs []ToolDefinition) []map[string]any {
	catalog := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		properties := map[string]any{}
		required := []string{}
		var schema map[string]any
		if len(def.Parameters) > 0 {
			_ = json.Unmarshal(def.Parameters, &schema)
		}
		if schema != nil {
			if rawProps, ok := schema["properties"].(map[string]any); ok {
				names := make([]string, 0, len(rawProps))
				for name := range rawProps {
					names = append(names, name)
				}
				sort.Strings(names)
				if len(names) > 20 {
					names = names[:20]
				}
				for _, name := range names {
					prop, ok := rawProps[name].(map[string]any)
					if !ok {
						continue
					}
					description := ""
					if s, ok := prop["description"].(string); ok {
						description = s
					}
					properties[name] = map[string]any{
						"type":        prop["type"],
						"description": Truncate(description, 240),
						"enum":        Sanitize(prop["enum"], limits(5, 12, 120)),
					}
				}
			}
			if rawRequired, ok := schema["required"].([]any); ok {
				for _, item := range rawRequired {
					if len(required) >= 20 {
						break
					}
					required = append(required, fmt.Sprint(item))
				}
			}
		}
		limitations := def.Limitations
		if limitations == nil {
			limitations = []string{}
		}
		catalog = append(catalog, map[string]any{
			"name":          def.Name,
			"description":   def.Description,
			"required_args": required,
			"args":          properties,
			"limitations":   Sanitize(limitations, limits(5, 8, 200)),
		})
	}
	return catalog
}

// sanitizeToolResult bounds a raw tool result before it is stored in step
// history or logged.
func sanitizeToolResult(result any) any {
	return Sanitize(result, limits(6, 15, 6000))
}

// --- workspace references ---

const maxWorkspaceRefs = 120

var workspaceRefStringKeys = []string{"kind", "role", "operation", "sourceTool", "status", "note", "purpose", "cwd"}

// normalizeWorkspaceRef coerces a model- or tool-provided reference into
// the canonical {path, kind, operation, ...} form, or nil when unusable.
func normalizeWorkspaceRef(value any) map[string]any {
	if s, ok := value.(string); ok {
		path := strings.TrimSpace(s)
		if path == "" {
			return nil
		}
		return map[string]any{"path": path, "kind": "file"}
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	path := firstNonEmptyString(m["path"], m["file"], m["relativePath"])
	if path == "" {
		return nil
	}
	ref := map[string]any{"path": path}
	for _, key := range workspaceRefStringKeys {
		if s, ok := m[key].(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				ref[key] = clipRunes(trimmed, 240)
			}
		}
	}
	for _, key := range []string{"sizeBytes", "fileCount"} {
		switch n := m[key].(type) {
		case float64:
			ref[key] = n
		case int:
			ref[key] = n
		case int64:
			ref[key] = n
		}
	}
	return ref
}

func firstNonEmptyString(values ...any) string {
	for _, v := range values {
		if v == nil {
			continue
		}
		var s string
		if typed, ok := v.(string); ok {
			s = typed
		} else {
			s = fmt.Sprint(v)
		}
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// workspaceRefsFromToolResult derives workspace references from the
// wrapped result of a workspace tool call so downstream agents learn
// about files even when the model forgets to report them.
func workspaceRefsFromToolResult(toolName string, toolResult map[string]any) []map[string]any {
	result, ok := toolResult["result"].(map[string]any)
	if !ok {
		return nil
	}

	var refs []map[string]any
	add := func(ref map[string]any) {
		if normalized := normalizeWorkspaceRef(ref); normalized != nil {
			refs = append(refs, normalized)
		}
	}

	switch toolName {
	case "workspace_write_file":
		mode := ""
		if s, ok := result["mode"].(string); ok {
			mode = strings.ToLower(strings.TrimSpace(s))
		}
		if mode == "batch" {
			written, _ := result["written_files"].([]any)
			if len(written) > 80 {
				written = written[:80]
			}
			for _, item := range written {
				if m, ok := item.(map[string]any); ok {
					add(map[string]any{
						"path":       m["path"],
						"kind":       "file",
						"operation":  "write",
						"sourceTool": toolName,
						"sizeBytes":  m["size_bytes"],
					})
				}
			}
		} else {
			add(map[string]any{
				"path":       result["path"],
				"kind":       "file",
				"operation":  "write",
				"sourceTool": toolName,
				"sizeBytes":  result["size_bytes"],
			})
		}
	case "workspace_read_file":
		add(map[string]any{
			"path":       result["path"],
			"kind":       "file",
			"operation":  "read",
			"sourceTool": toolName,
			"sizeBytes":  result["size_bytes"],
		})
	case "workspace_exec":
		cwd := "."
		if s, ok := result["cwd"].(string); ok && s != "" {
			cwd = s
		}
		add(map[string]any{
			"path":       result["script_path"],
			"kind":       "script",
			"operation":  "exec",
			"sourceTool": toolName,
			"cwd":        cwd,
		})
		artifacts, _ := result["artifacts"].([]any)
		if len(artifacts) > 80 {
			artifacts = artifacts[:80]
		}
		for _, item := range artifacts {
			if m, ok := item.(map[string]any); ok {
				add(map[string]any{
					"path":       m["path"],
					"kind":       "file",
					"operation":  "exec_artifact",
					"sourceTool": toolName,
					"sizeBytes":  m["size_bytes"],
				})
			}
		}
	case "workspace_list_files":
		add(map[string]any{
			"path":       result["path"],
			"kind":       "directory",
			"operation":  "list",
			"sourceTool": toolName,
			"fileCount":  result["count"],
		})
	}
	return refs
}

// mergeWorkspaceRefs combines reference groups, deduplicating on the
// path/operation/kind/sourceTool tuple and capping the total.
func mergeWorkspaceRefs(groups ...any) []map[string]any {
	merged := []map[string]any{}
	seen := map[string]bool{}
	for _, group := range groups {
		var items []any
		switch typed := group.(type) {
		case nil:
			continue
		case []any:
			items = typed
		case []map[string]any:
			for _, m := range typed {
				items = append(items, m)
			}
		default:
			items = []any{group}
		}
		for _, item := range items {
			normalized := normalizeWorkspaceRef(item)
			if normalized == nil {
				continue
			}
			key := strings.Join([]string{
				refString(normalized, "path"),
				refString(normalized, "operation"),
				refString(normalized, "kind"),
				refString(normalized, "sourceTool"),
			}, "|")
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, normalized)
			if len(merged) >= maxWorkspaceRefs {
				return merged
			}
		}
	}
	return merged
}

func refString(ref map[string]any, key string) string {
	if s, ok := ref[key].(string); ok {
		return s
	}
	return ""
}
