// Package sandboxexec exposes the sandbox runners as the sandbox_exec tool.
package sandboxexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ninthseat/engine"
	"github.com/ninthseat/engine/sandbox"
)

// Tool runs agent-authored Python or Bash snippets through a sandbox.Runner.
type Tool struct {
	runner sandbox.Runner
	logger *slog.Logger
}

var _ engine.Tool = (*Tool)(nil)

// New creates the sandbox_exec tool on top of the given runner.
func New(runner sandbox.Runner, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tool{runner: runner, logger: logger}
}

func (t *Tool) Definitions() []engine.ToolDefinition {
	return []engine.ToolDefinition{{
		Name:        "sandbox_exec",
		Description: "Run Python or Bash in a temporary directory with timeout and basic resource limits.",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"language":{"type":"string","description":"Interpreter to use (default python)","enum":["python","bash"]},` +
			`"code":{"type":"string","description":"Program source, written to main.py or main.sh"},` +
			`"stdin":{"type":"string","description":"Text piped to the program's standard input"},` +
			`"timeout_seconds":{"type":"number","description":"Wall-clock limit in seconds (default 5, max 30)"},` +
			`"memory_limit_mb":{"type":"integer","description":"Address-space limit in MiB (32-1024, default 256)"},` +
			`"max_output_chars":{"type":"integer","description":"Per-stream output cap (200-200000, default 20000)"},` +
			`"files":{"type":"object","description":"Seed files as relative path to content, max 20"}},` +
			`"required":["code"]}`),
		Limitations: []string{
			"Not a hardened security sandbox; intended for trusted/internal MVP usage.",
			"Execution captures stdout/stderr and a small artifact listing only.",
		},
	}}
}

type execArgs struct {
	Language       string            `json:"language"`
	Code           string            `json:"code"`
	Stdin          string            `json:"stdin"`
	TimeoutSeconds *float64          `json:"timeout_seconds"`
	MemoryLimitMB  *int              `json:"memory_limit_mb"`
	MaxOutputChars *int              `json:"max_output_chars"`
	Files          map[string]string `json:"files"`
}

func (t *Tool) Execute(ctx context.Context, _ string, args map[string]any) (map[string]any, error) {
	var params execArgs
	if err := engine.DecodeToolArgs(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	req := sandbox.Request{
		Language: params.Language,
		Code:     params.Code,
		Stdin:    params.Stdin,
		Files:    params.Files,
	}
	req.ApplyDefaults()
	// Explicit values override defaults so out-of-range zeros still fail
	// validation instead of being silently replaced.
	if params.TimeoutSeconds != nil {
		req.TimeoutSeconds = *params.TimeoutSeconds
	}
	if params.MemoryLimitMB != nil {
		req.MemoryLimitMB = *params.MemoryLimitMB
	}
	if params.MaxOutputChars != nil {
		req.MaxOutputChars = *params.MaxOutputChars
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res, err := t.runner.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("sandbox_exec finished",
		"backend", t.runner.Name(), "language", res.Language,
		"timed_out", res.TimedOut, "duration_ms", res.DurationMs)
	return resultMap(res)
}

// resultMap converts the typed result into the tool wire shape, keeping
// null return_code for timeouts.
func resultMap(res sandbox.Result) (map[string]any, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
