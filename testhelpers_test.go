package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// --- decision client fakes (shared across loop, scheduler, stream tests) ---

// scriptedClient replays canned raw replies in call order. When the
// script runs out the last reply repeats, which keeps repetition tests
// short. errs overrides individual calls with transport-level failures.
type scriptedClient struct {
	mu      sync.Mutex
	replies []string
	errs    map[int]error
	calls   []decisionCall
	onCall  func(call int)
}

type decisionCall struct {
	system string
	user   string
	schema string
}

func (c *scriptedClient) Decide(_ context.Context, systemPrompt, userText, schemaText string) (string, error) {
	c.mu.Lock()
	idx := len(c.calls)
	c.calls = append(c.calls, decisionCall{system: systemPrompt, user: userText, schema: schemaText})
	hook := c.onCall
	var raw string
	var err error
	switch {
	case c.errs[idx] != nil:
		err = c.errs[idx]
	case idx < len(c.replies):
		raw = c.replies[idx]
	case len(c.replies) > 0:
		raw = c.replies[len(c.replies)-1]
	default:
		err = errors.New("scripted client has no reply")
	}
	c.mu.Unlock()
	if hook != nil {
		hook(idx)
	}
	return raw, err
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *scriptedClient) call(i int) decisionCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

// rawReply marshals decision fields into the JSON a model would return.
func rawReply(fields map[string]any) string {
	b, _ := json.Marshal(fields)
	return string(b)
}

func finalReply(summary string) string {
	return rawReply(map[string]any{"action": "final", "summary": summary})
}

func toolReply(tool, reason string, args map[string]any) string {
	return rawReply(map[string]any{
		"action": "tool",
		"tool_request": map[string]any{
			"tool":   tool,
			"reason": reason,
			"args":   args,
		},
	})
}

// --- provider fake ---

type fakeProvider struct {
	mu   sync.Mutex
	reqs []ChatRequest
	resp ChatResponse
	err  error
}

func (p *fakeProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	return p.resp, p.err
}

func (p *fakeProvider) Name() string { return "fake" }

// --- tool fakes ---

// stubTool serves its definitions with one Execute function and records
// every call.
type stubTool struct {
	mu    sync.Mutex
	defs  []ToolDefinition
	fn    func(name string, args map[string]any) (map[string]any, error)
	calls []stubToolCall
}

type stubToolCall struct {
	name string
	args map[string]any
}

func (s *stubTool) Definitions() []ToolDefinition { return s.defs }

func (s *stubTool) Execute(_ context.Context, name string, args map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, stubToolCall{name: name, args: args})
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(name, args)
	}
	return map[string]any{"ok": true}, nil
}

func (s *stubTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func namedStubTool(name string, fn func(name string, args map[string]any) (map[string]any, error)) *stubTool {
	return &stubTool{
		defs: []ToolDefinition{{Name: name, Description: "test tool " + name}},
		fn:   fn,
	}
}

// --- templates ---

func singleNodeTemplate() Template {
	return Template{
		ID:     "wf-solo",
		Name:   "Solo Flow",
		Prompt: "Do the one thing",
		Nodes: []Node{
			{ID: "solo", Name: "Solo", Role: "Generalist", Objective: "Complete the task"},
		},
	}
}

func linearTemplate() Template {
	return Template{
		ID:      "wf-linear",
		Name:    "Linear Flow",
		Prompt:  "Research the topic and write a report",
		Summary: "Two step research pipeline",
		Nodes: []Node{
			{ID: "research", Name: "Research", Role: "Researcher", Objective: "Collect the facts"},
			{ID: "write", Name: "Writer", Role: "Writer", Objective: "Write the report"},
		},
		Edges: []Edge{
			{Source: "research", Target: "write", Handoff: "research findings"},
		},
	}
}

func diamondTemplate() Template {
	return Template{
		ID:     "wf-diamond",
		Name:   "Diamond Flow",
		Prompt: "Fan out and merge",
		Nodes: []Node{
			{ID: "intake", Name: "Intake", Role: "Coordinator", Objective: "Split the work"},
			{ID: "alpha", Name: "Alpha", Role: "Worker", Objective: "Handle branch A"},
			{ID: "beta", Name: "Beta", Role: "Worker", Objective: "Handle branch B"},
			{ID: "merge", Name: "Merge", Role: "Editor", Objective: "Combine the branches"},
		},
		Edges: []Edge{
			{Source: "intake", Target: "alpha", Handoff: "branch a brief"},
			{Source: "intake", Target: "beta", Handoff: "branch b brief"},
			{Source: "alpha", Target: "merge", Handoff: "branch a result"},
			{Source: "beta", Target: "merge", Handoff: "branch b result"},
		},
	}
}

// --- registry helpers ---

// newTestRegistry builds a registry writing artifacts under the test's
// temp dir, with a fast stream poll. Cleanup closes it.
func newTestRegistry(t *testing.T, client DecisionClient, opts ...RegistryOption) *Registry {
	t.Helper()
	base := []RegistryOption{
		WithArtifactsRoot(t.TempDir()),
		WithStreamPoll(2 * time.Millisecond),
	}
	reg := NewRegistry(client, append(base, opts...)...)
	t.Cleanup(reg.Close)
	return reg
}

// waitForRun blocks until the run's worker goroutine has settled, then
// returns the terminal view.
func waitForRun(t *testing.T, reg *Registry, runID string) *Run {
	t.Helper()
	reg.mu.Lock()
	run, ok := reg.runs[runID]
	reg.mu.Unlock()
	if !ok {
		t.Fatalf("run %s is not registered", runID)
	}
	select {
	case <-run.meta.done:
	case <-time.After(10 * time.Second):
		t.Fatalf("run %s did not settle in time", runID)
	}
	view := reg.Get(runID)
	if view == nil {
		t.Fatalf("run %s disappeared after settling", runID)
	}
	return view
}

// findLogs returns every run-level log entry with the given title, in
// log order.
func findLogs(run *Run, title string) []LogEntry {
	var out []LogEntry
	for _, entry := range run.Logs {
		if entry.Title == title {
			out = append(out, entry)
		}
	}
	return out
}

// logPayload asserts the entry payload is an object and returns it.
func logPayload(t *testing.T, entry LogEntry) map[string]any {
	t.Helper()
	payload, ok := entry.Payload.(map[string]any)
	if !ok {
		t.Fatalf("log %q payload = %T, want object", entry.Title, entry.Payload)
	}
	return payload
}

// collectEvents streams a run from lastSeq until the stream closes and
// returns everything received. The deadline guards against streams that
// never complete.
func collectEvents(t *testing.T, reg *Registry, runID string, lastSeq int) []StreamEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch := make(chan StreamEvent, 256)
	go reg.StreamRunEvents(ctx, runID, lastSeq, ch)
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if ctx.Err() != nil {
		t.Fatalf("stream for run %s did not complete before the deadline", runID)
	}
	return events
}
