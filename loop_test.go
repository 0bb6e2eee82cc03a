package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func soloSnapshot() runSnapshot {
	return runSnapshot{
		RunID:          "wfr_test",
		WorkflowID:     "wf-solo",
		WorkflowName:   "Solo Flow",
		WorkflowPrompt: "Do the one thing",
		Inputs:         map[string]any{},
	}
}

func soloNode() Node {
	return Node{ID: "solo", Name: "Solo", Role: "Generalist", Objective: "Complete the task"}
}

func traceTitles(trace []traceEvent) []string {
	titles := make([]string, 0, len(trace))
	for _, ev := range trace {
		titles = append(titles, ev.title)
	}
	return titles
}

func countTitle(trace []traceEvent, title string) int {
	n := 0
	for _, ev := range trace {
		if ev.title == title {
			n++
		}
	}
	return n
}

func outputData(t *testing.T, output map[string]any) map[string]any {
	t.Helper()
	data, ok := output["data"].(map[string]any)
	if !ok {
		t.Fatalf("output data = %T, want object", output["data"])
	}
	return data
}

// --- happy path ---

func TestRunNodeLoopImmediateFinal(t *testing.T) {
	client := &scriptedClient{replies: []string{rawReply(map[string]any{
		"action":  "final",
		"summary": "all done",
		"details": map[string]any{"analysis": "deep"},
		"data":    map[string]any{"key_facts": []any{"a"}},
	})}}
	reg := newTestRegistry(t, client, WithMaxTurns(5), WithModelName("test-model"))

	output, trace, err := reg.runNodeLoop(context.Background(), soloSnapshot(), soloNode(), false, nil, NewToolset(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if output["summary"] != "all done" {
		t.Errorf("summary = %v, want all done", output["summary"])
	}

	details, ok := output["details"].(map[string]any)
	if !ok {
		t.Fatalf("details = %T, want object", output["details"])
	}
	if details["nodeId"] != "solo" || details["nodeName"] != "Solo" {
		t.Errorf("details identity = %v / %v", details["nodeId"], details["nodeName"])
	}
	if details["role"] != "Generalist" || details["objective"] != "Complete the task" {
		t.Errorf("details role/objective = %v / %v", details["role"], details["objective"])
	}
	if details["stepCount"] != 1 {
		t.Errorf("stepCount = %v, want 1", details["stepCount"])
	}
	agentDetails, _ := details["agentDetails"].(map[string]any)
	if agentDetails["analysis"] != "deep" {
		t.Errorf("agentDetails = %v", details["agentDetails"])
	}

	data := outputData(t, output)
	if data["summary"] != "all done" {
		t.Errorf("data summary = %v", data["summary"])
	}
	if data["nodeId"] != "solo" || data["nodeName"] != "Solo" {
		t.Errorf("data identity = %v / %v", data["nodeId"], data["nodeName"])
	}
	if data["toolCallCount"] != 0 {
		t.Errorf("toolCallCount = %v, want 0", data["toolCallCount"])
	}
	if _, ok := data["key_facts"]; !ok {
		t.Error("model-provided data keys should survive")
	}

	wantTitles := []string{"Agent runtime initialized", "Agent step 1", "Agent output produced"}
	got := traceTitles(trace)
	if len(got) != len(wantTitles) {
		t.Fatalf("trace titles = %v, want %v", got, wantTitles)
	}
	for i := range wantTitles {
		if got[i] != wantTitles[i] {
			t.Errorf("trace[%d] = %q, want %q", i, got[i], wantTitles[i])
		}
	}

	call := client.call(0)
	if call.system != agentSystemPrompt {
		t.Error("system prompt should be the bare agent prompt without a workspace")
	}
	if !strings.HasPrefix(call.user, decisionUserPreamble) {
		t.Errorf("user text prefix = %q", call.user[:60])
	}
	if !strings.Contains(call.user, `"solo"`) {
		t.Error("user text should carry the node id")
	}
	if call.schema != decisionSchemaText() {
		t.Error("schema text mismatch")
	}
}

func TestRunNodeLoopToolThenFinal(t *testing.T) {
	stub := namedStubTool("echo_tool", func(_ string, args map[string]any) (map[string]any, error) {
		return map[string]any{"echoed": args["q"]}, nil
	})
	client := &scriptedClient{replies: []string{
		toolReply("echo_tool", "need data", map[string]any{"q": "x"}),
		finalReply("done"),
	}}
	reg := newTestRegistry(t, client, WithMaxTurns(5))

	output, trace, err := reg.runNodeLoop(context.Background(), soloSnapshot(), soloNode(), false, nil, NewToolset(stub), nil)
	if err != nil {
		t.Fatal(err)
	}
	if stub.callCount() != 1 {
		t.Fatalf("tool executions = %d, want 1", stub.callCount())
	}
	if stub.calls[0].name != "echo_tool" || stub.calls[0].args["q"] != "x" {
		t.Errorf("tool call = %+v", stub.calls[0])
	}

	second := client.call(1)
	if !strings.Contains(second.user, `"action": "tool_result"`) {
		t.Error("second turn should see the tool result in history")
	}
	if !strings.Contains(second.user, `"echoed": "x"`) {
		t.Error("second turn should see the tool output")
	}

	data := outputData(t, output)
	if data["toolCallCount"] != 1 {
		t.Errorf("toolCallCount = %v, want 1", data["toolCallCount"])
	}
	if countTitle(trace, "Tool call requested") != 1 || countTitle(trace, "Tool call completed") != 1 {
		t.Errorf("trace titles = %v", traceTitles(trace))
	}
}

// --- tool failures feed back into the conversation ---

func TestRunNodeLoopToolErrorSurfacedToModel(t *testing.T) {
	stub := namedStubTool("flaky_tool", func(string, map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	client := &scriptedClient{replies: []string{
		toolReply("flaky_tool", "try it", nil),
		finalReply("recovered without the tool"),
	}}
	reg := newTestRegistry(t, client, WithMaxTurns(5))

	output, trace, err := reg.runNodeLoop(context.Background(), soloSnapshot(), soloNode(), false, nil, NewToolset(stub), nil)
	if err != nil {
		t.Fatalf("tool failures must not fail the node: %v", err)
	}
	if countTitle(trace, "Tool call failed") != 1 {
		t.Errorf("trace titles = %v", traceTitles(trace))
	}
	second := client.call(1)
	if !strings.Contains(second.user, `"action": "tool_error"`) || !strings.Contains(second.user, "boom") {
		t.Error("second turn should see the tool error in history")
	}
	data := outputData(t, output)
	if data["toolCallCount"] != 1 {
		t.Errorf("toolCallCount = %v, want 1 (failed calls count)", data["toolCallCount"])
	}
}

func TestRunNodeLoopUnknownTool(t *testing.T) {
	client := &scriptedClient{replies: []string{
		toolReply("ghost_tool", "hopeful", nil),
		finalReply("gave up on the tool"),
	}}
	reg := newTestRegistry(t, client, WithMaxTurns(5))

	_, trace, err := reg.runNodeLoop(context.Background(), soloSnapshot(), soloNode(), false, nil, NewToolset(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if countTitle(trace, "Tool call failed") != 1 {
		t.Errorf("trace titles = %v", traceTitles(trace))
	}
	if !strings.Contains(client.call(1).user, "unknown tool: ghost_tool") {
		t.Error("second turn should name the unknown tool")
	}
}

func TestRunNodeLoopMissingToolRequest(t *testing.T) {
	client := &scriptedClient{replies: []string{
		rawReply(map[string]any{"action": "tool"}),
		finalReply("recovered"),
	}}
	reg := newTestRegistry(t, client, WithMaxTurns(5))

	output, trace, err := reg.runNodeLoop(context.Background(), soloSnapshot(), soloNode(), false, nil, NewToolset(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if countTitle(trace, "Invalid tool request") != 1 {
		t.Errorf("trace titles = %v", traceTitles(trace))
	}
	if output["summary"] != "recovered" {
		t.Errorf("summary = %v", output["summary"])
	}
	if !strings.Contains(client.call(1).user, "without tool_request payload") {
		t.Error("second turn should see the invalid request in history")
	}
}

// --- repetition control ---

func TestRunNodeLoopRepetitionBreaker(t *testing.T) {
	stub := namedStubTool("workspace_list_files", func(string, map[string]any) (map[string]any, error) {
		return map[string]any{"count": 0}, nil
	})
	client := &scriptedClient{replies: []string{
		toolReply("workspace_list_files", "scan", map[string]any{}),
	}}
	reg := newTestRegistry(t, client, WithMaxTurns(8))

	_, trace, err := reg.runNodeLoop(context.Background(), soloSnapshot(), soloNode(), false, nil, NewToolset(stub), nil)
	if err == nil {
		t.Fatal("expected turn budget exhaustion")
	}
	want := "Node Solo exceeded max decision turns (8) without final output"
	if err.Error() != want {
		t.Errorf("err = %q, want %q", err, want)
	}

	// Turns 1-4 execute (warnings injected on 3 and 4); turns 5-8 trip
	// the breaker and never reach the tool.
	if stub.callCount() != 4 {
		t.Errorf("tool executions = %d, want 4", stub.callCount())
	}
	if n := countTitle(trace, "Repetition warning"); n != 2 {
		t.Errorf("repetition warnings = %d, want 2", n)
	}
	if n := countTitle(trace, "Circuit breaker triggered"); n != 4 {
		t.Errorf("breaker events = %d, want 4", n)
	}
	if client.callCount() != 8 {
		t.Errorf("decisions = %d, want 8", client.callCount())
	}
}

func TestRunNodeLoopAlternatingToolsNoBreaker(t *testing.T) {
	stubA := namedStubTool("tool_a", nil)
	stubB := namedStubTool("tool_b", nil)
	client := &scriptedClient{replies: []string{
		toolReply("tool_a", "", nil),
		toolReply("tool_b", "", nil),
		toolReply("tool_a", "", nil),
	}}
	reg := newTestRegistry(t, client, WithMaxTurns(3))

	_, trace, err := reg.runNodeLoop(context.Background(), soloSnapshot(), soloNode(), false, nil, NewToolset(stubA, stubB), nil)
	if err == nil || !strings.Contains(err.Error(), "exceeded max decision turns (3)") {
		t.Fatalf("err = %v", err)
	}
	if stubA.callCount() != 2 || stubB.callCount() != 1 {
		t.Errorf("executions a=%d b=%d, want 2/1", stubA.callCount(), stubB.callCount())
	}
	if countTitle(trace, "Repetition warning") != 0 || countTitle(trace, "Circuit breaker triggered") != 0 {
		t.Error("switching tools must reset the repetition counter")
	}
}

// --- malformed replies ---

func TestRunNodeLoopCorrectiveRetry(t *testing.T) {
	client := &scriptedClient{replies: []string{"not json at all", finalReply("fixed")}}
	reg := newTestRegistry(t, client, WithMaxTurns(5))

	output, _, err := reg.runNodeLoop(context.Background(), soloSnapshot(), soloNode(), false, nil, NewToolset(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if output["summary"] != "fixed" {
		t.Errorf("summary = %v", output["summary"])
	}
	if client.callCount() != 2 {
		t.Fatalf("decisions = %d, want 2 (original + corrective retry)", client.callCount())
	}
	first, second := client.call(0), client.call(1)
	if second.system != first.system {
		t.Error("retry must reuse the system prompt")
	}
	wantUser := first.user + "\n\n" + correctiveRetryText("not json at all")
	if second.user != wantUser {
		t.Error("retry user text should append the corrective instruction to the original text")
	}
	if details, ok := output["details"].(map[string]any); !ok || details["stepCount"] != 1 {
		t.Error("the corrective retry must not consume a turn")
	}
}

func TestRunNodeLoopUnparseableTwice(t *testing.T) {
	client := &scriptedClient{replies: []string{"total garbage"}}
	reg := newTestRegistry(t, client, WithMaxTurns(5))

	_, trace, err := reg.runNodeLoop(context.Background(), soloSnapshot(), soloNode(), false, nil, NewToolset(), nil)
	if err == nil {
		t.Fatal("expected parse failure after the corrective retry")
	}
	if !strings.Contains(err.Error(), "Raw preview: total garbage") {
		t.Errorf("err = %q, want raw preview", err)
	}
	if client.callCount() != 2 {
		t.Errorf("decisions = %d, want 2", client.callCount())
	}
	if len(trace) != 1 || trace[0].title != "Agent runtime initialized" {
		t.Errorf("trace = %v", traceTitles(trace))
	}
}

func TestRunNodeLoopNilClient(t *testing.T) {
	reg := newTestRegistry(t, nil)

	output, trace, err := reg.runNodeLoop(context.Background(), soloSnapshot(), soloNode(), false, nil, NewToolset(), nil)
	if output != nil {
		t.Errorf("output = %v, want nil", output)
	}
	want := "OPENAI_API_KEY is not configured for workflow execution"
	if err == nil || err.Error() != want {
		t.Errorf("err = %v, want %q", err, want)
	}
	if len(trace) != 1 {
		t.Errorf("trace = %v", traceTitles(trace))
	}
}

// --- sink deliverable contract ---

func TestRunNodeLoopSinkBundleValidation(t *testing.T) {
	snap := soloSnapshot()
	snap.RequestedDeliverables = []string{"app.zip", "report.md"}
	client := &scriptedClient{replies: []string{
		finalReply("first attempt"),
		rawReply(map[string]any{
			"action":  "final",
			"summary": "with bundle",
			"data": map[string]any{
				"deliverables": map[string]any{
					"app.zip": map[string]any{
						"kind":  "code_bundle",
						"files": map[string]any{"main.py": "print('hi')"},
					},
				},
			},
		}),
	}}
	reg := newTestRegistry(t, client, WithMaxTurns(5))

	output, trace, err := reg.runNodeLoop(context.Background(), snap, soloNode(), true, nil, NewToolset(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if client.callCount() != 2 {
		t.Fatalf("decisions = %d, want 2", client.callCount())
	}
	if countTitle(trace, "Deliverable contract incomplete") != 1 {
		t.Errorf("trace titles = %v", traceTitles(trace))
	}
	second := client.call(1)
	if !strings.Contains(second.user, "validation_retry") ||
		!strings.Contains(second.user, "missing required code bundle deliverables: app.zip") {
		t.Error("second turn should carry the validation guidance")
	}
	data := outputData(t, output)
	if _, ok := data["deliverables"].(map[string]any); !ok {
		t.Error("accepted output should keep the deliverables payload")
	}
	if details, _ := output["details"].(map[string]any); details["stepCount"] != 2 {
		t.Errorf("stepCount = %v, want 2 (validation retry consumes a turn)", details["stepCount"])
	}
}

func TestRunNodeLoopSinkBundleValidationExhaustsBudget(t *testing.T) {
	snap := soloSnapshot()
	snap.RequestedDeliverables = []string{"app.zip"}
	client := &scriptedClient{replies: []string{finalReply("no bundle here")}}
	reg := newTestRegistry(t, client, WithMaxTurns(1))

	_, _, err := reg.runNodeLoop(context.Background(), snap, soloNode(), true, nil, NewToolset(), nil)
	if err == nil {
		t.Fatal("expected validation failure on the last turn")
	}
	if !strings.Contains(err.Error(), "Sink node output missing required code bundle deliverables: app.zip") {
		t.Errorf("err = %q", err)
	}
}

func TestRunNodeLoopNonSinkSkipsBundleValidation(t *testing.T) {
	snap := soloSnapshot()
	snap.RequestedDeliverables = []string{"app.zip"}
	client := &scriptedClient{replies: []string{finalReply("mid-graph output")}}
	reg := newTestRegistry(t, client, WithMaxTurns(1))

	output, _, err := reg.runNodeLoop(context.Background(), snap, soloNode(), false, nil, NewToolset(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if output["summary"] != "mid-graph output" {
		t.Errorf("summary = %v", output["summary"])
	}
}

// --- workspace wiring ---

func TestRunNodeLoopWorkspaceAddendum(t *testing.T) {
	client := &scriptedClient{replies: []string{finalReply("ok")}}
	reg := newTestRegistry(t, client, WithMaxTurns(1))

	snap := soloSnapshot()
	snap.Workspace = &WorkspaceInfo{Root: "/tmp/ws"}
	if _, _, err := reg.runNodeLoop(context.Background(), snap, soloNode(), false, nil, NewToolset(), nil); err != nil {
		t.Fatal(err)
	}
	if got := client.call(0).system; got != agentSystemPrompt+workspaceSystemAddendum {
		t.Error("workspace runs should extend the system prompt with the workspace addendum")
	}
}

func TestRunNodeLoopAutoWorkspaceRefs(t *testing.T) {
	stub := namedStubTool("workspace_write_file", func(_ string, args map[string]any) (map[string]any, error) {
		return map[string]any{"path": args["path"], "size_bytes": 12}, nil
	})
	client := &scriptedClient{replies: []string{
		toolReply("workspace_write_file", "persist notes", map[string]any{"path": "notes.md", "content": "hi"}),
		finalReply("wrote notes"),
	}}
	reg := newTestRegistry(t, client, WithMaxTurns(5))

	output, trace, err := reg.runNodeLoop(context.Background(), soloSnapshot(), soloNode(), false, nil, NewToolset(stub), nil)
	if err != nil {
		t.Fatal(err)
	}
	data := outputData(t, output)
	refs, ok := data["workspaceRefs"].([]any)
	if !ok || len(refs) != 1 {
		t.Fatalf("workspaceRefs = %v, want one auto-collected ref", data["workspaceRefs"])
	}
	ref, _ := refs[0].(map[string]any)
	if ref["path"] != "notes.md" || ref["operation"] != "write" {
		t.Errorf("ref = %v", ref)
	}
	if countTitle(trace, "Workspace references recorded") != 1 {
		t.Errorf("trace titles = %v", traceTitles(trace))
	}
}

// --- trace delivery ---

func TestRunNodeLoopTraceFlushMarking(t *testing.T) {
	client := &scriptedClient{replies: []string{finalReply("done")}}
	reg := newTestRegistry(t, client, WithMaxTurns(1))

	var live []traceEvent
	onTrace := func(ev traceEvent) { live = append(live, ev) }
	_, trace, err := reg.runNodeLoop(context.Background(), soloSnapshot(), soloNode(), false, nil, NewToolset(), onTrace)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != len(trace) {
		t.Fatalf("live = %d events, trace = %d", len(live), len(trace))
	}
	for i, ev := range trace {
		if !ev.flushed {
			t.Errorf("trace[%d] %q not marked flushed despite live delivery", i, ev.title)
		}
	}

	// Without a callback nothing is flushed and the whole trace is
	// returned for batch integration.
	_, batch, err := reg.runNodeLoop(context.Background(), soloSnapshot(), soloNode(), false, nil, NewToolset(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, ev := range batch {
		if ev.flushed {
			t.Errorf("batch[%d] %q marked flushed without a callback", i, ev.title)
		}
	}
}
