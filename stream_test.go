package engine

import (
	"context"
	"testing"
	"time"
)

// --- streaming tests ---

func TestStreamRunEventsReplaysTerminalRun(t *testing.T) {
	client := &scriptedClient{replies: []string{finalReply("solo done")}}
	reg := newTestRegistry(t, client)

	created, err := reg.Create(CreateRequest{Template: singleNodeTemplate()})
	if err != nil {
		t.Fatal(err)
	}
	run := waitForRun(t, reg, created.ID)
	if run.Status != StatusSuccess {
		t.Fatalf("Status = %q, want %q (error: %s)", run.Status, StatusSuccess, run.Error)
	}

	events := collectEvents(t, reg, created.ID, -1)

	var logs []LogEntry
	var states []RunState
	var completes []RunCompletion
	for _, ev := range events {
		switch ev.Event {
		case EventLog:
			logs = append(logs, ev.Data.(LogEntry))
		case EventState:
			states = append(states, ev.Data.(RunState))
		case EventRunComplete:
			completes = append(completes, ev.Data.(RunCompletion))
		}
	}

	if len(logs) != len(run.Logs) {
		t.Fatalf("replayed %d log events, want %d", len(logs), len(run.Logs))
	}
	prev := 0
	for i, entry := range logs {
		if entry.Seq <= prev {
			t.Fatalf("logs[%d].Seq = %d, want strictly increasing after %d", i, entry.Seq, prev)
		}
		prev = entry.Seq
		if entry.Seq != run.Logs[i].Seq {
			t.Errorf("logs[%d].Seq = %d, want %d", i, entry.Seq, run.Logs[i].Seq)
		}
	}

	if len(completes) != 1 {
		t.Fatalf("run:complete events = %d, want exactly 1", len(completes))
	}
	if completes[0].RunID != created.ID || completes[0].Status != StatusSuccess {
		t.Errorf("completion = %+v, want runId %s with success", completes[0], created.ID)
	}
	if last := events[len(events)-1]; last.Event != EventRunComplete {
		t.Errorf("last event = %q, want %q", last.Event, EventRunComplete)
	}

	if len(states) == 0 {
		t.Fatal("expected at least one state snapshot")
	}
	final := states[len(states)-1]
	if final.Status != StatusSuccess {
		t.Errorf("final state status = %q, want success", final.Status)
	}
	if len(final.NodeRuns) != 1 || final.NodeRuns[0].Status != StatusSuccess {
		t.Errorf("final node states = %+v, want one success node", final.NodeRuns)
	}
}

func TestStreamRunEventsResumesFromCursor(t *testing.T) {
	client := &scriptedClient{replies: []string{finalReply("solo done")}}
	reg := newTestRegistry(t, client)

	created, err := reg.Create(CreateRequest{Template: singleNodeTemplate()})
	if err != nil {
		t.Fatal(err)
	}
	run := waitForRun(t, reg, created.ID)
	if len(run.Logs) < 3 {
		t.Fatalf("run produced %d logs, want at least 3", len(run.Logs))
	}
	cursor := run.Logs[1].Seq

	events := collectEvents(t, reg, created.ID, cursor)

	var logs []LogEntry
	for _, ev := range events {
		if ev.Event == EventLog {
			logs = append(logs, ev.Data.(LogEntry))
		}
	}
	if want := len(run.Logs) - 2; len(logs) != want {
		t.Fatalf("resumed %d log events, want %d", len(logs), want)
	}
	for _, entry := range logs {
		if entry.Seq <= cursor {
			t.Errorf("resumed entry seq %d is not past cursor %d", entry.Seq, cursor)
		}
	}
}

func TestStreamRunEventsUnknownRun(t *testing.T) {
	reg := newTestRegistry(t, &scriptedClient{})

	events := collectEvents(t, reg, "wfr_missing", -1)
	if len(events) != 1 {
		t.Fatalf("events = %d, want exactly 1", len(events))
	}
	if events[0].Event != EventError {
		t.Fatalf("event = %q, want %q", events[0].Event, EventError)
	}
	data := events[0].Data.(StreamError)
	if data.Error != "run_not_found" {
		t.Errorf("Error = %q, want run_not_found", data.Error)
	}
	if data.Message != "Run wfr_missing not found." {
		t.Errorf("Message = %q", data.Message)
	}
}

func TestStreamRunEventsFollowsLiveRun(t *testing.T) {
	release := make(chan struct{})
	client := &scriptedClient{replies: []string{finalReply("done live")}}
	client.onCall = func(int) { <-release }
	reg := newTestRegistry(t, client)

	created, err := reg.Create(CreateRequest{Template: singleNodeTemplate()})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch := make(chan StreamEvent, 256)
	go reg.StreamRunEvents(ctx, created.ID, -1, ch)

	var events []StreamEvent
	released := false
	for ev := range ch {
		events = append(events, ev)
		// Let the run finish only after the stream has observed it
		// mid-execution.
		if !released && ev.Event == EventState && ev.Data.(RunState).Status == StatusRunning {
			close(release)
			released = true
		}
	}
	if !released {
		t.Fatal("stream never observed a running state snapshot")
	}

	run := waitForRun(t, reg, created.ID)
	if run.Status != StatusSuccess {
		t.Fatalf("Status = %q, want success (error: %s)", run.Status, run.Error)
	}

	logCount := 0
	completes := 0
	for _, ev := range events {
		switch ev.Event {
		case EventLog:
			logCount++
		case EventRunComplete:
			completes++
		}
	}
	if logCount != len(run.Logs) {
		t.Errorf("streamed %d log events, want %d", logCount, len(run.Logs))
	}
	if completes != 1 {
		t.Errorf("run:complete events = %d, want exactly 1", completes)
	}
}

func TestStreamEmitsWorkspaceChanges(t *testing.T) {
	tool := namedStubTool("workspace_write_file", func(_ string, args map[string]any) (map[string]any, error) {
		return map[string]any{"path": "notes.md", "size_bytes": 12}, nil
	})
	client := &scriptedClient{replies: []string{
		toolReply("workspace_write_file", "save notes", map[string]any{"path": "notes.md", "content": "hello"}),
		finalReply("wrote the notes file"),
	}}
	reg := newTestRegistry(t, client,
		WithToolset(func(string) *Toolset { return NewToolset(tool) }))

	created, err := reg.Create(CreateRequest{Template: singleNodeTemplate()})
	if err != nil {
		t.Fatal(err)
	}
	run := waitForRun(t, reg, created.ID)
	if run.Status != StatusSuccess {
		t.Fatalf("Status = %q, want success (error: %s)", run.Status, run.Error)
	}

	events := collectEvents(t, reg, created.ID, -1)
	var changes []WorkspaceChange
	for _, ev := range events {
		if ev.Event == EventWorkspaceChange {
			changes = append(changes, ev.Data.(WorkspaceChange))
		}
	}
	if len(changes) == 0 {
		t.Fatal("expected at least one workspace:change event")
	}
	first := changes[0]
	if first.Path != "notes.md" {
		t.Errorf("Path = %q, want notes.md", first.Path)
	}
	if first.Operation != "write" {
		t.Errorf("Operation = %q, want write", first.Operation)
	}
	if first.SourceTool != "workspace_write_file" {
		t.Errorf("SourceTool = %q, want workspace_write_file", first.SourceTool)
	}
	if first.NodeID != "solo" {
		t.Errorf("NodeID = %q, want solo", first.NodeID)
	}
}

// --- workspace change synthesis ---

func TestWorkspaceChangesFromLog(t *testing.T) {
	entry := LogEntry{
		Seq:    7,
		NodeID: "n1",
		Payload: map[string]any{
			"workspaceRefs": []any{
				map[string]any{"path": "src/app.py", "operation": "write", "kind": "file", "sourceTool": "workspace_write_file"},
				map[string]any{"operation": "write"}, // no path
				"not a ref",
			},
		},
	}
	changes := workspaceChangesFromLog(entry)
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	got := changes[0]
	if got.Path != "src/app.py" || got.Operation != "write" || got.Kind != "file" {
		t.Errorf("change = %+v", got)
	}
	if got.Seq != 7 || got.NodeID != "n1" {
		t.Errorf("change carries seq %d node %q, want 7 n1", got.Seq, got.NodeID)
	}
}

func TestWorkspaceChangesFromLogCapsPerEntry(t *testing.T) {
	refs := make([]any, 0, 14)
	for i := 0; i < 14; i++ {
		refs = append(refs, map[string]any{"path": "file", "operation": "write"})
	}
	entry := LogEntry{Payload: map[string]any{"workspaceRefs": refs}}

	changes := workspaceChangesFromLog(entry)
	if len(changes) != maxChangesPerLogEntry {
		t.Fatalf("changes = %d, want %d", len(changes), maxChangesPerLogEntry)
	}
}

func TestWorkspaceChangesFromLogIgnoresOtherPayloads(t *testing.T) {
	if got := workspaceChangesFromLog(LogEntry{Payload: "plain text"}); got != nil {
		t.Errorf("string payload yielded %v", got)
	}
	if got := workspaceChangesFromLog(LogEntry{Payload: map[string]any{"summary": "x"}}); got != nil {
		t.Errorf("payload without refs yielded %v", got)
	}
}
