package engine

import (
	"context"
	"fmt"
	"time"
)

// defaultStreamPoll is the cadence at which stream watchers rescan a run
// when no change notification arrives first.
const defaultStreamPoll = 300 * time.Millisecond

// maxChangesPerLogEntry caps how many workspace references a single log
// entry may fan out as workspace:change events, so one giant batch write
// cannot flood the stream.
const maxChangesPerLogEntry = 10

// settledPollsBeforeComplete is how many quiet polls a terminal run must
// produce before the stream emits run:complete and closes. The grace polls
// let late log flushes reach clients that connected mid-finalization.
const settledPollsBeforeComplete = 2

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventLog carries one new run log entry.
	EventLog StreamEventType = "log"
	// EventWorkspaceChange reports a workspace file touched by a tool call.
	EventWorkspaceChange StreamEventType = "workspace:change"
	// EventState is the run status snapshot emitted on every poll.
	EventState StreamEventType = "state"
	// EventRunComplete is the final event of a settled run's stream.
	EventRunComplete StreamEventType = "run:complete"
	// EventError reports a stream-level failure such as an unknown run id.
	EventError StreamEventType = "error"
)

// StreamEvent is a typed event emitted while watching a workflow run.
// Consumers receive these on the channel passed to StreamRunEvents; the
// Event name doubles as the SSE event field on the wire.
type StreamEvent struct {
	Event StreamEventType `json:"event"`
	Data  any             `json:"data"`
}

// WorkspaceChange is the data of a workspace:change event, synthesized
// from log payloads that carry workspace references.
type WorkspaceChange struct {
	Path       string `json:"path"`
	Operation  string `json:"operation"`
	Kind       string `json:"kind"`
	SourceTool string `json:"sourceTool"`
	NodeID     string `json:"nodeId"`
	Seq        int    `json:"seq"`
}

// NodeState is the per-node slice of a state snapshot.
type NodeState struct {
	NodeID        string     `json:"nodeId"`
	Name          string     `json:"name"`
	Status        Status     `json:"status"`
	StartedAt     *time.Time `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt"`
	DurationMs    *float64   `json:"durationMs"`
	OutputSummary string     `json:"outputSummary,omitempty"`
}

// RunState is the data of a state event: enough for clients to render
// status pills without replaying the log.
type RunState struct {
	RunID        string      `json:"runId"`
	Status       Status      `json:"status"`
	ActiveNodeID string      `json:"activeNodeId"`
	NodeRuns     []NodeState `json:"nodeRuns"`
}

// RunCompletion is the data of the terminal run:complete event.
type RunCompletion struct {
	RunID  string `json:"runId"`
	Status Status `json:"status"`
}

// StreamError is the data of an error event.
type StreamError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StreamRunEvents watches a run and emits events into ch: a log event per
// log entry with seq greater than lastSeq (so clients resume after a
// disconnect), workspace:change events pulled from ref-carrying payloads,
// and a state snapshot per poll. Once the run is terminal and two
// consecutive polls surface nothing new, a run:complete event ends the
// stream. An unknown run id produces a single error event. The channel is
// closed before returning on every path; cancel ctx to detach early.
func (reg *Registry) StreamRunEvents(ctx context.Context, runID string, lastSeq int, ch chan<- StreamEvent) {
	defer close(ch)

	cursor := lastSeq
	settled := 0
	for {
		batch, ok := reg.collectStreamBatch(runID, &cursor)
		if !ok {
			sendStream(ctx, ch, StreamEvent{Event: EventError, Data: StreamError{
				Error:   "run_not_found",
				Message: fmt.Sprintf("Run %s not found.", runID),
			}})
			return
		}

		for _, entry := range batch.logs {
			if !sendStream(ctx, ch, StreamEvent{Event: EventLog, Data: entry}) {
				return
			}
		}
		for _, change := range batch.changes {
			if !sendStream(ctx, ch, StreamEvent{Event: EventWorkspaceChange, Data: change}) {
				return
			}
		}
		if !sendStream(ctx, ch, StreamEvent{Event: EventState, Data: batch.state}) {
			return
		}

		if batch.terminal {
			if len(batch.logs) == 0 {
				settled++
			} else {
				settled = 0
			}
			if settled >= settledPollsBeforeComplete {
				sendStream(ctx, ch, StreamEvent{Event: EventRunComplete, Data: RunCompletion{
					RunID:  runID,
					Status: batch.state.Status,
				}})
				return
			}
		} else {
			settled = 0
		}

		timer := time.NewTimer(reg.streamPoll())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-batch.changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// streamBatch is one locked scan of a run: everything past the cursor plus
// the current state and the broadcast channel to wait on next.
type streamBatch struct {
	logs     []LogEntry
	changes  []WorkspaceChange
	state    RunState
	terminal bool
	changed  <-chan struct{}
}

// collectStreamBatch snapshots a run under the registry lock and advances
// the cursor past every collected entry. Returns ok=false when the run id
// is unknown (never created, or deleted mid-stream).
func (reg *Registry) collectStreamBatch(runID string, cursor *int) (streamBatch, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	run, ok := reg.runs[runID]
	if !ok {
		return streamBatch{}, false
	}
	batch := streamBatch{
		state:    run.streamState(),
		terminal: run.Status.Terminal(),
		changed:  run.meta.changed,
	}
	for _, entry := range run.Logs {
		if entry.Seq <= *cursor {
			continue
		}
		*cursor = entry.Seq
		batch.logs = append(batch.logs, entry.clone())
		batch.changes = append(batch.changes, workspaceChangesFromLog(entry)...)
	}
	return batch, true
}

// streamState builds the state snapshot for stream watchers. Must be
// called under the registry lock.
func (r *Run) streamState() RunState {
	state := RunState{
		RunID:        r.ID,
		Status:       r.Status,
		ActiveNodeID: r.ActiveNodeID,
		NodeRuns:     make([]NodeState, 0, len(r.NodeRuns)),
	}
	for _, nr := range r.NodeRuns {
		state.NodeRuns = append(state.NodeRuns, NodeState{
			NodeID:        nr.NodeID,
			Name:          nr.Name,
			Status:        nr.Status,
			StartedAt:     cloneTime(nr.StartedAt),
			FinishedAt:    cloneTime(nr.FinishedAt),
			DurationMs:    cloneFloat(nr.DurationMs),
			OutputSummary: nr.OutputSummary,
		})
	}
	return state
}

// workspaceChangesFromLog lifts workspace references out of a log payload.
// Only the first few references per entry are considered.
func workspaceChangesFromLog(entry LogEntry) []WorkspaceChange {
	payload, ok := entry.Payload.(map[string]any)
	if !ok {
		return nil
	}
	refs, ok := payload["workspaceRefs"].([]any)
	if !ok {
		return nil
	}
	if len(refs) > maxChangesPerLogEntry {
		refs = refs[:maxChangesPerLogEntry]
	}
	var changes []WorkspaceChange
	for _, item := range refs {
		ref, ok := item.(map[string]any)
		if !ok {
			continue
		}
		path, _ := ref["path"].(string)
		if path == "" {
			continue
		}
		changes = append(changes, WorkspaceChange{
			Path:       path,
			Operation:  refString(ref, "operation"),
			Kind:       refString(ref, "kind"),
			SourceTool: refString(ref, "sourceTool"),
			NodeID:     entry.NodeID,
			Seq:        entry.Seq,
		})
	}
	return changes
}

// sendStream delivers one event unless the watcher's context is done.
func sendStream(ctx context.Context, ch chan<- StreamEvent, event StreamEvent) bool {
	select {
	case ch <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// streamPoll returns the configured poll cadence, defaulting when unset.
func (reg *Registry) streamPoll() time.Duration {
	if reg.poll > 0 {
		return reg.poll
	}
	return defaultStreamPoll
}
