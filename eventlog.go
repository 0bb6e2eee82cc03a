package engine

import "time"

// LogCategory buckets run log entries for display filtering.
type LogCategory string

const (
	LogLifecycle LogCategory = "lifecycle"
	LogInput     LogCategory = "input"
	LogHandoff   LogCategory = "handoff"
	LogThinking  LogCategory = "thinking"
	LogOutput    LogCategory = "output"
	LogError     LogCategory = "error"
	LogControl   LogCategory = "control"
)

func (c LogCategory) valid() bool {
	switch c {
	case LogLifecycle, LogInput, LogHandoff, LogThinking, LogOutput, LogError, LogControl:
		return true
	}
	return false
}

// normalizeCategory maps unknown categories to thinking so agent trace
// events can never break the log schema.
func normalizeCategory(c LogCategory) LogCategory {
	if c.valid() {
		return c
	}
	return LogThinking
}

const maxLogMessageChars = 500

// LogEntry is one record in a run's ordered event log. Seq increases
// monotonically per run and is the cursor for event streaming.
type LogEntry struct {
	ID        string      `json:"id"`
	Seq       int         `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Category  LogCategory `json:"category"`
	Title     string      `json:"title"`
	Message   string      `json:"message"`
	NodeID    string      `json:"nodeId,omitempty"`
	Payload   any         `json:"payload,omitempty"`
}

func (e LogEntry) clone() LogEntry {
	clone := e
	clone.Payload = Clone(e.Payload)
	return clone
}

func cloneLogs(logs []LogEntry) []LogEntry {
	out := make([]LogEntry, 0, len(logs))
	for _, entry := range logs {
		out = append(out, entry.clone())
	}
	return out
}

// appendLog records an event on the run log and, when the entry names a
// node, mirrors it onto that node run. Watchers are woken afterwards.
// Must be called under the registry lock.
func (r *Run) appendLog(category LogCategory, title, message, nodeID string, payload any) LogEntry {
	r.meta.seq++
	entry := LogEntry{
		ID:        newLogID(),
		Seq:       r.meta.seq,
		Timestamp: nowUTC(),
		Category:  category,
		Title:     title,
		Message:   Truncate(message, maxLogMessageChars),
		NodeID:    nodeID,
		Payload:   Clone(payload),
	}
	r.Logs = append(r.Logs, entry)
	if nodeID != "" {
		if nr := r.findNodeRun(nodeID); nr != nil {
			nr.Logs = append(nr.Logs, entry.clone())
		}
	}
	r.notify()
	return entry
}
