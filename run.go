package engine

import (
	"math"
	"strings"
	"time"
)

// Status is the lifecycle state of a run or of a single node run.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusRunning       Status = "running"
	StatusAwaitingInput Status = "awaiting_input"
	StatusSuccess       Status = "success"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the run still owns resources (worker, workspace)
// and therefore cannot be deleted.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusAwaitingInput
}

// CreateRequest is the payload that starts a workflow run.
type CreateRequest struct {
	Template              Template       `json:"template"`
	Inputs                map[string]any `json:"inputs"`
	RequestedDeliverables []string       `json:"requested_deliverables"`
}

const maxRequestedDeliverables = 20

// Progress counts node outcomes for quick display.
type Progress struct {
	TotalNodes     int `json:"totalNodes"`
	CompletedNodes int `json:"completedNodes"`
	FailedNodes    int `json:"failedNodes"`
}

// UpstreamInput is one incoming edge resolved for a node: the handoff
// packet built from the source output plus the raw output itself.
type UpstreamInput struct {
	FromNodeID      string           `json:"fromNodeId"`
	FromNodeName    string           `json:"fromNodeName"`
	Handoff         string           `json:"handoff"`
	HandoffContract *HandoffContract `json:"handoffContract"`
	PacketSummary   string           `json:"packetSummary,omitempty"`
	Packet          *HandoffPacket   `json:"packet,omitempty"`
	OutputSummary   string           `json:"outputSummary,omitempty"`
	Output          map[string]any   `json:"output,omitempty"`
}

// Deliverable is one finalized output artifact of a run.
type Deliverable struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	MimeType       string         `json:"mimeType"`
	ProducerNodeID string         `json:"producerNodeId,omitempty"`
	Status         string         `json:"status"`
	Preview        string         `json:"preview"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// NodeRun tracks the execution of one template node inside a run.
type NodeRun struct {
	NodeID         string          `json:"nodeId"`
	Name           string          `json:"name"`
	Role           string          `json:"role"`
	Objective      string          `json:"objective"`
	Status         Status          `json:"status"`
	StartedAt      *time.Time      `json:"startedAt"`
	FinishedAt     *time.Time      `json:"finishedAt"`
	DurationMs     *float64        `json:"durationMs"`
	Logs           []LogEntry      `json:"logs"`
	Output         map[string]any  `json:"output"`
	OutputSummary  string          `json:"outputSummary,omitempty"`
	UpstreamInputs []UpstreamInput `json:"upstreamInputs"`
}

// Run is the full record of one workflow execution. All mutation happens
// under the registry lock; API handlers only ever see deep clones.
type Run struct {
	ID                    string                `json:"id"`
	WorkflowID            string                `json:"workflowId"`
	WorkflowName          string                `json:"workflowName"`
	WorkflowPrompt        string                `json:"workflowPrompt"`
	WorkflowSummary       string                `json:"workflowSummary"`
	WorkflowSnapshot      *Template             `json:"workflowSnapshot"`
	Status                Status                `json:"status"`
	CreatedAt             time.Time             `json:"createdAt"`
	StartedAt             *time.Time            `json:"startedAt"`
	FinishedAt            *time.Time            `json:"finishedAt"`
	DurationMs            *float64              `json:"durationMs"`
	Inputs                map[string]any        `json:"inputs"`
	RequestedDeliverables []string              `json:"requestedDeliverables"`
	Outputs               map[string]any        `json:"outputs"`
	Deliverables          []Deliverable         `json:"deliverables"`
	InputRequests         []any                 `json:"inputRequests"`
	PendingInputRequest   any                   `json:"pendingInputRequest"`
	Error                 string                `json:"error,omitempty"`
	ActiveNodeID          string                `json:"activeNodeId,omitempty"`
	Progress              Progress              `json:"progress"`
	Logs                  []LogEntry            `json:"logs"`
	NodeRuns              []*NodeRun            `json:"nodeRuns"`
	Workspace             *WorkspaceInfo        `json:"workspace,omitempty"`
	WorkspaceDirectory    string                `json:"workspaceDirectory,omitempty"`
	WorkspaceDirectories  *WorkspaceDirectories `json:"workspaceDirectories,omitempty"`
	ArtifactDirectory     string                `json:"artifactDirectory,omitempty"`

	cancelRequested bool
	meta            *runMeta
}

// runMeta is execution state the API never exposes: the validated plan,
// accumulated node outputs and packets, the log sequence counter, and the
// channels streaming and tests wait on.
type runMeta struct {
	order          []string
	nodes          map[string]Node
	incoming       map[string][]Edge
	outgoing       map[string][]Edge
	nodeOutputs    map[string]map[string]any
	handoffPackets map[string]*HandoffPacket
	seq            int
	changed        chan struct{}
	done           chan struct{}
}

// buildRun validates the request and materializes a queued run with its
// execution plan. The run is not yet registered and has no workspace.
func buildRun(req CreateRequest) (*Run, error) {
	if len(req.RequestedDeliverables) > maxRequestedDeliverables {
		return nil, validationErrorf("Workflow run can request at most %d deliverables", maxRequestedDeliverables)
	}
	plan, err := req.Template.plan()
	if err != nil {
		return nil, err
	}

	requested := make([]string, 0, len(req.RequestedDeliverables))
	for _, item := range req.RequestedDeliverables {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			requested = append(requested, trimmed)
		}
	}

	inputs := cloneMap(req.Inputs)
	if inputs == nil {
		inputs = map[string]any{}
	}

	nodeRuns := make([]*NodeRun, 0, len(req.Template.Nodes))
	for _, node := range req.Template.Nodes {
		nodeRuns = append(nodeRuns, &NodeRun{
			NodeID:         node.ID,
			Name:           node.Name,
			Role:           node.Role,
			Objective:      node.Objective,
			Status:         StatusQueued,
			Logs:           []LogEntry{},
			UpstreamInputs: []UpstreamInput{},
		})
	}

	snapshot := req.Template.clone()
	return &Run{
		ID:                    newRunID(),
		WorkflowID:            req.Template.ID,
		WorkflowName:          req.Template.Name,
		WorkflowPrompt:        req.Template.Prompt,
		WorkflowSummary:       req.Template.Summary,
		WorkflowSnapshot:      &snapshot,
		Status:                StatusQueued,
		CreatedAt:             nowUTC(),
		Inputs:                inputs,
		RequestedDeliverables: requested,
		Outputs:               map[string]any{},
		Deliverables:          []Deliverable{},
		InputRequests:         []any{},
		Progress:              Progress{TotalNodes: len(req.Template.Nodes)},
		Logs:                  []LogEntry{},
		NodeRuns:              nodeRuns,
		meta: &runMeta{
			order:          plan.order,
			nodes:          plan.nodes,
			incoming:       plan.incoming,
			outgoing:       plan.outgoing,
			nodeOutputs:    map[string]map[string]any{},
			handoffPackets: map[string]*HandoffPacket{},
			changed:        make(chan struct{}),
			done:           make(chan struct{}),
		},
	}, nil
}

func (r *Run) findNodeRun(nodeID string) *NodeRun {
	for _, nr := range r.NodeRuns {
		if nr.NodeID == nodeID {
			return nr
		}
	}
	return nil
}

// notify wakes every stream watcher by closing the current broadcast
// channel and installing a fresh one. Must be called under the registry
// lock.
func (r *Run) notify() {
	if r.meta == nil {
		return
	}
	close(r.meta.changed)
	r.meta.changed = make(chan struct{})
}

// markCancelled settles the run and any unfinished node runs after a
// cancellation request was observed.
func (r *Run) markCancelled() {
	now := nowUTC()
	if !r.Status.Terminal() {
		r.Status = StatusCancelled
	}
	if r.FinishedAt == nil {
		r.FinishedAt = &now
	}
	r.ActiveNodeID = ""
	for _, nr := range r.NodeRuns {
		if nr.Status == StatusQueued || nr.Status == StatusRunning {
			nr.Status = StatusCancelled
			if nr.FinishedAt == nil {
				nr.FinishedAt = &now
			}
			nr.DurationMs = computeDurationMs(nr.StartedAt, nr.FinishedAt)
		}
	}
	r.DurationMs = computeDurationMs(r.StartedAt, r.FinishedAt)
	r.appendLog(LogControl, "Run cancelled", "Execution stopped after a cancellation request.", "", nil)
}

// --- API views ---

// view is the full API representation: a deep clone carrying logs and node
// details but none of the execution internals.
func (r *Run) view() *Run {
	clone := &Run{
		ID:                    r.ID,
		WorkflowID:            r.WorkflowID,
		WorkflowName:          r.WorkflowName,
		WorkflowPrompt:        r.WorkflowPrompt,
		WorkflowSummary:       r.WorkflowSummary,
		Status:                r.Status,
		CreatedAt:             r.CreatedAt,
		StartedAt:             cloneTime(r.StartedAt),
		FinishedAt:            cloneTime(r.FinishedAt),
		DurationMs:            cloneFloat(r.DurationMs),
		Inputs:                cloneMap(r.Inputs),
		RequestedDeliverables: append([]string(nil), r.RequestedDeliverables...),
		Outputs:               cloneMap(r.Outputs),
		InputRequests:         append([]any(nil), r.InputRequests...),
		PendingInputRequest:   Clone(r.PendingInputRequest),
		Error:                 r.Error,
		ActiveNodeID:          r.ActiveNodeID,
		Progress:              r.Progress,
		WorkspaceDirectory:    r.WorkspaceDirectory,
		ArtifactDirectory:     r.ArtifactDirectory,
	}
	if r.WorkflowSnapshot != nil {
		snapshot := r.WorkflowSnapshot.clone()
		clone.WorkflowSnapshot = &snapshot
	}
	clone.Deliverables = make([]Deliverable, 0, len(r.Deliverables))
	for _, d := range r.Deliverables {
		clone.Deliverables = append(clone.Deliverables, d.clone())
	}
	clone.Logs = cloneLogs(r.Logs)
	clone.NodeRuns = make([]*NodeRun, 0, len(r.NodeRuns))
	for _, nr := range r.NodeRuns {
		clone.NodeRuns = append(clone.NodeRuns, nr.clone())
	}
	if r.Workspace != nil {
		ws := r.Workspace.clone()
		clone.Workspace = &ws
	}
	if r.WorkspaceDirectories != nil {
		dirs := *r.WorkspaceDirectories
		clone.WorkspaceDirectories = &dirs
	}
	return clone
}

// RunSummary is the list/delete representation: run state without logs,
// node outputs, or upstream inputs.
type RunSummary struct {
	ID                    string                `json:"id"`
	WorkflowID            string                `json:"workflowId"`
	WorkflowName          string                `json:"workflowName"`
	WorkflowPrompt        string                `json:"workflowPrompt"`
	WorkflowSummary       string                `json:"workflowSummary"`
	WorkflowSnapshot      *Template             `json:"workflowSnapshot"`
	Status                Status                `json:"status"`
	CreatedAt             time.Time             `json:"createdAt"`
	StartedAt             *time.Time            `json:"startedAt"`
	FinishedAt            *time.Time            `json:"finishedAt"`
	DurationMs            *float64              `json:"durationMs"`
	Inputs                map[string]any        `json:"inputs"`
	RequestedDeliverables []string              `json:"requestedDeliverables"`
	Outputs               map[string]any        `json:"outputs"`
	Deliverables          []Deliverable         `json:"deliverables"`
	InputRequests         []any                 `json:"inputRequests"`
	PendingInputRequest   any                   `json:"pendingInputRequest"`
	Error                 string                `json:"error,omitempty"`
	ActiveNodeID          string                `json:"activeNodeId,omitempty"`
	Progress              Progress              `json:"progress"`
	NodeRuns              []NodeRunSummary      `json:"nodeRuns"`
	Workspace             *WorkspaceInfo        `json:"workspace,omitempty"`
	WorkspaceDirectory    string                `json:"workspaceDirectory,omitempty"`
	WorkspaceDirectories  *WorkspaceDirectories `json:"workspaceDirectories,omitempty"`
	ArtifactDirectory     string                `json:"artifactDirectory,omitempty"`
}

// NodeRunSummary is a NodeRun without logs, output, or upstream inputs.
type NodeRunSummary struct {
	NodeID        string     `json:"nodeId"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	Objective     string     `json:"objective"`
	Status        Status     `json:"status"`
	StartedAt     *time.Time `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt"`
	DurationMs    *float64   `json:"durationMs"`
	OutputSummary string     `json:"outputSummary,omitempty"`
}

func (r *Run) summary() RunSummary {
	full := r.view()
	s := RunSummary{
		ID:                    full.ID,
		WorkflowID:            full.WorkflowID,
		WorkflowName:          full.WorkflowName,
		WorkflowPrompt:        full.WorkflowPrompt,
		WorkflowSummary:       full.WorkflowSummary,
		WorkflowSnapshot:      full.WorkflowSnapshot,
		Status:                full.Status,
		CreatedAt:             full.CreatedAt,
		StartedAt:             full.StartedAt,
		FinishedAt:            full.FinishedAt,
		DurationMs:            full.DurationMs,
		Inputs:                full.Inputs,
		RequestedDeliverables: full.RequestedDeliverables,
		Outputs:               full.Outputs,
		Deliverables:          full.Deliverables,
		InputRequests:         full.InputRequests,
		PendingInputRequest:   full.PendingInputRequest,
		Error:                 full.Error,
		ActiveNodeID:          full.ActiveNodeID,
		Progress:              full.Progress,
		Workspace:             full.Workspace,
		WorkspaceDirectory:    full.WorkspaceDirectory,
		WorkspaceDirectories:  full.WorkspaceDirectories,
		ArtifactDirectory:     full.ArtifactDirectory,
	}
	s.NodeRuns = make([]NodeRunSummary, 0, len(full.NodeRuns))
	for _, nr := range full.NodeRuns {
		s.NodeRuns = append(s.NodeRuns, NodeRunSummary{
			NodeID:        nr.NodeID,
			Name:          nr.Name,
			Role:          nr.Role,
			Objective:     nr.Objective,
			Status:        nr.Status,
			StartedAt:     nr.StartedAt,
			FinishedAt:    nr.FinishedAt,
			DurationMs:    nr.DurationMs,
			OutputSummary: nr.OutputSummary,
		})
	}
	return s
}

// --- clones ---

func (nr *NodeRun) clone() *NodeRun {
	clone := &NodeRun{
		NodeID:        nr.NodeID,
		Name:          nr.Name,
		Role:          nr.Role,
		Objective:     nr.Objective,
		Status:        nr.Status,
		StartedAt:     cloneTime(nr.StartedAt),
		FinishedAt:    cloneTime(nr.FinishedAt),
		DurationMs:    cloneFloat(nr.DurationMs),
		Output:        cloneMap(nr.Output),
		OutputSummary: nr.OutputSummary,
	}
	clone.Logs = cloneLogs(nr.Logs)
	clone.UpstreamInputs = make([]UpstreamInput, 0, len(nr.UpstreamInputs))
	for _, in := range nr.UpstreamInputs {
		clone.UpstreamInputs = append(clone.UpstreamInputs, in.clone())
	}
	return clone
}

func (in UpstreamInput) clone() UpstreamInput {
	clone := in
	if in.HandoffContract != nil {
		contract := in.HandoffContract.clone()
		clone.HandoffContract = &contract
	}
	if in.Packet != nil {
		packet := in.Packet.clone()
		clone.Packet = &packet
	}
	clone.Output = cloneMap(in.Output)
	return clone
}

func (d Deliverable) clone() Deliverable {
	clone := d
	clone.Metadata = cloneMap(d.Metadata)
	return clone
}

func (c HandoffContract) clone() HandoffContract {
	clone := c
	clone.Fields = append([]HandoffField(nil), c.Fields...)
	return clone
}

func (t Template) clone() Template {
	clone := t
	clone.Nodes = append([]Node(nil), t.Nodes...)
	clone.Edges = make([]Edge, 0, len(t.Edges))
	for _, edge := range t.Edges {
		cloned := edge
		if edge.HandoffContract != nil {
			contract := edge.HandoffContract.clone()
			cloned.HandoffContract = &contract
		}
		clone.Edges = append(clone.Edges, cloned)
	}
	return clone
}

// --- small helpers ---

func nowUTC() time.Time {
	return time.Now().UTC()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// cloneMap deep-copies a JSON-ish map.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	if len(m) == 0 {
		return map[string]any{}
	}
	if out, ok := Clone(m).(map[string]any); ok {
		return out
	}
	return map[string]any{}
}

// round2 keeps durations readable in JSON payloads.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// computeDurationMs returns the elapsed milliseconds between two
// timestamps, or nil when either is missing.
func computeDurationMs(started, finished *time.Time) *float64 {
	if started == nil || finished == nil {
		return nil
	}
	ms := round2(float64(finished.Sub(*started)) / float64(time.Millisecond))
	return &ms
}
