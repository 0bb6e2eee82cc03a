package engine

import (
	"context"
	"fmt"
	"path/filepath"
)

// execPlan is the per-run copy of the validated template plan the worker
// walks. The maps are never mutated after buildRun, so sharing them with
// the run is safe.
type execPlan struct {
	order    []string
	nodes    map[string]Node
	incoming map[string][]Edge
	outgoing map[string][]Edge
}

// executeRun is the worker goroutine body for one run: admit it, walk the
// plan in topological order, drive each node's decision loop, emit
// handoffs, and settle the final state. Any escaping error fails the run;
// the worker never panics the process.
func (reg *Registry) executeRun(ctx context.Context, runID string) {
	ctx, span := startSpan(ctx, reg.tracer, "run.execute", StringAttr("run.id", runID))
	defer span.End()

	run, plan, ok := reg.admitRun(runID)
	if !ok {
		return
	}
	span.SetAttr(StringAttr("workflow.id", run.WorkflowID), IntAttr("workflow.nodes", len(plan.order)))
	reg.logger.Info("workflow run started", "runId", run.ID, "workflowId", run.WorkflowID, "nodes", len(plan.order))

	toolset := reg.toolset(run.WorkspaceDirectory)

	for _, nodeID := range plan.order {
		cancelled, err := reg.executeNode(ctx, run, plan, nodeID, toolset)
		if err != nil {
			span.Error(err)
			reg.failRun(run, err)
			return
		}
		if cancelled {
			reg.logger.Info("workflow run cancelled", "runId", run.ID, "nodeId", nodeID)
			return
		}
	}

	reg.mu.Lock()
	if run.cancelRequested {
		run.markCancelled()
		reg.mu.Unlock()
		reg.logger.Info("workflow run cancelled", "runId", run.ID)
		return
	}
	err := reg.finalizeRunSuccess(run)
	reg.mu.Unlock()
	if err != nil {
		span.Error(err)
		reg.failRun(run, err)
		return
	}
	reg.logger.Info("workflow run completed", "runId", run.ID, "workflowId", run.WorkflowID)
}

// admitRun moves a queued run to running and records the start of
// execution. Returns false when the run is gone or was already picked up.
func (reg *Registry) admitRun(runID string) (*Run, *execPlan, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	run, ok := reg.runs[runID]
	if !ok || run.Status != StatusQueued {
		return nil, nil, false
	}
	now := nowUTC()
	run.Status = StatusRunning
	run.StartedAt = &now

	run.appendLog(LogLifecycle, "Run started",
		fmt.Sprintf("Workflow %s started execution.", run.WorkflowName),
		"", map[string]any{
			"workflowId":            run.WorkflowID,
			"requestedDeliverables": run.RequestedDeliverables,
			"inputKeys":             sortedKeys(run.Inputs),
			"workspaceDirectory":    run.WorkspaceDirectory,
			"workspaceDirectories":  run.WorkspaceDirectories,
		})
	if run.Workspace != nil {
		uploadCount := 0
		if list, ok := run.Workspace.UserUploads.([]any); ok {
			uploadCount = len(list)
		}
		run.appendLog(LogInput, "Run workspace ready",
			"Created a shared workspace for all agents and materialized run inputs/uploads.",
			"", map[string]any{
				"root":            run.Workspace.Root,
				"directories":     run.Workspace.Directories,
				"userUploadCount": uploadCount,
				"inputsFile":      filepath.Join(run.Workspace.Directories.Inputs, "run_inputs.json"),
			})
	}

	plan := &execPlan{
		order:    append([]string(nil), run.meta.order...),
		nodes:    run.meta.nodes,
		incoming: run.meta.incoming,
		outgoing: run.meta.outgoing,
	}
	return run, plan, true
}

// executeNode runs one node end to end. The registry lock is held for
// state transitions and log appends but never across the decision loop;
// live trace events re-acquire it per event. A cancellation observed at
// any checkpoint settles the run and reports cancelled=true; output
// produced after a cancellation request is discarded.
func (reg *Registry) executeNode(ctx context.Context, run *Run, plan *execPlan, nodeID string, toolset *Toolset) (bool, error) {
	node := plan.nodes[nodeID]

	reg.mu.Lock()
	if run.cancelRequested {
		run.markCancelled()
		reg.mu.Unlock()
		return true, nil
	}
	nr := run.findNodeRun(nodeID)
	started := nowUTC()
	nr.Status = StatusRunning
	nr.StartedAt = &started
	run.ActiveNodeID = nodeID
	run.appendLog(LogLifecycle, "Agent running",
		fmt.Sprintf("%s is now running.", nodeLabel(node)), nodeID, nil)

	upstream := reg.buildUpstreamInputs(run, plan, nodeID)
	nr.UpstreamInputs = make([]UpstreamInput, 0, len(upstream))
	for _, in := range upstream {
		nr.UpstreamInputs = append(nr.UpstreamInputs, in.clone())
	}

	handoffSummaries := make([]map[string]any, 0, len(upstream))
	for _, in := range upstream {
		handoffSummaries = append(handoffSummaries, upstreamHandoffSummary(in))
	}
	var workspaceInfo any
	if run.Workspace != nil {
		workspaceInfo = map[string]any{
			"root":        run.Workspace.Root,
			"directories": run.Workspace.Directories,
		}
	}
	run.appendLog(LogInput, "Agent inputs prepared",
		fmt.Sprintf("Prepared inputs for %s including %d upstream handoff(s).", nodeLabel(node), len(upstream)),
		nodeID, map[string]any{
			"runInputs":        run.Inputs,
			"workspace":        workspaceInfo,
			"upstreamHandoffs": handoffSummaries,
		})

	snap := runSnapshot{
		RunID:                 run.ID,
		WorkflowID:            run.WorkflowID,
		WorkflowName:          run.WorkflowName,
		WorkflowPrompt:        run.WorkflowPrompt,
		WorkflowSummary:       run.WorkflowSummary,
		RequestedDeliverables: append([]string(nil), run.RequestedDeliverables...),
		Inputs:                cloneMap(run.Inputs),
	}
	if run.Workspace != nil {
		ws := run.Workspace.clone()
		snap.Workspace = &ws
	}
	isSink := len(plan.outgoing[nodeID]) == 0
	reg.mu.Unlock()

	reg.mu.Lock()
	if run.cancelRequested {
		run.markCancelled()
		reg.mu.Unlock()
		return true, nil
	}
	reg.mu.Unlock()

	onTrace := func(ev traceEvent) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		var payload any
		if ev.payload != nil {
			payload = Sanitize(ev.payload, limits(5, 16, 5000))
		}
		run.appendLog(normalizeCategory(ev.category),
			Truncate(ev.title, 120), Truncate(ev.message, 500), nodeID, payload)
	}

	nodeCtx, nodeSpan := startSpan(ctx, reg.tracer, "node.execute",
		StringAttr("run.id", run.ID), StringAttr("node.id", nodeID))
	output, trace, loopErr := reg.runNodeLoop(nodeCtx, snap, node, isSink, upstream, toolset, onTrace)
	if loopErr != nil {
		nodeSpan.Error(loopErr)
	}
	nodeSpan.End()

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if run.cancelRequested {
		run.markCancelled()
		return true, nil
	}
	flushTrace(run, nodeID, trace)
	if loopErr != nil {
		return false, loopErr
	}

	run.meta.nodeOutputs[nodeID] = cloneMap(output)
	nr.Output = cloneMap(output)
	if s, ok := output["summary"].(string); ok {
		nr.OutputSummary = s
	}

	for _, edge := range plan.outgoing[nodeID] {
		packet := buildHandoffPacket(edge, output, nodeLabel(node), nodeLabel(plan.nodes[edge.Target]))
		cached := packet.clone()
		run.meta.handoffPackets[edge.Source+"->"+edge.Target] = &cached

		message := fmt.Sprintf("%s → %s", nodeLabel(node), nodeLabel(plan.nodes[edge.Target]))
		if edge.Handoff != "" {
			message += fmt.Sprintf(" (%s)", edge.Handoff)
		}
		message += fmt.Sprintf(" [%s]", packet.PacketType)
		run.appendLog(LogHandoff, "Handoff emitted", message, edge.Source, map[string]any{
			"source":          edge.Source,
			"target":          edge.Target,
			"handoff":         edge.Handoff,
			"summary":         nr.OutputSummary,
			"handoffContract": normalizeHandoffContract(edge),
			"packet":          packet,
		})
	}

	finished := nowUTC()
	nr.Status = StatusSuccess
	nr.FinishedAt = &finished
	nr.DurationMs = computeDurationMs(nr.StartedAt, nr.FinishedAt)
	completed := 0
	for _, other := range run.NodeRuns {
		if other.Status == StatusSuccess {
			completed++
		}
	}
	run.Progress.CompletedNodes = completed
	run.ActiveNodeID = ""
	return false, nil
}

// buildUpstreamInputs resolves every incoming edge of a node against the
// outputs accumulated so far. Packets are built lazily per edge and
// cached so repeated consumers and the final handoff log agree. Must be
// called under the registry lock.
func (reg *Registry) buildUpstreamInputs(run *Run, plan *execPlan, nodeID string) []UpstreamInput {
	edges := plan.incoming[nodeID]
	upstream := make([]UpstreamInput, 0, len(edges))
	for _, edge := range edges {
		key := edge.Source + "->" + edge.Target
		packet := run.meta.handoffPackets[key]
		sourceOutput, hasOutput := run.meta.nodeOutputs[edge.Source]
		if packet == nil && hasOutput {
			built := buildHandoffPacket(edge, sourceOutput,
				nodeLabel(plan.nodes[edge.Source]), nodeLabel(plan.nodes[edge.Target]))
			cached := built.clone()
			run.meta.handoffPackets[key] = &cached
			packet = built
		}
		contract := normalizeHandoffContract(edge)
		input := UpstreamInput{
			FromNodeID:      edge.Source,
			FromNodeName:    nodeLabel(plan.nodes[edge.Source]),
			Handoff:         edge.Handoff,
			HandoffContract: &contract,
		}
		if packet != nil {
			clone := packet.clone()
			input.Packet = &clone
			input.PacketSummary = packet.Summary
		}
		if hasOutput {
			if s, ok := sourceOutput["summary"].(string); ok {
				input.OutputSummary = s
			}
			input.Output = cloneMap(sourceOutput)
		}
		upstream = append(upstream, input)
	}
	return upstream
}

// upstreamHandoffSummary is the compact log representation of one
// resolved upstream input.
func upstreamHandoffSummary(in UpstreamInput) map[string]any {
	packetType := ""
	if in.HandoffContract != nil {
		packetType = in.HandoffContract.PacketType
	}
	payloadKeys := []string{}
	workspaceRefs := []string{}
	refCount := 0
	missing := []string{}
	if in.Packet != nil {
		if in.Packet.PacketType != "" {
			packetType = in.Packet.PacketType
		}
		payloadKeys = sortedKeys(in.Packet.Payload)
		if refs, ok := in.Packet.Payload["workspaceRefs"].([]any); ok {
			refCount = len(refs)
			for _, ref := range refs {
				if len(workspaceRefs) >= 8 {
					break
				}
				if m, ok := ref.(map[string]any); ok {
					if path, ok := m["path"].(string); ok && path != "" {
						workspaceRefs = append(workspaceRefs, path)
					}
				}
			}
		}
		missing = append(missing, in.Packet.MissingRequiredFields...)
	}
	return map[string]any{
		"fromNodeId":            in.FromNodeID,
		"fromNodeName":          in.FromNodeName,
		"handoff":               in.Handoff,
		"packetType":            packetType,
		"packetSummary":         in.PacketSummary,
		"payloadKeys":           payloadKeys,
		"workspaceRefCount":     refCount,
		"workspaceRefs":         workspaceRefs,
		"missingRequiredFields": missing,
	}
}

// flushTrace appends every trace event the live callback did not already
// deliver. Must be called under the registry lock.
func flushTrace(run *Run, nodeID string, trace []traceEvent) {
	for _, ev := range trace {
		if ev.flushed {
			continue
		}
		var payload any
		if ev.payload != nil {
			payload = Sanitize(ev.payload, limits(5, 12, 5000))
		}
		run.appendLog(normalizeCategory(ev.category),
			Truncate(ev.title, 120), Truncate(ev.message, 500), nodeID, payload)
	}
}

// failRun settles a run after an escaping execution error: the run and
// its currently running node move to failed and the error is logged.
func (reg *Registry) failRun(run *Run, cause error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	now := nowUTC()
	run.Status = StatusFailed
	run.ActiveNodeID = ""
	run.Error = cause.Error()
	run.FinishedAt = &now
	run.DurationMs = computeDurationMs(run.StartedAt, run.FinishedAt)

	failedNodeID := ""
	for _, nr := range run.NodeRuns {
		if nr.Status == StatusRunning {
			nr.Status = StatusFailed
			nr.FinishedAt = &now
			nr.DurationMs = computeDurationMs(nr.StartedAt, nr.FinishedAt)
			failedNodeID = nr.NodeID
			break
		}
	}
	failed := 0
	for _, nr := range run.NodeRuns {
		if nr.Status == StatusFailed {
			failed++
		}
	}
	run.Progress.FailedNodes = failed

	run.appendLog(LogError, "Run failed", cause.Error(), failedNodeID, nil)
	reg.logger.Error("workflow run failed", "runId", run.ID, "error", cause)
}
