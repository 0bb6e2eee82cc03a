package engine

// agentSystemPrompt frames every node decision: one tool call per turn or
// a final output, no fabricated results, and explicit guidance to stop
// retrying tools that return nothing new.
const agentSystemPrompt = "You are an execution agent in a DAG-based workflow runtime. " +
	"You must complete the current node's objective using the provided workflow inputs and upstream handoffs. " +
	"You may request exactly one tool call at a time using action='tool', or finish with action='final'. " +
	"Do not fabricate tool results. Only use tools listed in the tool catalog. " +
	"When you finish, produce a concise but concrete summary and structured details/data. " +
	"Include useful artifacts in data when available (e.g., code snippets, plans, findings, URLs, commands, file names). " +
	"If this is a sink/final node, include user-facing output in data.final_markdown when possible. " +
	"If the workflow has requested deliverables, include a data.deliverables object keyed by deliverable name. " +
	"For code deliverables, use {kind:'code_bundle', files:{'relative/path.ext':'file content', ...}} with real file contents.\n" +
	"IMPORTANT: If a tool call returns no useful new information, do NOT keep retrying the same tool. " +
	"Use the information already available from upstream handoffs, run inputs, and previous tool results. " +
	"If you cannot find expected files in the workspace, they may not have been written by upstream agents " +
	"— proceed with the information in the upstream handoff summaries and data instead of searching repeatedly. " +
	"After 2-3 unsuccessful tool calls, finalize with action='final' using your best output from available context."

// workspaceSystemAddendum extends the system prompt when the run has a
// shared workspace on disk.
const workspaceSystemAddendum = " A shared run workspace is available for all agents. " +
	"Use workspace_list_files/workspace_read_file/workspace_write_file/workspace_exec to inspect and create real files. " +
	"Prefer writing implementation files and generated scripts into the workspace instead of only describing them. " +
	"Track important workspace files you created/read/updated in data.workspaceRefs as path-based references (not full file contents). " +
	"Downstream agents will use these references to continue work in the shared workspace."

const decisionUserPreamble = "Choose the next action for this node and return structured JSON only.\n\n"

// runSnapshot is the immutable slice of run state a node loop works
// from, captured under the registry lock before the loop starts.
type runSnapshot struct {
	RunID                 string
	WorkflowID            string
	WorkflowName          string
	WorkflowPrompt        string
	WorkflowSummary       string
	RequestedDeliverables []string
	Inputs                map[string]any
	Workspace             *WorkspaceInfo
}

// buildDecisionPayload assembles the structured prompt for one decision
// turn: workflow context, node objective, summarized inputs and
// handoffs, the tool catalog, and the turn history so far.
func buildDecisionPayload(snap runSnapshot, node Node, isSink bool, upstream []UpstreamInput,
	catalog []map[string]any, history []map[string]any, maxTurns, turn int) map[string]any {

	requested := snap.RequestedDeliverables
	if len(requested) > 20 {
		requested = requested[:20]
	}
	var workspace any
	if snap.Workspace != nil {
		workspace = Sanitize(snap.Workspace, limits(5, 20, 4000))
	}
	return map[string]any{
		"workflow": map[string]any{
			"id":                    snap.WorkflowID,
			"name":                  snap.WorkflowName,
			"prompt":                Truncate(snap.WorkflowPrompt, 4000),
			"summary":               Truncate(snap.WorkflowSummary, 2000),
			"requestedDeliverables": requested,
		},
		"node": map[string]any{
			"id":         node.ID,
			"name":       node.Name,
			"role":       node.Role,
			"objective":  node.Objective,
			"isSinkNode": isSink,
		},
		"runInputs":        summarizeRunInputs(snap.Inputs),
		"upstreamHandoffs": summarizeUpstreamInputs(upstream),
		"workspace":        workspace,
		"toolCatalog":      catalog,
		"history":          history,
		"constraints": map[string]any{
			"maxTurns":                     maxTurns,
			"currentTurn":                  turn + 1,
			"preferFinalWhenEnoughContext": true,
		},
	}
}

// decisionUserText renders the payload into the user message for one
// decision request.
func decisionUserText(payload map[string]any) string {
	return decisionUserPreamble + Preview(payload, 18000)
}

// --- input summarizers ---

// summarizeUploadedFile compacts one uploaded-file input for the model:
// metadata plus a text excerpt for text files or a short preview for
// anything else, never the full content.
func summarizeUploadedFile(value map[string]any) any {
	summary := map[string]any{
		"id":        value["id"],
		"name":      value["name"],
		"mimeType":  value["mimeType"],
		"sizeBytes": value["sizeBytes"],
		"kind":      value["kind"],
		"truncated": truthy(value["truncated"]),
	}
	if content, ok := value["content"].(string); ok {
		if kind, _ := value["kind"].(string); kind == "text" {
			summary["textExcerpt"] = Truncate(content, 5000)
		} else {
			summary["contentPreview"] = Truncate(content, 240)
		}
	}
	return Sanitize(summary, limits(5, 12, 5000))
}

// summarizeRunInputs prepares run inputs for the prompt. Uploaded files
// (single or listed) are summarized instead of inlined; lists keep at
// most eight entries plus a truncation marker. Everything else passes
// through the default sanitize limits.
func summarizeRunInputs(inputs map[string]any) map[string]any {
	summarized := map[string]any{}
	for key, value := range inputs {
		if list, ok := value.([]any); ok && len(list) > 0 && allUploadedFiles(list) {
			items := make([]any, 0, 9)
			for i, item := range list {
				if i >= 8 {
					break
				}
				if m, ok := item.(map[string]any); ok {
					items = append(items, summarizeUploadedFile(m))
				}
			}
			if len(list) > 8 {
				items = append(items, map[string]any{"_truncated_items": len(list) - 8})
			}
			summarized[key] = items
			continue
		}
		if m, ok := value.(map[string]any); ok && looksLikeUploadedFile(m) {
			summarized[key] = summarizeUploadedFile(m)
			continue
		}
		summarized[key] = Sanitize(value, DefaultSanitizeLimits())
	}
	return summarized
}

func allUploadedFiles(list []any) bool {
	for _, item := range list {
		if !looksLikeUploadedFile(item) {
			return false
		}
	}
	return true
}

// summarizeUpstreamInputs prepares the incoming handoffs for the prompt:
// at most twelve entries, each with its packet, the workspace references
// carried by the packet (or the raw output when the packet has none),
// and the sanitized raw output.
func summarizeUpstreamInputs(items []UpstreamInput) []map[string]any {
	summarized := make([]map[string]any, 0, len(items)+1)
	for i, item := range items {
		if i >= 12 {
			break
		}
		var packetValue any = map[string]any{}
		var refs any
		if item.Packet != nil {
			packetValue = item.Packet
			if item.Packet.Payload != nil {
				if v, ok := item.Packet.Payload["workspaceRefs"]; ok && v != nil {
					refs = v
				}
			}
		}
		var outputValue any = map[string]any{}
		if item.Output != nil {
			outputValue = item.Output
			if refs == nil {
				if data, ok := item.Output["data"].(map[string]any); ok {
					if v, ok := data["workspaceRefs"]; ok {
						refs = v
					}
				}
			}
		}
		summarized = append(summarized, map[string]any{
			"fromNodeId":    item.FromNodeID,
			"fromNodeName":  item.FromNodeName,
			"handoff":       item.Handoff,
			"packetSummary": item.PacketSummary,
			"packet":        Sanitize(packetValue, DefaultSanitizeLimits()),
			"workspaceRefs": Sanitize(refs, DefaultSanitizeLimits()),
			"outputSummary": item.OutputSummary,
			"output":        Sanitize(outputValue, DefaultSanitizeLimits()),
		})
	}
	if len(items) > 12 {
		summarized = append(summarized, map[string]any{"_truncated_items": len(items) - 12})
	}
	return summarized
}
