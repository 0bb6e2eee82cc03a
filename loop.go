package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// traceEvent is one agent-loop observation on its way to the run log.
// Events delivered live through the scheduler callback are marked
// flushed so the batch integration pass appends only the remainder.
type traceEvent struct {
	category LogCategory
	title    string
	message  string
	payload  map[string]any
	flushed  bool
}

// requestDecision asks the client for one decision and parses the reply.
// A malformed reply earns exactly one corrective retry quoting the raw
// text back to the model; a second failure is fatal for the node.
func (reg *Registry) requestDecision(ctx context.Context, systemPrompt, userText string) (*AgentDecision, error) {
	if reg.client == nil {
		return nil, errors.New("OPENAI_API_KEY is not configured for workflow execution")
	}
	schemaText := decisionSchemaText()
	raw, err := reg.client.Decide(ctx, systemPrompt, userText, schemaText)
	if err != nil {
		return nil, err
	}
	decision, parseErr := parseDecision(raw)
	if parseErr == nil {
		return decision, nil
	}
	retryText := userText + "\n\n" + correctiveRetryText(raw)
	raw, err = reg.client.Decide(ctx, systemPrompt, retryText, schemaText)
	if err != nil {
		return nil, err
	}
	return parseDecision(raw)
}

// runNodeLoop drives one node to completion: request a decision, execute
// at most one tool call per turn, and stop when the model finalizes or
// the turn budget runs out. Tool failures are surfaced to the model as
// history entries, never as loop errors. The returned trace events carry
// everything onTrace has not already delivered.
func (reg *Registry) runNodeLoop(ctx context.Context, snap runSnapshot, node Node, isSink bool,
	upstream []UpstreamInput, toolset *Toolset, onTrace func(traceEvent)) (map[string]any, []traceEvent, error) {

	if toolset == nil {
		toolset = NewToolset()
	}
	maxTurns := clampTurns(reg.maxTurns)
	catalog := catalogForModel(toolset.Definitions())

	var trace []traceEvent
	emit := func(ev traceEvent) {
		if onTrace != nil {
			onTrace(ev)
			ev.flushed = true
		}
		trace = append(trace, ev)
	}

	var workspaceRoot any
	if snap.Workspace != nil {
		workspaceRoot = snap.Workspace.Root
	}
	emit(traceEvent{
		category: LogThinking,
		title:    "Agent runtime initialized",
		message:  fmt.Sprintf("Executing %s with model %s and real tool access.", nodeLabel(node), reg.model),
		payload:  map[string]any{"model": reg.model, "sinkNode": isSink, "workspaceRoot": workspaceRoot},
	})

	systemPrompt := agentSystemPrompt
	if snap.Workspace != nil {
		systemPrompt += workspaceSystemAddendum
	}

	var requiredCodeBundles []string
	for _, name := range snap.RequestedDeliverables {
		if isCodeDeliverableName(name) {
			requiredCodeBundles = append(requiredCodeBundles, name)
		}
	}

	history := []map[string]any{}
	toolCalls := []map[string]any{}
	var autoRefs []map[string]any
	counts := map[string]int{}
	lastTool := ""

	for turn := 0; turn < maxTurns; turn++ {
		payload := buildDecisionPayload(snap, node, isSink, upstream, catalog, history, maxTurns, turn)
		decision, err := reg.requestDecision(ctx, systemPrompt, decisionUserText(payload))
		if err != nil {
			return nil, trace, err
		}

		statusNote := strings.TrimSpace(decision.StatusNote)
		if statusNote == "" {
			if decision.Action == "tool" {
				statusNote = "Requested a tool call."
			} else {
				statusNote = "Prepared final node output."
			}
		}
		thinkingPayload := map[string]any{
			"turn":       turn + 1,
			"action":     decision.Action,
			"statusNote": statusNote,
		}
		if decision.Action == "tool" && decision.ToolRequest != nil {
			thinkingPayload["toolRequested"] = strings.TrimSpace(decision.ToolRequest.Tool)
			thinkingPayload["toolReason"] = Truncate(decision.ToolRequest.Reason, 300)
		} else if decision.Action == "final" {
			thinkingPayload["summaryPreview"] = Truncate(decision.Summary, 200)
			if len(decision.Data) > 0 {
				keys := sortedKeys(decision.Data)
				if len(keys) > 12 {
					keys = keys[:12]
				}
				thinkingPayload["dataKeys"] = keys
			}
		}
		emit(traceEvent{
			category: LogThinking,
			title:    fmt.Sprintf("Agent step %d", turn+1),
			message:  Truncate(statusNote, 240),
			payload:  thinkingPayload,
		})

		if decision.Action == "tool" {
			req := decision.ToolRequest
			if req == nil {
				history = append(history, map[string]any{
					"turn":   turn + 1,
					"action": "tool_error",
					"error":  "Model selected action='tool' without tool_request payload.",
				})
				emit(traceEvent{
					category: LogError,
					title:    "Invalid tool request",
					message:  "Model selected action='tool' without tool_request payload.",
				})
				continue
			}
			toolName := strings.TrimSpace(req.Tool)
			args := req.Args
			if args == nil {
				args = map[string]any{}
			}

			if toolName == lastTool {
				counts[toolName]++
			} else {
				counts = map[string]int{toolName: 1}
			}
			lastTool = toolName
			repeat := counts[toolName]

			if repeat >= 5 {
				emit(traceEvent{
					category: LogError,
					title:    "Circuit breaker triggered",
					message:  fmt.Sprintf("Forced finalization after %d consecutive %s calls.", repeat, toolName),
					payload:  map[string]any{"tool": toolName, "consecutiveCount": repeat},
				})
				history = append(history, map[string]any{
					"turn":   turn + 1,
					"action": "circuit_breaker",
					"reason": fmt.Sprintf("CIRCUIT BREAKER: You called %s %d times in a row with no new results. "+
						"You MUST finalize NOW with action='final'. Use information from upstream handoffs and run inputs. "+
						"Do NOT call any more tools. Produce your best output from available context.", toolName, repeat),
				})
				continue
			}
			if repeat >= 3 {
				history = append(history, map[string]any{
					"turn":   turn + 1,
					"action": "repetition_warning",
					"reason": fmt.Sprintf("WARNING: You have called %s %d consecutive times. "+
						"The data you are looking for may not exist in the workspace. "+
						"Upstream agents may have described outputs conceptually without writing files. "+
						"Use the information from 'upstreamHandoffs' and 'runInputs' directly. "+
						"Finalize with action='final' on your next turn using the best available context.", toolName, repeat),
				})
				emit(traceEvent{
					category: LogThinking,
					title:    "Repetition warning",
					message:  fmt.Sprintf("%s called %d consecutive times — warning injected.", toolName, repeat),
					payload:  map[string]any{"tool": toolName, "consecutiveCount": repeat},
				})
			}

			reason := req.Reason
			displayReason := reason
			if displayReason == "" {
				displayReason = "no reason provided"
			}
			emit(traceEvent{
				category: LogControl,
				title:    "Tool call requested",
				message:  fmt.Sprintf("%s (%s)", toolName, Truncate(displayReason, 180)),
				payload: map[string]any{
					"tool":   toolName,
					"args":   Sanitize(args, limits(5, 16, 2000)),
					"reason": reason,
				},
			})

			started := time.Now()
			result, err := toolset.Run(ctx, toolName, args)
			durationMs := round2(float64(time.Since(started)) / float64(time.Millisecond))
			if err != nil {
				errText := err.Error()
				toolCalls = append(toolCalls, map[string]any{
					"tool":   toolName,
					"reason": reason,
					"args":   Sanitize(args, DefaultSanitizeLimits()),
					"ok":     false,
					"error":  errText,
				})
				history = append(history, map[string]any{
					"turn":   turn + 1,
					"action": "tool_error",
					"tool":   toolName,
					"reason": reason,
					"args":   Sanitize(args, DefaultSanitizeLimits()),
					"error":  errText,
				})
				emit(traceEvent{
					category: LogError,
					title:    "Tool call failed",
					message:  fmt.Sprintf("%s failed: %s", toolName, Truncate(errText, 220)),
					payload: map[string]any{
						"tool":  toolName,
						"args":  Sanitize(args, DefaultSanitizeLimits()),
						"error": errText,
					},
				})
				continue
			}

			sanitized := sanitizeToolResult(result)
			refs := workspaceRefsFromToolResult(toolName, result)
			autoRefs = mergeWorkspaceRefs(autoRefs, refs)
			toolCalls = append(toolCalls, map[string]any{
				"tool":       toolName,
				"reason":     reason,
				"args":       Sanitize(args, DefaultSanitizeLimits()),
				"durationMs": durationMs,
				"ok":         true,
				"result":     sanitized,
			})
			history = append(history, map[string]any{
				"turn":   turn + 1,
				"action": "tool_result",
				"tool":   toolName,
				"reason": reason,
				"args":   Sanitize(args, DefaultSanitizeLimits()),
				"result": sanitized,
			})
			emit(traceEvent{
				category: LogOutput,
				title:    "Tool call completed",
				message:  fmt.Sprintf("%s completed in %vms.", toolName, durationMs),
				payload: map[string]any{
					"tool":          toolName,
					"args":          Sanitize(args, limits(4, 12, 1500)),
					"result":        Sanitize(sanitized, limits(5, 16, 4000)),
					"durationMs":    durationMs,
					"workspaceRefs": Sanitize(refs, limits(5, 20, 4000)),
				},
			})
			continue
		}

		// action == "final"
		summary := strings.TrimSpace(decision.Summary)
		if summary == "" {
			summary = fmt.Sprintf("%s completed its step.", nodeLabel(node))
		}
		details := decision.Details
		if details == nil {
			details = map[string]any{}
		}
		data := decision.Data
		if data == nil {
			data = map[string]any{}
		}
		merged := mergeWorkspaceRefs(autoRefs, data["workspaceRefs"])
		if len(merged) > 0 {
			data["workspaceRefs"] = merged
		}

		if isSink && len(requiredCodeBundles) > 0 {
			var missing []string
			if rawDeliverables, ok := data["deliverables"].(map[string]any); ok {
				for _, name := range requiredCodeBundles {
					if extractCodeBundleFiles(rawDeliverables[name]) == nil {
						missing = append(missing, name)
					}
				}
			} else {
				missing = append([]string(nil), requiredCodeBundles...)
			}
			if len(missing) > 0 {
				guidance := "Sink node output missing required code bundle deliverables: " +
					strings.Join(missing, ", ") +
					". Return data.deliverables.<name> = {kind:'code_bundle', files:{...}}."
				history = append(history, map[string]any{
					"turn":   turn + 1,
					"action": "validation_retry",
					"reason": guidance,
				})
				emit(traceEvent{
					category: LogThinking,
					title:    "Deliverable contract incomplete",
					message:  Truncate(guidance, 240),
					payload:  map[string]any{"missingCodeBundles": missing},
				})
				if turn+1 < maxTurns {
					continue
				}
				return nil, trace, errors.New(guidance)
			}
		}

		outDetails := map[string]any{
			"nodeId":        node.ID,
			"nodeName":      nodeLabel(node),
			"role":          node.Role,
			"objective":     node.Objective,
			"toolCalls":     Sanitize(toolCalls, limits(5, 20, 4000)),
			"workspaceRefs": Sanitize(merged, limits(5, 40, 2000)),
			"agentDetails":  Sanitize(details, limits(6, 20, 6000)),
			"stepCount":     turn + 1,
		}
		outputData, _ := Sanitize(data, limits(6, 30, 10000)).(map[string]any)
		if outputData == nil {
			outputData = map[string]any{}
		}
		setDefault(outputData, "summary", summary)
		setDefault(outputData, "nodeId", node.ID)
		setDefault(outputData, "nodeName", nodeLabel(node))
		setDefault(outputData, "toolCallCount", len(toolCalls))
		if len(merged) > 0 {
			outputData["workspaceRefs"] = Sanitize(merged, limits(5, 40, 2000))
		}

		emit(traceEvent{
			category: LogOutput,
			title:    "Agent output produced",
			message:  Truncate(summary, 240),
			payload: map[string]any{
				"summary":           summary,
				"stepCount":         turn + 1,
				"toolCallCount":     len(toolCalls),
				"workspaceRefCount": len(merged),
				"workspaceRefs":     Sanitize(merged, limits(5, 12, 400)),
			},
		})
		if len(merged) > 0 {
			emit(traceEvent{
				category: LogOutput,
				title:    "Workspace references recorded",
				message:  fmt.Sprintf("Recorded %d workspace reference(s) for downstream agents.", len(merged)),
				payload:  map[string]any{"workspaceRefs": Sanitize(merged, limits(5, 24, 600))},
			})
		}

		return map[string]any{
			"summary": summary,
			"details": outDetails,
			"data":    outputData,
		}, trace, nil
	}

	label := nodeLabel(node)
	if label == "" {
		label = "agent"
	}
	return nil, trace, fmt.Errorf("Node %s exceeded max decision turns (%d) without final output", label, maxTurns)
}

// nodeLabel is the display name of a node: its name when set, its id
// otherwise.
func nodeLabel(node Node) string {
	if node.Name != "" {
		return node.Name
	}
	return node.ID
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func setDefault(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}
