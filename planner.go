package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultPlannerModel = "gpt-4.1-mini"

	plannerSystemPrompt = "You design compact agentic workflows for software/product tasks. " +
		"Return a DAG (not a loop) with 3-8 agent nodes. " +
		"Prefer clear handoffs and parallel branches only when useful. " +
		"Use short snake_case ids."
)

const (
	maxPlanNodes        = 8
	maxPlanNameRunes    = 48
	maxPlanRoleRunes    = 120
	maxPlanObjective    = 180
	maxPlanHandoffRunes = 80
	maxPlanSummaryRunes = 320
)

// WorkflowPlan is a proposed workflow for a task: a node/edge DAG ready
// to be turned into a run template, plus provenance of how it was
// generated.
type WorkflowPlan struct {
	Task        string    `json:"task"`
	Summary     string    `json:"summary"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	GeneratedBy string    `json:"generated_by"`
	Model       string    `json:"model,omitempty"`
	Warnings    []string  `json:"warnings"`
	Graph       PlanGraph `json:"graph"`
}

// PlanGraph summarizes the compiled shape of a plan: whether it passes
// template validation and which nodes start and finish the DAG.
type PlanGraph struct {
	Compiled bool     `json:"compiled"`
	Roots    []string `json:"roots"`
	Sinks    []string `json:"sinks"`
}

// Planner turns free-form task descriptions into workflow plans. The
// model proposal is best-effort: any failure degrades to a deterministic
// rule-based plan with a warning, so planning never errors on model
// trouble.
type Planner struct {
	client DecisionClient
	model  string
	logger *slog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerModel overrides the model name reported on generated plans.
func WithPlannerModel(model string) PlannerOption {
	return func(p *Planner) { p.model = model }
}

// WithPlannerLogger sets the planner logger.
func WithPlannerLogger(l *slog.Logger) PlannerOption {
	return func(p *Planner) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPlanner creates a planner backed by the given decision client.
// client may be nil: every plan then comes from the rule-based fallback.
func NewPlanner(client DecisionClient, opts ...PlannerOption) *Planner {
	p := &Planner{
		client: client,
		model:  plannerModelFromEnv(),
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func plannerModelFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("WORKFLOW_MODEL")); v != "" {
		return v
	}
	return defaultPlannerModel
}

// PlanWorkflow proposes a workflow for the task. An empty task is the
// only error; model failures surface as warnings on a fallback plan.
func (p *Planner) PlanWorkflow(ctx context.Context, task string) (*WorkflowPlan, error) {
	cleaned := strings.TrimSpace(task)
	if cleaned == "" {
		return nil, validationErrorf("Task description is required")
	}

	warnings := []string{}
	generatedBy := "fallback_rule_based"
	model := ""

	draft, err := p.llmPlan(ctx, cleaned)
	if err != nil {
		warnings = append(warnings, "Using fallback planner: "+err.Error())
		draft = fallbackPlan(cleaned)
	} else {
		generatedBy = "openai_structured"
		model = p.model
	}

	normalized := normalizePlan(draft, cleaned)
	plan := &WorkflowPlan{
		Task:        cleaned,
		Summary:     normalized.Summary,
		Nodes:       normalized.Nodes,
		Edges:       normalized.Edges,
		GeneratedBy: generatedBy,
		Model:       model,
		Warnings:    warnings,
		Graph:       buildPlanGraph(normalized.Nodes, normalized.Edges),
	}
	p.logger.Info("workflow plan generated",
		"generatedBy", plan.GeneratedBy,
		"nodes", len(plan.Nodes),
		"edges", len(plan.Edges),
		"compiled", plan.Graph.Compiled)
	return plan, nil
}

// planDraft is the raw plan shape before normalization, matching the
// JSON the model is asked for.
type planDraft struct {
	Summary string `json:"summary"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

func (p *Planner) llmPlan(ctx context.Context, task string) (planDraft, error) {
	if p.client == nil {
		return planDraft{}, errors.New("OPENAI_API_KEY is not configured")
	}
	raw, err := p.client.Decide(ctx, plannerSystemPrompt, plannerUserText(task), plannerSchemaText())
	if err != nil {
		return planDraft{}, err
	}
	return parsePlanDraft(raw)
}

func plannerUserText(task string) string {
	return "Create a workflow for this task:\n" + task +
		"\n\nThe workflow should be practical for an AI agent system and include a final review node."
}

func plannerSchema() map[string]any {
	return map[string]any{
		"$defs": map[string]any{
			"WorkflowNode": map[string]any{
				"type":  "object",
				"title": "WorkflowNode",
				"properties": map[string]any{
					"id":        map[string]any{"type": "string", "description": "Unique snake_case identifier for the agent node"},
					"name":      map[string]any{"type": "string", "description": "Short agent display name"},
					"role":      map[string]any{"type": "string", "description": "What this agent is responsible for"},
					"objective": map[string]any{"type": "string", "description": "One-line goal or output for the agent"},
				},
				"required": []any{"id", "name", "role", "objective"},
			},
			"WorkflowEdge": map[string]any{
				"type":  "object",
				"title": "WorkflowEdge",
				"properties": map[string]any{
					"source":  map[string]any{"type": "string", "description": "Source node id"},
					"target":  map[string]any{"type": "string", "description": "Target node id"},
					"handoff": map[string]any{"type": "string", "default": "", "description": "Short description of what is passed"},
				},
				"required": []any{"source", "target"},
			},
		},
		"type":  "object",
		"title": "WorkflowPlan",
		"properties": map[string]any{
			"summary": map[string]any{"type": "string", "description": "Short summary of the proposed workflow"},
			"nodes": map[string]any{
				"type": "array", "minItems": 2, "maxItems": 8,
				"items": map[string]any{"$ref": "#/$defs/WorkflowNode"},
			},
			"edges": map[string]any{
				"type":  "array",
				"items": map[string]any{"$ref": "#/$defs/WorkflowEdge"},
			},
		},
		"required": []any{"summary", "nodes"},
	}
}

func plannerSchemaText() string {
	return "\n\nReturn a JSON object matching this schema:\n" + Preview(plannerSchema(), 8000)
}

func parsePlanDraft(raw string) (planDraft, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return planDraft{}, errors.New("planner model returned empty content")
	}
	if m := fencedJSONPattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	var draft planDraft
	if err := json.Unmarshal([]byte(text), &draft); err != nil {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return planDraft{}, errors.New("planner model did not return a JSON object")
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &draft); err != nil {
			return planDraft{}, fmt.Errorf("planner model returned invalid JSON: %v", err)
		}
	}
	if len(draft.Nodes) < 2 {
		return planDraft{}, fmt.Errorf("planner model returned %d node(s), need at least 2", len(draft.Nodes))
	}
	return draft, nil
}

// fallbackPlan is the deterministic plan used whenever the model cannot
// deliver one: clarify, plan, branch into research and build, review.
func fallbackPlan(task string) planDraft {
	topic := strings.TrimSpace(task)
	if topic == "" {
		topic = "requested task"
	}
	return planDraft{
		Summary: fmt.Sprintf("Plan the work, branch into research/implementation, then review before delivery for: %s.", topic),
		Nodes: []Node{
			{
				ID:        "intake_agent",
				Name:      "Intake Agent",
				Role:      "Clarify scope",
				Objective: "Extract the goal, constraints, and success criteria from the task.",
			},
			{
				ID:        "planner_agent",
				Name:      "Planner Agent",
				Role:      "Design execution steps",
				Objective: "Create a concrete execution plan and identify parallelizable work.",
			},
			{
				ID:        "research_agent",
				Name:      "Research Agent",
				Role:      "Gather supporting context",
				Objective: "Collect facts, references, and dependencies needed to execute safely.",
			},
			{
				ID:        "builder_agent",
				Name:      "Builder Agent",
				Role:      "Produce the deliverable",
				Objective: "Execute the plan using the research output and task constraints.",
			},
			{
				ID:        "review_agent",
				Name:      "Review Agent",
				Role:      "Quality and risk check",
				Objective: "Verify completeness, flag risks, and prepare the final response.",
			},
		},
		Edges: []Edge{
			{Source: "intake_agent", Target: "planner_agent", Handoff: "task brief"},
			{Source: "planner_agent", Target: "research_agent", Handoff: "research questions"},
			{Source: "planner_agent", Target: "builder_agent", Handoff: "execution plan"},
			{Source: "research_agent", Target: "builder_agent", Handoff: "findings"},
			{Source: "builder_agent", Target: "review_agent", Handoff: "draft output"},
		},
	}
}

// normalizePlan makes any draft safe to execute: slugged unique node
// ids, clipped display fields with defaults, and an edge set that is a
// deduplicated DAG over known nodes. Drafts that cannot be repaired
// (fewer than two usable nodes) are replaced by the fallback plan, and
// a draft whose edges are unusable or cyclic degrades to a linear chain.
func normalizePlan(draft planDraft, task string) planDraft {
	rawNodes := draft.Nodes
	if len(rawNodes) > maxPlanNodes {
		rawNodes = rawNodes[:maxPlanNodes]
	}

	nodes := make([]Node, 0, len(rawNodes))
	seen := map[string]bool{}
	for i, node := range rawNodes {
		source := node.ID
		if strings.TrimSpace(source) == "" {
			source = node.Name
		}
		id := planSlug(source, fmt.Sprintf("agent_%d", i+1))
		if seen[id] {
			suffix := 2
			for seen[fmt.Sprintf("%s_%d", id, suffix)] {
				suffix++
			}
			id = fmt.Sprintf("%s_%d", id, suffix)
		}
		seen[id] = true

		name := strings.TrimSpace(node.Name)
		if name == "" {
			name = planTitleCaser.String(strings.ReplaceAll(id, "_", " "))
		}
		role := strings.TrimSpace(node.Role)
		if role == "" {
			role = "General task execution"
		}
		objective := strings.TrimSpace(node.Objective)
		if objective == "" {
			objective = "Complete assigned step"
		}
		nodes = append(nodes, Node{
			ID:        id,
			Name:      clipRunes(name, maxPlanNameRunes),
			Role:      clipRunes(role, maxPlanRoleRunes),
			Objective: clipRunes(objective, maxPlanObjective),
		})
	}
	if len(nodes) < 2 {
		return fallbackPlan(task)
	}

	validIDs := make(map[string]bool, len(nodes))
	nodeIDs := make([]string, 0, len(nodes))
	for _, node := range nodes {
		validIDs[node.ID] = true
		nodeIDs = append(nodeIDs, node.ID)
	}

	edges := make([]Edge, 0, len(draft.Edges))
	seenEdges := map[string]bool{}
	for _, edge := range draft.Edges {
		source := planSlug(edge.Source, "")
		target := planSlug(edge.Target, "")
		if source == "" || target == "" || source == target {
			continue
		}
		if !validIDs[source] || !validIDs[target] {
			continue
		}
		key := source + "->" + target
		if seenEdges[key] {
			continue
		}
		seenEdges[key] = true
		edges = append(edges, Edge{
			Source:  source,
			Target:  target,
			Handoff: clipRunes(strings.TrimSpace(edge.Handoff), maxPlanHandoffRunes),
		})
	}

	if len(edges) == 0 {
		edges = linearChain(nodes)
	} else if _, ok := topologicalOrder(nodeIDs, edges); !ok {
		edges = linearChain(nodes)
	}

	return planDraft{
		Summary: clipRunes(strings.TrimSpace(draft.Summary), maxPlanSummaryRunes),
		Nodes:   nodes,
		Edges:   edges,
	}
}

func linearChain(nodes []Node) []Edge {
	edges := make([]Edge, 0, len(nodes)-1)
	for i := 0; i+1 < len(nodes); i++ {
		edges = append(edges, Edge{Source: nodes[i].ID, Target: nodes[i+1].ID})
	}
	return edges
}

// buildPlanGraph derives the roots and sinks of the plan and checks it
// compiles as a run template.
func buildPlanGraph(nodes []Node, edges []Edge) PlanGraph {
	incoming := map[string]int{}
	outgoing := map[string]int{}
	for _, edge := range edges {
		incoming[edge.Target]++
		outgoing[edge.Source]++
	}
	roots := []string{}
	sinks := []string{}
	for _, node := range nodes {
		if incoming[node.ID] == 0 {
			roots = append(roots, node.ID)
		}
		if outgoing[node.ID] == 0 {
			sinks = append(sinks, node.ID)
		}
	}

	tmpl := Template{ID: "plan_preview", Name: "Plan Preview", Nodes: nodes, Edges: edges}
	return PlanGraph{
		Compiled: tmpl.Validate() == nil,
		Roots:    roots,
		Sinks:    sinks,
	}
}

// --- slug helpers ---

var (
	planTitleCaser = cases.Title(language.English)
	accentFolder   = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// foldAccents strips diacritics so slugs stay ASCII-friendly for ids
// the model writes in any language.
func foldAccents(s string) string {
	out, _, err := transform.String(accentFolder, s)
	if err != nil {
		return s
	}
	return out
}

func planSlug(text, fallback string) string {
	return slugify(foldAccents(text), fallback)
}
