package engine

import (
	"encoding/json"
	"unicode/utf8"
)

// Template describes a workflow as a DAG of agent nodes. Templates are
// provided by callers on every run creation; the engine never stores them
// independently of the runs built from them.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Prompt  string `json:"prompt"`
	Summary string `json:"summary"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

// Node is a single agent step inside a workflow template.
type Node struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Objective string `json:"objective"`
}

// Edge connects two nodes and optionally names the handoff the target
// expects, plus a structured contract for the packet payload.
type Edge struct {
	Source          string           `json:"source"`
	Target          string           `json:"target"`
	Handoff         string           `json:"handoff"`
	HandoffContract *HandoffContract `json:"handoffContract"`
}

// HandoffContract declares the shape of the payload a downstream node
// expects from an upstream one.
type HandoffContract struct {
	PacketType string         `json:"packetType"`
	Fields     []HandoffField `json:"fields"`
}

// HandoffField maps one key of a handoff payload to a path inside the
// upstream node's output.
type HandoffField struct {
	TargetKey   string `json:"targetKey"`
	SourcePath  string `json:"sourcePath"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// UnmarshalJSON applies the contract defaults for omitted fields.
func (c *HandoffContract) UnmarshalJSON(data []byte) error {
	type alias HandoffContract
	tmp := alias{PacketType: "handoff_packet"}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*c = HandoffContract(tmp)
	return nil
}

// UnmarshalJSON applies the field defaults for omitted fields.
func (f *HandoffField) UnmarshalJSON(data []byte) error {
	type alias HandoffField
	tmp := alias{Type: "any", Required: true}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*f = HandoffField(tmp)
	return nil
}

const (
	maxTemplateNodes    = 30
	maxContractFields   = 20
	maxPromptRunes      = 10000
	maxSummaryRunes     = 10000
	maxHandoffRunes     = 240
	maxRoleRunes        = 200
	maxObjectiveRunes   = 500
	maxSourcePathRunes  = 160
	maxFieldTypeRunes   = 24
	maxDescriptionRunes = 240
)

// Validate checks field limits and graph shape without building a plan.
func (t *Template) Validate() error {
	_, err := t.plan()
	return err
}

// templatePlan is the execution-ready view of a validated template: a
// topological node order plus per-node edge indexes.
type templatePlan struct {
	order    []string
	nodes    map[string]Node
	incoming map[string][]Edge
	outgoing map[string][]Edge
}

// plan validates the template and precomputes the structures node
// execution needs. Field limits are checked before graph shape so the
// caller always sees the most specific error first.
func (t *Template) plan() (*templatePlan, error) {
	if err := t.checkLimits(); err != nil {
		return nil, err
	}

	nodeIDs := make([]string, len(t.Nodes))
	seen := make(map[string]bool, len(t.Nodes))
	for i, node := range t.Nodes {
		if seen[node.ID] {
			return nil, validationErrorf("Workflow template has duplicate node ids")
		}
		seen[node.ID] = true
		nodeIDs[i] = node.ID
	}

	nodes := make(map[string]Node, len(t.Nodes))
	for _, node := range t.Nodes {
		nodes[node.ID] = node
	}
	incoming := make(map[string][]Edge)
	outgoing := make(map[string][]Edge)
	for _, edge := range t.Edges {
		if _, okS := nodes[edge.Source]; !okS {
			return nil, validationErrorf("Workflow edges must reference existing nodes")
		}
		if _, okT := nodes[edge.Target]; !okT {
			return nil, validationErrorf("Workflow edges must reference existing nodes")
		}
		if edge.Source == edge.Target {
			return nil, validationErrorf("Workflow edges cannot self-reference")
		}
		incoming[edge.Target] = append(incoming[edge.Target], edge)
		outgoing[edge.Source] = append(outgoing[edge.Source], edge)
	}

	order, ok := topologicalOrder(nodeIDs, t.Edges)
	if !ok {
		return nil, validationErrorf("Workflow template must be a valid DAG")
	}

	return &templatePlan{
		order:    order,
		nodes:    nodes,
		incoming: incoming,
		outgoing: outgoing,
	}, nil
}

func (t *Template) checkLimits() error {
	if n := utf8.RuneCountInString(t.ID); n < 1 || n > 120 {
		return validationErrorf("Workflow template id must be 1-120 characters")
	}
	if n := utf8.RuneCountInString(t.Name); n < 1 || n > 200 {
		return validationErrorf("Workflow template name must be 1-200 characters")
	}
	if utf8.RuneCountInString(t.Prompt) > maxPromptRunes {
		return validationErrorf("Workflow template prompt must be at most %d characters", maxPromptRunes)
	}
	if utf8.RuneCountInString(t.Summary) > maxSummaryRunes {
		return validationErrorf("Workflow template summary must be at most %d characters", maxSummaryRunes)
	}
	if len(t.Nodes) < 1 || len(t.Nodes) > maxTemplateNodes {
		return validationErrorf("Workflow template must declare between 1 and %d nodes", maxTemplateNodes)
	}
	for _, node := range t.Nodes {
		if n := utf8.RuneCountInString(node.ID); n < 1 || n > 80 {
			return validationErrorf("Workflow node id must be 1-80 characters")
		}
		if n := utf8.RuneCountInString(node.Name); n < 1 || n > 120 {
			return validationErrorf("Workflow node %q name must be 1-120 characters", node.ID)
		}
		if utf8.RuneCountInString(node.Role) > maxRoleRunes {
			return validationErrorf("Workflow node %q role must be at most %d characters", node.ID, maxRoleRunes)
		}
		if utf8.RuneCountInString(node.Objective) > maxObjectiveRunes {
			return validationErrorf("Workflow node %q objective must be at most %d characters", node.ID, maxObjectiveRunes)
		}
	}
	for _, edge := range t.Edges {
		if n := utf8.RuneCountInString(edge.Source); n < 1 || n > 80 {
			return validationErrorf("Workflow edge source must be 1-80 characters")
		}
		if n := utf8.RuneCountInString(edge.Target); n < 1 || n > 80 {
			return validationErrorf("Workflow edge target must be 1-80 characters")
		}
		if utf8.RuneCountInString(edge.Handoff) > maxHandoffRunes {
			return validationErrorf("Workflow edge handoff must be at most %d characters", maxHandoffRunes)
		}
		if err := edge.HandoffContract.checkLimits(); err != nil {
			return err
		}
	}
	return nil
}

func (c *HandoffContract) checkLimits() error {
	if c == nil {
		return nil
	}
	if n := utf8.RuneCountInString(c.PacketType); n < 1 || n > 80 {
		return validationErrorf("Handoff contract packetType must be 1-80 characters")
	}
	if len(c.Fields) > maxContractFields {
		return validationErrorf("Handoff contract allows at most %d fields", maxContractFields)
	}
	for _, field := range c.Fields {
		if n := utf8.RuneCountInString(field.TargetKey); n < 1 || n > 80 {
			return validationErrorf("Handoff field targetKey must be 1-80 characters")
		}
		if n := utf8.RuneCountInString(field.SourcePath); n < 1 || n > maxSourcePathRunes {
			return validationErrorf("Handoff field sourcePath must be 1-%d characters", maxSourcePathRunes)
		}
		if utf8.RuneCountInString(field.Type) > maxFieldTypeRunes {
			return validationErrorf("Handoff field type must be at most %d characters", maxFieldTypeRunes)
		}
		if utf8.RuneCountInString(field.Description) > maxDescriptionRunes {
			return validationErrorf("Handoff field description must be at most %d characters", maxDescriptionRunes)
		}
	}
	return nil
}

// topologicalOrder returns a Kahn ordering of the nodes, or false when the
// edges reference unknown nodes or form a cycle. Ties keep the declared
// node order so execution is deterministic.
func topologicalOrder(nodeIDs []string, edges []Edge) ([]string, bool) {
	indegree := make(map[string]int, len(nodeIDs))
	adjacency := make(map[string][]string, len(nodeIDs))
	for _, id := range nodeIDs {
		indegree[id] = 0
		adjacency[id] = nil
	}
	for _, edge := range edges {
		if _, ok := adjacency[edge.Source]; !ok {
			return nil, false
		}
		if _, ok := indegree[edge.Target]; !ok {
			return nil, false
		}
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
		indegree[edge.Target]++
	}

	queue := make([]string, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	ordered := make([]string, 0, len(nodeIDs))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered = append(ordered, id)
		for _, target := range adjacency[id] {
			indegree[target]--
			if indegree[target] == 0 {
				queue = append(queue, target)
			}
		}
	}
	if len(ordered) != len(nodeIDs) {
		return nil, false
	}
	return ordered, true
}
