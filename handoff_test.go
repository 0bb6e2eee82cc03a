package engine

import (
	"strings"
	"testing"
)

// --- slugify ---

func TestSlugify(t *testing.T) {
	cases := []struct {
		in, fallback, want string
	}{
		{"Research Findings!", "handoff_packet", "research_findings"},
		{"handoff_packet", "handoff_packet", "handoff_packet"},
		{"  --  ", "handoff_packet", "handoff_packet"},
		{"", "fallback", "fallback"},
		{"A  B   C", "x", "a_b_c"},
	}
	for _, tc := range cases {
		if got := slugify(tc.in, tc.fallback); got != tc.want {
			t.Errorf("slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// --- contract normalization ---

func TestNormalizeContractDefaults(t *testing.T) {
	edge := Edge{Source: "a", Target: "b", Handoff: "Research Findings"}
	contract := normalizeHandoffContract(edge)
	if contract.PacketType != "research_findings" {
		t.Fatalf("packetType = %q", contract.PacketType)
	}
	if len(contract.Fields) != 3 {
		t.Fatalf("fields = %d, want 3 defaults", len(contract.Fields))
	}
	if contract.Fields[0].TargetKey != "summary" || !contract.Fields[0].Required {
		t.Fatalf("first default field = %+v", contract.Fields[0])
	}
	if contract.Fields[2].SourcePath != "data.workspaceRefs" {
		t.Fatalf("third default field = %+v", contract.Fields[2])
	}
}

func TestNormalizeContractCleansFields(t *testing.T) {
	edge := Edge{
		Source: "a", Target: "b",
		HandoffContract: &HandoffContract{
			PacketType: "  My Packet ",
			Fields: []HandoffField{
				{TargetKey: " facts ", SourcePath: " data.facts ", Type: "ARRAY", Required: true},
				{TargetKey: "", SourcePath: "data.skipped"},
				{TargetKey: "odd", SourcePath: "data.odd", Type: "tuple"},
			},
		},
	}
	contract := normalizeHandoffContract(edge)
	if contract.PacketType != "my_packet" {
		t.Fatalf("packetType = %q", contract.PacketType)
	}
	if len(contract.Fields) != 2 {
		t.Fatalf("fields = %+v", contract.Fields)
	}
	if contract.Fields[0].TargetKey != "facts" || contract.Fields[0].Type != "array" {
		t.Fatalf("field[0] = %+v", contract.Fields[0])
	}
	if contract.Fields[1].Type != "any" {
		t.Fatalf("unknown type should fall back to any, got %q", contract.Fields[1].Type)
	}
}

func TestNormalizeContractEmptyFieldsFallBack(t *testing.T) {
	edge := Edge{
		Source: "a", Target: "b", Handoff: "notes",
		HandoffContract: &HandoffContract{
			PacketType: "notes_packet",
			Fields:     []HandoffField{{TargetKey: "", SourcePath: ""}},
		},
	}
	contract := normalizeHandoffContract(edge)
	if len(contract.Fields) != 3 {
		t.Fatalf("expected default fields, got %+v", contract.Fields)
	}
}

// --- path resolution ---

func TestJSONPathGet(t *testing.T) {
	data := map[string]any{
		"summary": "done",
		"data": map[string]any{
			"facts": []any{"one", "two"},
			"count": float64(2),
		},
	}
	cases := []struct {
		path  string
		want  any
		found bool
	}{
		{"summary", "done", true},
		{"data.facts.1", "two", true},
		{"data.count", float64(2), true},
		{"output.data.count", float64(2), true},
		{".", nil, true},
		{"$", nil, true},
		{"output", nil, true},
		{"data.missing", nil, false},
		{"data.facts.9", nil, false},
		{"data.facts.-1", nil, false},
		{"summary.deeper", nil, false},
		{"", nil, false},
	}
	for _, tc := range cases {
		got, found := jsonPathGet(data, tc.path)
		if found != tc.found {
			t.Errorf("jsonPathGet(%q) found = %v, want %v", tc.path, found, tc.found)
			continue
		}
		if tc.want != nil && got != tc.want {
			t.Errorf("jsonPathGet(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

// --- coercion ---

func TestCoerceHandoffValue(t *testing.T) {
	if got := coerceHandoffValue("42", "number"); got != 42 {
		t.Errorf("number from int string = %v", got)
	}
	if got := coerceHandoffValue("4.5", "number"); got != 4.5 {
		t.Errorf("number from float string = %v", got)
	}
	if got := coerceHandoffValue("not a number", "number"); got != nil {
		t.Errorf("bad number should be nil, got %v", got)
	}
	if got := coerceHandoffValue("yes", "boolean"); got != true {
		t.Errorf("boolean from yes = %v", got)
	}
	if got := coerceHandoffValue("0", "boolean"); got != false {
		t.Errorf("boolean from 0 = %v", got)
	}
	if got := coerceHandoffValue("maybe", "boolean"); got != nil {
		t.Errorf("undecidable boolean should be nil, got %v", got)
	}
	if got, ok := coerceHandoffValue("solo", "array").([]any); !ok || len(got) != 1 || got[0] != "solo" {
		t.Errorf("array wrap = %v", got)
	}
	if got, ok := coerceHandoffValue("scalar", "object").(map[string]any); !ok || got["value"] != "scalar" {
		t.Errorf("object wrap = %v", got)
	}
	if got := coerceHandoffValue(123.0, "string"); got != "123" {
		t.Errorf("string from number = %v", got)
	}
	if got := coerceHandoffValue(nil, "string"); got != nil {
		t.Errorf("nil stays nil, got %v", got)
	}
}

// --- packet building ---

func TestBuildHandoffPacketExtractsPayload(t *testing.T) {
	edge := Edge{
		Source: "research", Target: "write", Handoff: "findings",
		HandoffContract: &HandoffContract{
			PacketType: "research_findings",
			Fields: []HandoffField{
				{TargetKey: "facts", SourcePath: "data.facts", Type: "array", Required: true},
				{TargetKey: "score", SourcePath: "data.score", Type: "number", Required: false},
				{TargetKey: "absent", SourcePath: "data.nothing", Type: "string", Required: true},
			},
		},
	}
	output := map[string]any{
		"summary": "Collected 2 facts.",
		"data": map[string]any{
			"facts": []any{"alpha", "beta"},
			"score": float64(0.9),
		},
	}
	packet := buildHandoffPacket(edge, output, "Researcher", "Writer")

	if packet.PacketType != "research_findings" {
		t.Fatalf("packetType = %q", packet.PacketType)
	}
	if packet.FromNodeID != "research" || packet.ToNodeID != "write" {
		t.Fatalf("routing = %s -> %s", packet.FromNodeID, packet.ToNodeID)
	}
	facts, ok := packet.Payload["facts"].([]any)
	if !ok || len(facts) != 2 {
		t.Fatalf("payload.facts = %v", packet.Payload["facts"])
	}
	if packet.Payload["score"] != 0.9 {
		t.Fatalf("payload.score = %v", packet.Payload["score"])
	}
	if value, present := packet.Payload["absent"]; !present || value != nil {
		t.Fatalf("unresolved field should be present and nil, got %v (present=%v)", value, present)
	}
	if len(packet.MissingRequiredFields) != 1 || packet.MissingRequiredFields[0] != "absent" {
		t.Fatalf("missing = %v", packet.MissingRequiredFields)
	}
	if packet.Summary != "Collected 2 facts." {
		t.Fatalf("summary = %q", packet.Summary)
	}
	if len(packet.Schema.Fields) != 3 {
		t.Fatalf("schema fields = %d", len(packet.Schema.Fields))
	}
	if packet.Schema.Fields[2].Resolved {
		t.Fatalf("absent field should be unresolved")
	}
	if packet.ID == "" || !strings.HasPrefix(packet.ID, "hnd_") {
		t.Fatalf("packet id = %q", packet.ID)
	}
}

func TestBuildHandoffPacketSummaryFallbacks(t *testing.T) {
	edge := Edge{Source: "a", Target: "b"}

	// No summary anywhere: fall back to routing sentence.
	packet := buildHandoffPacket(edge, map[string]any{"data": map[string]any{}}, "Alpha", "Beta")
	if packet.Summary != "Handoff from Alpha to Beta." {
		t.Fatalf("summary = %q", packet.Summary)
	}

	// Node names default to ids.
	packet = buildHandoffPacket(edge, map[string]any{}, "", "")
	if packet.Summary != "Handoff from a to b." {
		t.Fatalf("summary = %q", packet.Summary)
	}

	// Long summaries get truncated with an ellipsis.
	long := strings.Repeat("w", 400)
	packet = buildHandoffPacket(edge, map[string]any{"summary": long}, "", "")
	if len([]rune(packet.Summary)) != 240 || !strings.HasSuffix(packet.Summary, "…") {
		t.Fatalf("summary len = %d", len([]rune(packet.Summary)))
	}
}
