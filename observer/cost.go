package observer

import engine "github.com/ninthseat/engine"

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing lists published prices for the models the runtime is
// commonly pointed at. [observer.pricing] entries in ninthseat.toml
// override or extend it; models absent from the merged table cost 0.
var DefaultPricing = map[string]ModelPricing{
	// Gemini
	"gemini-2.0-flash":      {0.10, 0.40},
	"gemini-2.0-flash-lite": {0.0, 0.0},
	"gemini-2.5-flash":      {0.15, 0.60},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	"gemini-2.5-pro":        {1.25, 10.00},

	// OpenAI
	"gpt-4o":       {2.50, 10.00},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4.1-nano": {0.10, 0.40},
	"o3-mini":      {1.10, 4.40},

	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-3-5":  {0.80, 4.00},
	"claude-opus-4":     {15.00, 75.00},
}

// CostCalculator prices LLM usage in USD.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator merges overrides over the default table.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for model, p := range DefaultPricing {
		merged[model] = p
	}
	for model, p := range overrides {
		merged[model] = p
	}
	return &CostCalculator{pricing: merged}
}

// Price returns the USD cost of one call's token usage. Models missing
// from the table price at zero rather than erroring; cost tracking must
// never break a run.
func (c *CostCalculator) Price(model string, usage engine.Usage) float64 {
	p, ok := c.pricing[model]
	if !ok {
		return 0
	}
	const million = 1_000_000
	return float64(usage.InputTokens)/million*p.InputPerMillion +
		float64(usage.OutputTokens)/million*p.OutputPerMillion
}
