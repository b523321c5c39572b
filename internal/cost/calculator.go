package cost

import (
	"github.com/sigforge/sigforge/internal/model"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic  map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Embeddings EmbeddingRate        `yaml:"embeddings" mapstructure:"embeddings"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// EmbeddingRate holds embedding provider pricing.
type EmbeddingRate struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for Claude token usage against one model. Unknown
// models cost zero rather than erroring; pricing gaps should not fail a run.
func (c *Calculator) Claude(modelName string, usage model.TokenUsage) float64 {
	rate, ok := c.rates.Anthropic[modelName]
	if !ok {
		return 0
	}
	inCost := (float64(usage.InputTokens) / 1e6) * rate.Input
	outCost := (float64(usage.OutputTokens) / 1e6) * rate.Output
	return inCost + outCost
}

// Embeddings computes the cost for embedding token usage.
func (c *Calculator) Embeddings(tokens int64) float64 {
	return (float64(tokens) / 1e6) * c.rates.Embeddings.PerMTok
}

// CeilingRate returns the most expensive configured model rate. Aggregate
// token counts are not broken out per model, so window-level cost estimates
// price every token at the ceiling and report an upper bound.
func (c *Calculator) CeilingRate() ModelRate {
	var ceiling ModelRate
	for _, rate := range c.rates.Anthropic {
		if rate.Input > ceiling.Input {
			ceiling.Input = rate.Input
		}
		if rate.Output > ceiling.Output {
			ceiling.Output = rate.Output
		}
	}
	return ceiling
}

// EstimateCeiling prices aggregate usage at the ceiling rate.
func (c *Calculator) EstimateCeiling(usage model.TokenUsage) float64 {
	rate := c.CeilingRate()
	return (float64(usage.InputTokens)/1e6)*rate.Input +
		(float64(usage.OutputTokens)/1e6)*rate.Output
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input:  1.00,
				Output: 5.00,
			},
			"claude-sonnet-4-5-20250929": {
				Input:  3.00,
				Output: 15.00,
			},
		},
		Embeddings: EmbeddingRate{PerMTok: 0.02},
	}
}
