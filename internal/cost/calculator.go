package cost

import (
	"go.uber.org/zap"

	"github.com/sells-group/sheet-assist/internal/model"
)

// Vendor names used as pricing keys.
const (
	VendorClaude = "claude"
	VendorOpenAI = "openai"
)

// Rates holds per-vendor pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    map[string]ModelRate `yaml:"openai" mapstructure:"openai"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

func (r ModelRate) cost(u model.Usage) float64 {
	inCost := (float64(u.InputTokens) / 1e6) * r.Input
	outCost := (float64(u.OutputTokens) / 1e6) * r.Output
	cwCost := (float64(u.CacheWriteTokens) / 1e6) * r.Input * r.CacheWriteMul
	crCost := (float64(u.CacheReadTokens) / 1e6) * r.Input * r.CacheReadMul
	return inCost + outCost + cwCost + crCost
}

// Calculator computes costs for model usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(modelID string, u model.Usage) float64 {
	rate, ok := c.rates.Anthropic[modelID]
	if !ok {
		return 0
	}
	return rate.cost(u)
}

// OpenAI computes the cost for an OpenAI chat completion. Cached prompt
// tokens are reported inside InputTokens, so only the discount is applied.
func (c *Calculator) OpenAI(modelID string, u model.Usage) float64 {
	rate, ok := c.rates.OpenAI[modelID]
	if !ok {
		return 0
	}
	u.InputTokens -= u.CacheReadTokens
	return rate.cost(u)
}

// Response computes the cost of a model response from its vendor. Returns 0
// for unknown vendors or models.
func (c *Calculator) Response(resp *model.ModelResponse) float64 {
	if resp == nil {
		return 0
	}
	switch resp.Vendor {
	case VendorClaude:
		return c.Claude(resp.Model, resp.Usage)
	case VendorOpenAI:
		return c.OpenAI(resp.Model, resp.Usage)
	default:
		return 0
	}
}

// Attribute stamps the response's estimated cost and logs it.
func (c *Calculator) Attribute(resp *model.ModelResponse) {
	if resp == nil {
		return
	}
	resp.Usage.CostUSD = c.Response(resp)
	zap.L().Info("cost attribution",
		zap.String("vendor", resp.Vendor),
		zap.String("model", resp.Model),
		zap.String("backend", string(resp.BackendID)),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Int64("cache_write_tokens", resp.Usage.CacheWriteTokens),
		zap.Int64("cache_read_tokens", resp.Usage.CacheReadTokens),
		zap.Float64("estimated_cost_usd", resp.Usage.CostUSD),
	)
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-3-5-sonnet-20241022": {
				Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		OpenAI: map[string]ModelRate{
			"gpt-4": {
				Input: 30.00, Output: 60.00, CacheReadMul: 1,
			},
			"gpt-4o": {
				Input: 2.50, Output: 10.00, CacheReadMul: 0.5,
			},
			"gpt-4o-mini": {
				Input: 0.15, Output: 0.60, CacheReadMul: 0.5,
			},
		},
	}
}
