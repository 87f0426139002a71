package cost

// Backends priced by the calculator.
const (
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
)

// Rates holds per-backend pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Local     map[string]ModelRate `yaml:"local" mapstructure:"local"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
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
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Local computes the cost for an OpenAI-compatible call. Self-hosted models
// without a configured rate are free.
func (c *Calculator) Local(model string, input, output int64) float64 {
	rate, ok := c.rates.Local[model]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Tokens prices plain prompt/completion usage for the given backend.
func (c *Calculator) Tokens(backend, model string, input, output int64) float64 {
	switch backend {
	case BackendAnthropic:
		return c.Claude(model, input, output, 0, 0)
	case BackendOpenAI:
		return c.Local(model, input, output)
	}
	return 0
}

// Override returns a copy of rates with the given per-model input/output
// prices replacing (or adding to) the existing entries.
func (r Rates) Override(anthropic, local map[string]ModelRate) Rates {
	out := Rates{
		Anthropic: make(map[string]ModelRate, len(r.Anthropic)+len(anthropic)),
		Local:     make(map[string]ModelRate, len(r.Local)+len(local)),
	}
	for k, v := range r.Anthropic {
		out.Anthropic[k] = v
	}
	for k, v := range r.Local {
		out.Local[k] = v
	}
	for k, v := range anthropic {
		base := out.Anthropic[k]
		base.Input, base.Output = v.Input, v.Output
		out.Anthropic[k] = base
	}
	for k, v := range local {
		out.Local[k] = v
	}
	return out
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Local: map[string]ModelRate{},
	}
}
