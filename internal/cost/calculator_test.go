package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"haiku": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"sonnet": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Local: map[string]ModelRate{
			"qwen": {Input: 0.10, Output: 0.20},
		},
	}
}

func TestClaude(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name       string
		model      string
		input      int64
		output     int64
		cacheWrite int64
		cacheRead  int64
		want       float64
	}{
		{
			name:  "haiku simple",
			model: "haiku",
			input: 1000000, output: 100000,
			want: 0.80 + 0.40,
		},
		{
			name:  "haiku with cache",
			model: "haiku",
			input: 500000, output: 50000,
			cacheWrite: 200000, cacheRead: 300000,
			// in: 0.40, out: 0.20, cw: 0.2 * 0.80 * 1.25, cr: 0.3 * 0.80 * 0.1
			want: 0.40 + 0.20 + 0.20 + 0.024,
		},
		{
			name:  "sonnet",
			model: "sonnet",
			input: 1000000, output: 100000,
			want: 3.00 + 1.50,
		},
		{
			name:  "unknown model returns 0",
			model: "unknown",
			input: 1000000, output: 1000000,
			want: 0,
		},
		{
			name:  "zero tokens returns 0",
			model: "haiku",
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.Claude(tt.model, tt.input, tt.output, tt.cacheWrite, tt.cacheRead)
			assert.InDelta(t, tt.want, got, 0.001)
		})
	}
}

func TestLocal(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	assert.InDelta(t, 0.10+0.20, calc.Local("qwen", 1000000, 1000000), 0.0001)
	assert.Zero(t, calc.Local("llama", 1000000, 1000000))
}

func TestTokens(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	assert.InDelta(t, 4.50, calc.Tokens(BackendAnthropic, "sonnet", 1000000, 100000), 0.001)
	assert.InDelta(t, 0.30, calc.Tokens(BackendOpenAI, "qwen", 1000000, 1000000), 0.001)
	assert.Zero(t, calc.Tokens("bedrock", "sonnet", 1000000, 100000))
}

func TestOverride(t *testing.T) {
	t.Parallel()
	base := testRates()

	got := base.Override(
		map[string]ModelRate{"haiku": {Input: 1.00, Output: 5.00}, "opus": {Input: 15, Output: 75}},
		map[string]ModelRate{"llama": {Input: 0.05, Output: 0.05}},
	)

	assert.InDelta(t, 1.00, got.Anthropic["haiku"].Input, 0.0001)
	// cache multipliers survive an input/output override
	assert.InDelta(t, 1.25, got.Anthropic["haiku"].CacheWriteMul, 0.0001)
	assert.Contains(t, got.Anthropic, "opus")
	assert.Contains(t, got.Local, "llama")
	assert.Contains(t, got.Local, "qwen")
	// base untouched
	assert.InDelta(t, 0.80, base.Anthropic["haiku"].Input, 0.0001)
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()

	assert.Contains(t, rates.Anthropic, "claude-haiku-4-5-20251001")
	assert.Contains(t, rates.Anthropic, "claude-sonnet-4-5-20250929")
	assert.Contains(t, rates.Anthropic, "claude-opus-4-6")
	assert.NotNil(t, rates.Local)
}
