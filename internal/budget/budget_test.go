package budget

import (
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/config"
)

func testBudget() ModelBudget {
	return ModelBudget{
		Tier:         "deep",
		TotalContext: 1000,
		PromptBudget: 100,
		OutputBudget: 50,
		Components: Components{
			SystemPrompt: 10,
			Task:         10,
			Knowledge:    50,
			Proposals:    20,
			Summary:      10,
		},
	}
}

func randomText(r *rand.Rand, maxWords int) string {
	words := []string{"alpha", "β-decay", "kinetics", "of", "the", "cathode", "日本語", "lattice", "\n", "x"}
	n := r.IntN(maxWords + 1)
	parts := make([]string, n)
	for i := range parts {
		parts[i] = words[r.IntN(len(words))]
	}
	return strings.Join(parts, " ")
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
		{"日本語の", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTokens(tt.text), "text %q", tt.text)
	}
}

func TestCheck_Allocations(t *testing.T) {
	mb := testBudget()
	ok, allocs := Check(mb, []NamedText{
		{Component: SystemPrompt, Text: strings.Repeat("s", 60)}, // 15 > 10
		{Component: Knowledge, Text: strings.Repeat("k", 80)},    // 20 <= 50
	})

	assert.True(t, ok, "per-component overflow alone must not fail the check")
	require.Len(t, allocs, 2)
	assert.Equal(t, Allocation{Component: SystemPrompt, AllocatedTokens: 10, ActualTokens: 15, Overflow: true}, allocs[0])
	assert.Equal(t, Allocation{Component: Knowledge, AllocatedTokens: 50, ActualTokens: 20}, allocs[1])
}

func TestCheck_TotalOverBudget(t *testing.T) {
	mb := testBudget()
	ok, allocs := Check(mb, []NamedText{
		{Component: Knowledge, Text: strings.Repeat("k", 400)},
		{Component: Task, Text: strings.Repeat("t", 40)},
	})
	assert.False(t, ok)
	assert.Equal(t, 110, Total(allocs))
}

func TestCheck_Conservation(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	mb := testBudget()
	comps := []Component{SystemPrompt, Task, Knowledge, Proposals, Summary}

	for i := 0; i < 500; i++ {
		var texts []NamedText
		for _, c := range comps {
			if r.IntN(2) == 0 {
				texts = append(texts, NamedText{Component: c, Text: randomText(r, 40)})
			}
		}
		ok, allocs := Check(mb, texts)
		if ok {
			assert.LessOrEqual(t, Total(allocs), mb.PromptBudget)
			continue
		}
		overflowed := false
		for _, a := range allocs {
			overflowed = overflowed || a.Overflow
		}
		assert.True(t, overflowed, "an over-budget prompt must have at least one overflowing component")
	}
}

func TestTrim_HeadAndTail(t *testing.T) {
	text := "one two three four five six seven eight nine ten"

	head := Trim(text, 3, false)
	assert.True(t, strings.HasPrefix(text, head))
	assert.LessOrEqual(t, EstimateTokens(head), 3)
	assert.Equal(t, "one two thre", head)

	tail := Trim(text, 3, true)
	assert.True(t, strings.HasSuffix(text, tail))
	assert.LessOrEqual(t, EstimateTokens(tail), 3)
}

func TestTrim_Edges(t *testing.T) {
	assert.Equal(t, "", Trim("anything", 0, false))
	assert.Equal(t, "", Trim("anything", -3, true))
	assert.Equal(t, "short", Trim("short", 10, false))
	assert.Equal(t, "", Trim("", 10, false))
}

func TestTrim_Idempotent(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 1000; i++ {
		text := randomText(r, 120)
		b := r.IntN(60)
		for _, preserveEnd := range []bool{false, true} {
			once := Trim(text, b, preserveEnd)
			twice := Trim(once, b, preserveEnd)
			require.Equal(t, once, twice, "budget %d preserveEnd %v", b, preserveEnd)
			require.LessOrEqual(t, EstimateTokens(once), max(b, 0))
		}
	}
}

func TestFit_WithinBudgetUntouched(t *testing.T) {
	texts := []NamedText{{Component: Task, Text: "what limits sodium-ion cathode life?"}}
	res := Fit(testBudget(), texts)
	assert.False(t, res.Trimmed)
	assert.Equal(t, texts, res.Texts)
}

func TestFit_TrimsLowestPriorityFirst(t *testing.T) {
	mb := testBudget()
	sys := strings.Repeat("s", 40)                    // 10, at allocation
	task := strings.Repeat("t", 40)                   // 10
	kb := strings.Repeat("kb ", 100)                  // 75 > 50
	summary := "old turns " + strings.Repeat("z", 60) // 18 > 10

	res := Fit(mb, []NamedText{
		{Component: SystemPrompt, Text: sys},
		{Component: Task, Text: task},
		{Component: Knowledge, Text: kb},
		{Component: Summary, Text: summary},
	})

	require.True(t, res.Trimmed)
	ok, allocs := Check(mb, res.Texts)
	assert.True(t, ok)
	assert.LessOrEqual(t, Total(allocs), mb.PromptBudget)
	assert.Equal(t, sys, res.Texts[0].Text)
	assert.Equal(t, task, res.Texts[1].Text)
	assert.LessOrEqual(t, EstimateTokens(res.Texts[2].Text), 50)
	// allocations describe the input, not the trimmed output
	assert.True(t, res.Allocations[2].Overflow)
	assert.Equal(t, 75, res.Allocations[2].ActualTokens)
}

func TestFit_ShrinksBeyondSlices(t *testing.T) {
	mb := testBudget()
	mb.PromptBudget = 30

	res := Fit(mb, []NamedText{
		{Component: SystemPrompt, Text: strings.Repeat("s", 40)},
		{Component: Task, Text: strings.Repeat("t", 40)},
		{Component: Knowledge, Text: strings.Repeat("k", 200)},
	})

	ok, _ := Check(mb, res.Texts)
	assert.True(t, ok)
	assert.Equal(t, strings.Repeat("s", 40), res.Texts[0].Text)
}

func TestFit_Property(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 5))
	mb := testBudget()
	comps := []Component{SystemPrompt, Task, Knowledge, Proposals, Summary}
	for i := 0; i < 300; i++ {
		var texts []NamedText
		for _, c := range comps {
			texts = append(texts, NamedText{Component: c, Text: randomText(r, 80)})
		}
		res := Fit(mb, texts)
		ok, _ := Check(mb, res.Texts)
		require.True(t, ok)
	}
}

func TestBudgetsFromConfig(t *testing.T) {
	b := FromConfig(map[string]config.TierConfig{
		"fast": {
			Backend: "anthropic", Model: "claude-haiku-4-5-20251001",
			TotalContext: 200000, PromptBudget: 48000, OutputBudget: 4096,
			TimeoutSecs: 90, RatePerSec: 5,
			Components: config.ComponentsConfig{SystemPrompt: 2000, Knowledge: 24000},
		},
		"local": {Backend: "openai", PromptBudget: 6000},
	})

	mb, err := b.Get("fast")
	require.NoError(t, err)
	assert.Equal(t, Tier("fast"), mb.Tier)
	assert.Equal(t, 48000, mb.PromptBudget)
	assert.Equal(t, 90*time.Second, mb.Timeout)
	assert.Equal(t, 2000, mb.Components.Allocation(SystemPrompt))
	assert.Equal(t, 24000, mb.Components.Allocation(Knowledge))
	assert.Equal(t, 0, mb.Components.Allocation(Component("typo")))

	_, err = b.Get("huge")
	assert.Error(t, err)
	assert.Equal(t, []Tier{"fast", "local"}, b.Tiers())
}
