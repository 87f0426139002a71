// Package budget allocates and enforces per-component prompt token budgets
// for each model tier.
package budget

import (
	"sort"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/research-engine/internal/config"
)

// charsPerToken is the fixed estimation ratio. Every budget check in the
// engine goes through EstimateTokens so estimates stay comparable.
const charsPerToken = 4

// Tier names a configured model tier.
type Tier string

// Component names one slice of a prompt.
type Component string

const (
	SystemPrompt Component = "system_prompt"
	Task         Component = "task"
	Knowledge    Component = "knowledge"
	Proposals    Component = "proposals"
	Summary      Component = "summary"
)

// PreserveEnd reports whether trimming keeps the tail of the component.
// Summaries keep their most recent turns.
func (c Component) PreserveEnd() bool {
	return c == Summary
}

// trimOrder is the order in which components give up tokens when a prompt
// is over budget. The system prompt goes last.
var trimOrder = []Component{Knowledge, Proposals, Summary, Task, SystemPrompt}

// Components holds the token allocation of each prompt component.
type Components struct {
	SystemPrompt int
	Task         int
	Knowledge    int
	Proposals    int
	Summary      int
}

// Allocation returns the tokens allocated to c.
func (c Components) Allocation(comp Component) int {
	switch comp {
	case SystemPrompt:
		return c.SystemPrompt
	case Task:
		return c.Task
	case Knowledge:
		return c.Knowledge
	case Proposals:
		return c.Proposals
	case Summary:
		return c.Summary
	}
	return 0
}

// ModelBudget is the immutable token budget of one tier.
type ModelBudget struct {
	Tier         Tier
	Backend      string
	Model        string
	TotalContext int
	PromptBudget int
	OutputBudget int
	Components   Components
	Timeout      time.Duration
	RatePerSec   float64
}

// NamedText is one prompt component's text.
type NamedText struct {
	Component Component
	Text      string
}

// Allocation is the runtime measurement of one component in one call.
type Allocation struct {
	Component       Component `json:"component"`
	AllocatedTokens int       `json:"allocated_tokens"`
	ActualTokens    int       `json:"actual_tokens"`
	Overflow        bool      `json:"overflow"`
}

// EstimateTokens approximates the token count of text as characters / 4,
// rounded up.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

// Check measures each component against its allocation. ok is true only
// when the total across components fits the prompt budget; a single
// component over its slice is reported but does not fail the check.
func Check(mb ModelBudget, texts []NamedText) (bool, []Allocation) {
	allocs := make([]Allocation, len(texts))
	total := 0
	for i, t := range texts {
		actual := EstimateTokens(t.Text)
		allocated := mb.Components.Allocation(t.Component)
		allocs[i] = Allocation{
			Component:       t.Component,
			AllocatedTokens: allocated,
			ActualTokens:    actual,
			Overflow:        actual > allocated,
		}
		total += actual
	}
	return total <= mb.PromptBudget, allocs
}

// Total sums the actual tokens of allocs.
func Total(allocs []Allocation) int {
	total := 0
	for _, a := range allocs {
		total += a.ActualTokens
	}
	return total
}

// Trim truncates text to at most budgetTokens estimated tokens, keeping the
// head or, with preserveEnd, the tail. The cut moves to a nearby whitespace
// boundary when one exists. Trim is deterministic and idempotent.
func Trim(text string, budgetTokens int, preserveEnd bool) string {
	if budgetTokens <= 0 {
		return ""
	}
	if EstimateTokens(text) <= budgetTokens {
		return text
	}

	runes := []rune(text)
	keep := budgetTokens * charsPerToken
	slack := keep / 10

	if preserveEnd {
		start := len(runes) - keep
		for i := start; i < start+slack && i < len(runes); i++ {
			if unicode.IsSpace(runes[i]) {
				start = i + 1
				break
			}
		}
		return string(runes[start:])
	}

	end := keep
	for i := end; i > end-slack && i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			end = i
			break
		}
	}
	return string(runes[:end])
}

// FitResult is the outcome of fitting components into a prompt budget.
type FitResult struct {
	Texts []NamedText
	// Allocations measure the texts as given, before any trimming.
	Allocations []Allocation
	// Trimmed is set when at least one component was cut.
	Trimmed bool
}

// Fit trims components until the prompt fits mb.PromptBudget. Components
// over their own slice are cut back to it first, lowest priority first; if
// the prompt is still too large, components shrink further in the same
// order. Fit never fails.
func Fit(mb ModelBudget, texts []NamedText) FitResult {
	out := make([]NamedText, len(texts))
	copy(out, texts)

	ok, allocs := Check(mb, out)
	res := FitResult{Texts: out, Allocations: allocs}
	if ok {
		return res
	}
	res.Trimmed = true

	total := Total(allocs)
	for _, comp := range trimOrder {
		for i := range out {
			if total <= mb.PromptBudget {
				return res
			}
			if out[i].Component != comp || !allocs[i].Overflow {
				continue
			}
			before := EstimateTokens(out[i].Text)
			out[i].Text = Trim(out[i].Text, allocs[i].AllocatedTokens, comp.PreserveEnd())
			total -= before - EstimateTokens(out[i].Text)
		}
	}

	for _, comp := range trimOrder {
		for i := range out {
			excess := total - mb.PromptBudget
			if excess <= 0 {
				return res
			}
			if out[i].Component != comp {
				continue
			}
			before := EstimateTokens(out[i].Text)
			target := before - excess
			if target < 0 {
				target = 0
			}
			out[i].Text = Trim(out[i].Text, target, comp.PreserveEnd())
			total -= before - EstimateTokens(out[i].Text)
		}
	}
	return res
}

// Budgets holds the ModelBudget of every configured tier.
type Budgets map[Tier]ModelBudget

// Get returns the budget for tier.
func (b Budgets) Get(tier Tier) (ModelBudget, error) {
	mb, ok := b[tier]
	if !ok {
		return ModelBudget{}, eris.Errorf("budget: unknown tier %q", tier)
	}
	return mb, nil
}

// Tiers returns the configured tier names in sorted order.
func (b Budgets) Tiers() []Tier {
	out := make([]Tier, 0, len(b))
	for t := range b {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FromConfig builds the tier budgets once at start-up.
func FromConfig(tiers map[string]config.TierConfig) Budgets {
	out := make(Budgets, len(tiers))
	for name, tc := range tiers {
		out[Tier(name)] = ModelBudget{
			Tier:         Tier(name),
			Backend:      tc.Backend,
			Model:        tc.Model,
			TotalContext: tc.TotalContext,
			PromptBudget: tc.PromptBudget,
			OutputBudget: tc.OutputBudget,
			Components: Components{
				SystemPrompt: tc.Components.SystemPrompt,
				Task:         tc.Components.Task,
				Knowledge:    tc.Components.Knowledge,
				Proposals:    tc.Components.Proposals,
				Summary:      tc.Components.Summary,
			},
			Timeout:    time.Duration(tc.TimeoutSecs) * time.Second,
			RatePerSec: tc.RatePerSec,
		}
	}
	return out
}
