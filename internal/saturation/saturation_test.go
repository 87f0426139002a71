package saturation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/knowledge"
	"github.com/sells-group/research-engine/internal/model"
)

func TestCheckRate_SaturatesOnFourthCheck(t *testing.T) {
	e := NewEvaluator(0.05, 3)
	tr := NewTracker()

	var saturated []bool
	for _, rate := range []float64{0.20, 0.04, 0.03, 0.02} {
		tr = e.CheckRate(tr, rate)
		saturated = append(saturated, tr.Saturated)
	}
	assert.Equal(t, []bool{false, false, false, true}, saturated)
	assert.Equal(t, 3, tr.ConsecutiveLowNovelty)
	assert.Equal(t, 4, tr.Checks)
}

func TestCheck_NoveltyFromThemes(t *testing.T) {
	e := NewEvaluator(0.05, 3)
	tr := NewTracker()

	// iteration 1: 2 new themes over 10 sources
	tr, row := e.Check(tr, "s1", 1, []string{"a", "b", "a"}, 10)
	assert.InDelta(t, 0.2, row.NoveltyRate, 1e-9)
	assert.Equal(t, 2, row.UniqueThemesCount)
	assert.Zero(t, row.ConsecutiveLowNovelty)
	assert.Equal(t, "s1", row.SessionID)
	assert.Equal(t, 1, row.Iteration)

	// repeats are not novel
	tr, row = e.Check(tr, "s1", 2, []string{"a", "b"}, 10)
	assert.Zero(t, row.NoveltyRate)
	assert.Equal(t, 1, row.ConsecutiveLowNovelty)

	// a burst of new themes resets the streak
	before := tr.Clone()
	tr, row = e.Check(tr, "s1", 3, []string{"c"}, 4)
	assert.InDelta(t, 0.25, row.NoveltyRate, 1e-9)
	assert.Zero(t, row.ConsecutiveLowNovelty)
	assert.False(t, row.Saturated)
	assert.Equal(t, 3, tr.UniqueThemes())

	// prev is never mutated
	assert.Equal(t, 2, before.UniqueThemes())
}

func TestMonotonicity(t *testing.T) {
	e := NewEvaluator(0.05, 2)
	tr := NewTracker()
	rates := []float64{0.01, 0.01, 0.02, 0.0, 0.3, 0.01}
	var prev Tracker
	for i, r := range rates {
		prev, tr = tr, e.CheckRate(tr, r)
		if prev.Saturated && tr.ConsecutiveLowNovelty < prev.ConsecutiveLowNovelty {
			assert.GreaterOrEqual(t, r, e.Threshold, "reset at check %d without a novel iteration", i+1)
		}
	}
	assert.False(t, tr.Saturated)
}

func TestNoveltyRate(t *testing.T) {
	assert.Zero(t, NoveltyRate(0, 0, 0))
	assert.Zero(t, NoveltyRate(3, 0, 0))
	assert.InDelta(t, 0.5, NoveltyRate(1, 0, 2), 1e-9)
	assert.Equal(t, 1.0, NoveltyRate(9, 3, 9))
}

func TestNewEvaluator_MinStreak(t *testing.T) {
	e := NewEvaluator(0.1, 0)
	assert.Equal(t, 1, e.Streak)
	tr := e.CheckRate(NewTracker(), 0)
	assert.True(t, tr.Saturated)
}

func TestScore(t *testing.T) {
	s := Signals{SourceQuality: 1, Consensus: 0.5, Recency: 0.5, EvidenceStrength: 0, Verification: 1}
	assert.InDelta(t, 0.6, Score(model.EqualWeights(), s), 1e-9)

	w := model.ConfidenceWeights{Verification: 3, SourceQuality: 1}
	assert.InDelta(t, 1.0, Score(w, s), 1e-9)

	// zero weights fall back to equal weighting
	assert.InDelta(t, 0.6, Score(model.ConfidenceWeights{}, s), 1e-9)

	// out-of-range signals are clamped
	assert.InDelta(t, 1.0, Score(model.EqualWeights(), Signals{2, 2, 2, 2, 2}), 1e-9)
}

func TestScore_Reproducible(t *testing.T) {
	s := Signals{0.3, 0.7, 0.1, 0.9, 0.4}
	w := model.EqualWeights()
	assert.Equal(t, Score(w, s), Score(w, s))
}

func TestMeasure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := now
	old := now.Add(-recencyHalfLife)

	in := Inputs{
		Claims: []model.Claim{
			{ProvenanceScore: 1, EntailmentScore: 0.8, Verified: true, Evidence: []model.Evidence{{Quote: "q"}}},
			{ProvenanceScore: 0, EntailmentScore: 0.2},
		},
		Chunks: []knowledge.Chunk{
			{ID: "a", PublishedAt: &fresh},
			{ID: "b", PublishedAt: &old},
			{ID: "c"},
		},
		Proposals: []string{"x [KB#a] [KB#b]", "y [KB#c]"},
		Verdict:   "v [KB#a] [KB#b]",
		Now:       now,
	}

	s := Measure(in)
	assert.InDelta(t, 0.5, s.SourceQuality, 1e-9)
	assert.InDelta(t, 0.5, s.EvidenceStrength, 1e-9)
	assert.InDelta(t, 0.5, s.Verification, 1e-9)
	assert.InDelta(t, 0.5, s.Consensus, 1e-9)
	assert.InDelta(t, 0.75, s.Recency, 1e-9)
}

func TestMeasure_Empty(t *testing.T) {
	s := Measure(Inputs{})
	assert.Zero(t, s.SourceQuality)
	assert.Zero(t, s.Consensus)
	assert.Equal(t, neutral, s.Recency)
}

func TestCompleteness(t *testing.T) {
	require.InDelta(t, 0.8, Completeness(model.SaturationTracking{NoveltyRate: 0.2}), 1e-9)
	require.Equal(t, 1.0, Completeness(model.SaturationTracking{}))
}
