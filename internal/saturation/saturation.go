// Package saturation decides when a session has stopped learning and scores
// how much its results can be trusted.
package saturation

import (
	"sort"
	"time"

	"github.com/sells-group/research-engine/internal/model"
)

// Tracker is the saturation state carried between iterations. It is part of
// the checkpointed session state.
type Tracker struct {
	Seen                  map[string]bool `cbor:"1,keyasint" json:"seen"`
	ConsecutiveLowNovelty int             `cbor:"2,keyasint" json:"consecutive_low_novelty"`
	Saturated             bool            `cbor:"3,keyasint" json:"saturated"`
	Checks                int             `cbor:"4,keyasint" json:"checks"`
}

// NewTracker returns an empty tracker.
func NewTracker() Tracker {
	return Tracker{Seen: make(map[string]bool)}
}

// Clone returns a deep copy.
func (t Tracker) Clone() Tracker {
	out := t
	out.Seen = make(map[string]bool, len(t.Seen))
	for k := range t.Seen {
		out.Seen[k] = true
	}
	return out
}

// UniqueThemes returns the number of distinct themes seen so far.
func (t Tracker) UniqueThemes() int { return len(t.Seen) }

// Themes returns the seen themes in sorted order.
func (t Tracker) Themes() []string {
	out := make([]string, 0, len(t.Seen))
	for k := range t.Seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Evaluator applies a novelty threshold and streak length.
type Evaluator struct {
	Threshold float64
	Streak    int
}

// NewEvaluator creates an Evaluator. A streak below one is treated as one.
func NewEvaluator(threshold float64, streak int) Evaluator {
	if streak < 1 {
		streak = 1
	}
	return Evaluator{Threshold: threshold, Streak: streak}
}

// NoveltyRate is newThemes / sourcesProcessed clamped to [0,1]. When no
// sources were processed the themes observed this iteration stand in as the
// denominator; with neither the rate is zero.
func NoveltyRate(newThemes, sourcesProcessed, observed int) float64 {
	den := sourcesProcessed
	if den <= 0 {
		den = observed
	}
	if den <= 0 || newThemes <= 0 {
		return 0
	}
	r := float64(newThemes) / float64(den)
	if r > 1 {
		return 1
	}
	return r
}

// Check folds one iteration's themes into prev and returns the new tracker
// plus the row to append. prev is not modified.
func (e Evaluator) Check(prev Tracker, sessionID string, iteration int, themes []string, sourcesProcessed int) (Tracker, model.SaturationTracking) {
	next := prev.Clone()
	next.Checks++

	observed := make(map[string]bool)
	fresh := 0
	for _, th := range themes {
		if observed[th] {
			continue
		}
		observed[th] = true
		if !next.Seen[th] {
			next.Seen[th] = true
			fresh++
		}
	}

	rate := NoveltyRate(fresh, sourcesProcessed, len(observed))
	e.advance(&next, rate)

	return next, model.SaturationTracking{
		SessionID:             sessionID,
		Iteration:             iteration,
		SourcesProcessed:      sourcesProcessed,
		UniqueThemesCount:     next.UniqueThemes(),
		NoveltyRate:           rate,
		ConsecutiveLowNovelty: next.ConsecutiveLowNovelty,
		Saturated:             next.Saturated,
		CreatedAt:             time.Now().UTC(),
	}
}

// CheckRate applies an already computed novelty rate. It backs replays of
// recorded saturation rows.
func (e Evaluator) CheckRate(prev Tracker, rate float64) Tracker {
	next := prev.Clone()
	next.Checks++
	e.advance(&next, rate)
	return next
}

// advance moves the low-novelty streak. The streak only resets on a rate at
// or above the threshold, so saturation never clears without one.
func (e Evaluator) advance(t *Tracker, rate float64) {
	if rate < e.Threshold {
		t.ConsecutiveLowNovelty++
	} else {
		t.ConsecutiveLowNovelty = 0
	}
	t.Saturated = t.ConsecutiveLowNovelty >= e.Streak
}
