package saturation

import (
	"math"
	"time"

	"github.com/sells-group/research-engine/internal/knowledge"
	"github.com/sells-group/research-engine/internal/model"
)

// recencyHalfLife is the source age at which the recency signal halves.
const recencyHalfLife = 2 * 365 * 24 * time.Hour

// neutral is used for signals with no data behind them.
const neutral = 0.5

// Signals are the five confidence sub-scores, each in [0,1].
type Signals struct {
	SourceQuality    float64 `json:"source_quality"`
	Consensus        float64 `json:"consensus"`
	Recency          float64 `json:"recency"`
	EvidenceStrength float64 `json:"evidence_strength"`
	Verification     float64 `json:"verification"`
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Score combines signals with a weighted mean normalised by the weight sum.
// Zero total weight falls back to equal weights.
func Score(w model.ConfidenceWeights, s Signals) float64 {
	if w.Sum() <= 0 {
		w = model.EqualWeights()
	}
	total := w.SourceQuality*clamp01(s.SourceQuality) +
		w.Consensus*clamp01(s.Consensus) +
		w.Recency*clamp01(s.Recency) +
		w.EvidenceStrength*clamp01(s.EvidenceStrength) +
		w.Verification*clamp01(s.Verification)
	return clamp01(total / w.Sum())
}

// Inputs is what one iteration produced.
type Inputs struct {
	Claims    []model.Claim
	Chunks    []knowledge.Chunk
	Proposals []string
	Verdict   string
	Now       time.Time
}

// Measure derives the confidence signals for an iteration:
//
//	source quality     mean claim provenance score
//	consensus          mean citation overlap (Jaccard) between each proposal and the verdict
//	recency            mean exponential decay of cited source age, 0.5 when undated
//	evidence strength  mean claim entailment score
//	verification       share of claims verified
func Measure(in Inputs) Signals {
	var s Signals
	if n := float64(len(in.Claims)); n > 0 {
		verified := 0
		for _, c := range in.Claims {
			s.SourceQuality += c.ProvenanceScore
			s.EvidenceStrength += c.EntailmentScore
			if c.Verified && len(c.Evidence) > 0 {
				verified++
			}
		}
		s.SourceQuality /= n
		s.EvidenceStrength /= n
		s.Verification = float64(verified) / n
	}
	s.Consensus = consensus(in.Proposals, in.Verdict)
	s.Recency = recency(in.Chunks, in.Now)
	return s
}

func consensus(proposals []string, verdict string) float64 {
	v := set(knowledge.Citations(verdict))
	if len(proposals) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range proposals {
		sum += jaccard(set(knowledge.Citations(p)), v)
	}
	return sum / float64(len(proposals))
}

func recency(chunks []knowledge.Chunk, now time.Time) float64 {
	if now.IsZero() {
		now = time.Now()
	}
	sum, n := 0.0, 0
	for _, c := range chunks {
		if c.PublishedAt == nil {
			continue
		}
		age := now.Sub(*c.PublishedAt)
		if age < 0 {
			age = 0
		}
		sum += math.Exp2(-float64(age) / float64(recencyHalfLife))
		n++
	}
	if n == 0 {
		return neutral
	}
	return sum / float64(n)
}

func set(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// Completeness is 1 minus the latest novelty rate: how little new
// information the last iteration surfaced.
func Completeness(row model.SaturationTracking) float64 {
	return clamp01(1 - row.NoveltyRate)
}
