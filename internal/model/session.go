package model

import (
	"time"
)

// SessionStatus represents the lifecycle state of a research session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status can never change again (archival aside).
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// Pattern is the agent interaction pattern run each iteration.
type Pattern string

const (
	PatternPipeline Pattern = "pipeline"
	PatternCouncil  Pattern = "council"
	PatternDebate   Pattern = "debate"
)

// Valid reports whether p names a known pattern.
func (p Pattern) Valid() bool {
	switch p {
	case PatternPipeline, PatternCouncil, PatternDebate:
		return true
	}
	return false
}

// ConfidenceWeights weights the five confidence sub-scores. The weights are
// frozen into a session at creation and never change for its lifetime.
type ConfidenceWeights struct {
	SourceQuality    float64 `json:"source_quality" yaml:"source_quality" mapstructure:"source_quality"`
	Consensus        float64 `json:"consensus" yaml:"consensus" mapstructure:"consensus"`
	Recency          float64 `json:"recency" yaml:"recency" mapstructure:"recency"`
	EvidenceStrength float64 `json:"evidence_strength" yaml:"evidence_strength" mapstructure:"evidence_strength"`
	Verification     float64 `json:"verification" yaml:"verification" mapstructure:"verification"`
}

// EqualWeights returns the default equal-weighted mean (0.2 each).
func EqualWeights() ConfidenceWeights {
	return ConfidenceWeights{
		SourceQuality:    0.2,
		Consensus:        0.2,
		Recency:          0.2,
		EvidenceStrength: 0.2,
		Verification:     0.2,
	}
}

// Sum returns the total weight.
func (w ConfidenceWeights) Sum() float64 {
	return w.SourceQuality + w.Consensus + w.Recency + w.EvidenceStrength + w.Verification
}

// SessionConfig holds the per-session limits and pattern selection.
type SessionConfig struct {
	Pattern            Pattern           `json:"pattern"`
	ProposerCount      int               `json:"proposer_count"`
	PipelineStages     []string          `json:"pipeline_stages,omitempty"`
	ProposerTier       string            `json:"proposer_tier"`
	JudgeTier          string            `json:"judge_tier"`
	MaxIterations      int               `json:"max_iterations"`
	MinIterations      int               `json:"min_iterations"`
	BudgetUSD          float64           `json:"budget_usd"`
	MaxExternalCalls   int               `json:"max_external_calls"`
	NoveltyThreshold   float64           `json:"novelty_threshold"`
	SaturationStreak   int               `json:"saturation_streak"`
	KnowledgeLimit     int               `json:"knowledge_limit"`
	KnowledgeMinScore  float64           `json:"knowledge_min_score"`
	ProposerAllowTags  []string          `json:"proposer_allow_tags,omitempty"`
	ConfidenceWeights  ConfidenceWeights `json:"confidence_weights"`
	JudgeRetries       int               `json:"judge_retries"`
	CallTimeoutSeconds int               `json:"call_timeout_seconds"`
}

// Totals are the running counters of a session.
type Totals struct {
	Iterations        int     `json:"iterations" yaml:"iterations"`
	Findings          int     `json:"findings" yaml:"findings"`
	Sources           int     `json:"sources" yaml:"sources"`
	CostUSD           float64 `json:"cost_usd" yaml:"cost_usd"`
	ExternalCallsUsed int     `json:"external_calls_used" yaml:"external_calls_used"`
}

// ResearchSession is the durable record of one research session.
type ResearchSession struct {
	ID                 string        `json:"id"`
	Query              string        `json:"query"`
	Status             SessionStatus `json:"status"`
	Config             SessionConfig `json:"config"`
	Totals             Totals        `json:"totals"`
	CompletenessScore  *float64      `json:"completeness_score,omitempty"`
	ConfidenceScore    *float64      `json:"confidence_score,omitempty"`
	CheckpointThreadID string        `json:"checkpoint_thread_id"`
	ParentSessionID    string        `json:"parent_session_id,omitempty"`
	FinalSynthesis     string        `json:"final_synthesis,omitempty"`
	Reason             string        `json:"reason,omitempty"`
	EarlyTermination   bool          `json:"early_termination"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	ArchivedAt         *time.Time    `json:"archived_at,omitempty"`
}

// SessionProgress is the per-iteration update written to a session row. All
// values are absolute so a redone iteration overwrites rather than double counts.
type SessionProgress struct {
	Totals            Totals
	CompletenessScore *float64
	ConfidenceScore   *float64
}

// SessionOutcome is written once when a session reaches a terminal state or pauses.
type SessionOutcome struct {
	Status           SessionStatus
	Reason           string
	FinalSynthesis   string
	EarlyTermination bool
}
