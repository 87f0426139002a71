package model

import "time"

// Finding is one unit of extracted information produced in an iteration.
type Finding struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	FindingType string    `json:"finding_type"`
	Content     string    `json:"content"`
	Confidence  float64   `json:"confidence"`
	Sources     []string  `json:"sources"`
	Iteration   int       `json:"iteration"`
	CreatedAt   time.Time `json:"created_at"`
}

// Finding types.
const (
	FindingTypeSynthesis = "synthesis"
	FindingTypeProposal  = "proposal"
	FindingTypeStage     = "stage"
)

// Claim is an atomic, verifiable statement extracted from a finding.
type Claim struct {
	ID                string     `json:"id"`
	SessionID         string     `json:"session_id"`
	FindingID         string     `json:"finding_id,omitempty"`
	SubQuestionID     string     `json:"sub_question_id,omitempty"`
	Iteration         int        `json:"iteration"`
	ClaimText         string     `json:"claim_text"`
	EntailmentScore   float64    `json:"entailment_score"`
	ProvenanceScore   float64    `json:"provenance_score"`
	Confidence        float64    `json:"confidence"`
	DedupeFingerprint string     `json:"dedupe_fingerprint"`
	Verified          bool       `json:"verified"`
	Evidence          []Evidence `json:"evidence,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Evidence is a verbatim quote supporting a claim.
type Evidence struct {
	ID          string `json:"id"`
	ClaimID     string `json:"claim_id"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Quote       string `json:"quote"`
	StartOffset *int   `json:"start_offset,omitempty"`
	EndOffset   *int   `json:"end_offset,omitempty"`
}

// ClaimCluster is a read-time aggregation of claims sharing a fingerprint.
type ClaimCluster struct {
	Fingerprint    string  `json:"fingerprint"`
	Count          int     `json:"count"`
	MaxConfidence  float64 `json:"max_confidence"`
	FirstIteration int     `json:"first_iteration"`
	LastIteration  int     `json:"last_iteration"`
	Representative string  `json:"representative"`
}

// SaturationTracking is the append-only saturation check for one iteration.
type SaturationTracking struct {
	SessionID             string    `json:"session_id"`
	Iteration             int       `json:"iteration"`
	SourcesProcessed      int       `json:"sources_processed"`
	UniqueThemesCount     int       `json:"unique_themes_count"`
	NoveltyRate           float64   `json:"novelty_rate"`
	ConsecutiveLowNovelty int       `json:"consecutive_low_novelty"`
	Saturated             bool      `json:"saturated"`
	CreatedAt             time.Time `json:"created_at"`
}

// Decision types recorded on model calls.
const (
	DecisionProposal = "proposal"
	DecisionStage    = "stage"
	DecisionJudge    = "judge"
)

// ModelCall is the audit record of one inference invocation.
type ModelCall struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Iteration        int       `json:"iteration"`
	Model            string    `json:"model"`
	DecisionType     string    `json:"decision_type"`
	Role             string    `json:"role"`
	Tier             string    `json:"tier"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	Success          bool      `json:"success"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// IterationArtifacts groups everything one iteration persists before its
// checkpoint is written.
type IterationArtifacts struct {
	Findings   []Finding
	Claims     []Claim
	Saturation SaturationTracking
	ModelCalls []ModelCall
}
