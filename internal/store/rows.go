package store

import (
	"sort"

	"github.com/sells-group/research-engine/internal/model"
)

var (
	findingColumns   = []string{"id", "session_id", "finding_type", "content", "confidence", "sources", "iteration", "created_at"}
	claimColumns     = []string{"id", "session_id", "finding_id", "sub_question_id", "iteration", "claim_text", "entailment_score", "provenance_score", "confidence", "dedupe_fingerprint", "verified", "created_at"}
	evidenceColumns  = []string{"id", "claim_id", "url", "title", "quote", "start_offset", "end_offset"}
	modelCallColumns = []string{"id", "session_id", "iteration", "model", "decision_type", "role", "tier", "prompt_tokens", "completion_tokens", "cost_usd", "latency_ms", "success", "error_kind", "created_at"}
)

func findingRows(findings []model.Finding) [][]any {
	rows := make([][]any, 0, len(findings))
	for _, f := range findings {
		sources := f.Sources
		if sources == nil {
			sources = []string{}
		}
		rows = append(rows, []any{f.ID, f.SessionID, f.FindingType, f.Content, f.Confidence, sources, f.Iteration, f.CreatedAt})
	}
	return rows
}

// claimRows flattens claims and their evidence into COPY rows.
func claimRows(claims []model.Claim) (claimRows, evidenceRows [][]any) {
	for _, c := range claims {
		claimRows = append(claimRows, []any{
			c.ID, c.SessionID, c.FindingID, c.SubQuestionID, c.Iteration, c.ClaimText,
			c.EntailmentScore, c.ProvenanceScore, c.Confidence, c.DedupeFingerprint, c.Verified, c.CreatedAt,
		})
		for _, e := range c.Evidence {
			evidenceRows = append(evidenceRows, []any{e.ID, c.ID, e.URL, e.Title, e.Quote, e.StartOffset, e.EndOffset})
		}
	}
	return claimRows, evidenceRows
}

func modelCallRows(calls []model.ModelCall) [][]any {
	rows := make([][]any, 0, len(calls))
	for _, mc := range calls {
		rows = append(rows, []any{
			mc.ID, mc.SessionID, mc.Iteration, mc.Model, mc.DecisionType, mc.Role, mc.Tier,
			mc.PromptTokens, mc.CompletionTokens, mc.CostUSD, mc.LatencyMs, mc.Success, mc.ErrorKind, mc.CreatedAt,
		})
	}
	return rows
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
