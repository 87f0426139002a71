package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/research-engine/internal/model"
)

func TestFormatSessionsList(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	done := now.Add(4 * time.Minute)
	conf := 0.82
	list := []model.ResearchSession{
		{
			ID:              "abc12345-6789-0000-0000-000000000000",
			Query:           "what limits sodium-ion cathode cycle life?",
			Status:          model.SessionStatusCompleted,
			Totals:          model.Totals{Iterations: 4, Findings: 11, CostUSD: 0.4321},
			ConfidenceScore: &conf,
			CreatedAt:       now,
			CompletedAt:     &done,
		},
		{
			ID:         "def12345-6789-0000-0000-000000000000",
			Query:      "grid storage",
			Status:     model.SessionStatusPaused,
			CreatedAt:  now,
			ArchivedAt: &done,
		},
	}

	var buf bytes.Buffer
	formatSessionsList(&buf, list)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "CONFIDENCE")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "what limits sodium-ion cathode cycle ...")
	assert.Contains(t, output, "completed")
	assert.Contains(t, output, "0.82")
	assert.Contains(t, output, "$0.4321")
	assert.Contains(t, output, "4m0s")
	assert.Contains(t, output, "paused (archived)")
	assert.Contains(t, output, "2026-03-02 09:15")
}

func TestSessionAge(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := model.ResearchSession{CreatedAt: start}
	assert.Equal(t, 90*time.Second, sessionAge(s, start.Add(90*time.Second+200*time.Millisecond)))

	end := start.Add(time.Minute)
	s.CompletedAt = &end
	assert.Equal(t, time.Minute, sessionAge(s, start.Add(time.Hour)))
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
