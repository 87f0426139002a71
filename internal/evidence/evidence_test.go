package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/knowledge"
	"github.com/sells-group/research-engine/internal/model"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"case and punctuation", "Sodium cells degrade faster.", "sodium CELLS degrade, faster!"},
		{"word order", "cathode dissolution limits cycle life", "cycle life limits cathode dissolution"},
		{"stopwords", "The cathode is the limiting factor", "cathode limiting factor"},
		{"diacritics", "Café résumé naïve", "cafe resume naive"},
		{"citation tags", "Cathodes dissolve [KB#c1]", "cathodes dissolve"},
		{"duplicates", "fast fast charging", "charging fast"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, Normalize(tt.b), Normalize(tt.a))
			assert.Equal(t, Fingerprint(tt.b), Fingerprint(tt.a))
		})
	}
}

func TestFingerprint_DistinguishesFacts(t *testing.T) {
	a := Fingerprint("Sodium cells retain 80% capacity after 1000 cycles")
	b := Fingerprint("Sodium cells retain 60% capacity after 1000 cycles")
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}

func TestSentences_Offsets(t *testing.T) {
	text := "First sentence here. Second one follows!\nThird line without stop"
	got := sentences(text)
	require.Len(t, got, 3)
	runes := []rune(text)
	for _, s := range got {
		assert.Equal(t, s.Text, string(runes[s.Start:s.End]))
	}
	assert.Equal(t, "Third line without stop", got[2].Text)

	// ids with dots inside citation tags do not split
	got = sentences("Value is high [KB#doc.1] overall.")
	require.Len(t, got, 1)
}

func chunks() []knowledge.Chunk {
	return []knowledge.Chunk{
		{
			ID:        "c1",
			Title:     "Cathode study",
			SourceURL: "https://kb/c1",
			Text:      "Background on layered oxides. Layered oxide cathodes lose capacity through transition metal dissolution. Other notes.",
		},
		{
			ID:        "c2",
			SourceURL: "",
			Text:      "Electrolyte additives suppress dissolution in sodium cells.",
		},
	}
}

func TestExtract(t *testing.T) {
	f := model.Finding{
		ID:        "f1",
		SessionID: "s1",
		Iteration: 2,
		Content: "## Summary\n" +
			"- Layered oxide cathodes lose capacity through metal dissolution [KB#c1].\n" +
			"- Electrolyte additives suppress dissolution in sodium cells [KB#c2][KB#missing].\n" +
			"Does temperature matter here at all?\n" +
			"Too short.\n" +
			"Solid state designs could change the picture entirely.",
		Sources: []string{"c1", "c2"},
	}

	claims := Extract(f, chunks())
	require.Len(t, claims, 3)

	c1 := claims[0]
	assert.Equal(t, "Layered oxide cathodes lose capacity through metal dissolution.", c1.ClaimText)
	assert.Equal(t, "s1", c1.SessionID)
	assert.Equal(t, "f1", c1.FindingID)
	assert.Equal(t, 2, c1.Iteration)
	assert.True(t, c1.Verified)
	require.Len(t, c1.Evidence, 1)
	ev := c1.Evidence[0]
	assert.Equal(t, "https://kb/c1", ev.URL)
	assert.Equal(t, "Cathode study", ev.Title)
	assert.Equal(t, c1.ID, ev.ClaimID)
	assert.Equal(t, "Layered oxide cathodes lose capacity through transition metal dissolution.", ev.Quote)
	require.NotNil(t, ev.StartOffset)
	assert.Equal(t, ev.Quote, string([]rune(chunks()[0].Text)[*ev.StartOffset:*ev.EndOffset]))
	assert.InDelta(t, 1.0, c1.EntailmentScore, 0.0001)
	assert.InDelta(t, 1.0, c1.ProvenanceScore, 0.0001)

	// one of two cited sources does not resolve
	c2 := claims[1]
	require.Len(t, c2.Evidence, 1)
	assert.Equal(t, "kb://c2", c2.Evidence[0].URL)
	assert.InDelta(t, 0.5, c2.ProvenanceScore, 0.0001)

	// uncited and unsupported: kept, flagged, never verified
	c3 := claims[2]
	assert.Empty(t, c3.Evidence)
	assert.False(t, c3.Verified)
	assert.Zero(t, c3.ProvenanceScore)
	assert.NotEmpty(t, c3.DedupeFingerprint)
}

func TestExtract_FindingsWithoutSources(t *testing.T) {
	f := model.Finding{ID: "f", SessionID: "s", Content: "Sodium batteries are cheaper than lithium batteries overall."}
	claims := Extract(f, nil)
	require.Len(t, claims, 1)
	assert.False(t, claims[0].Verified)
	assert.Zero(t, claims[0].Confidence)
}

func TestThemesAndVerified(t *testing.T) {
	claims := []model.Claim{
		{DedupeFingerprint: "a", Verified: true, Evidence: []model.Evidence{{Quote: "q"}}},
		{DedupeFingerprint: "b", Verified: true},
		{DedupeFingerprint: "a"},
	}
	assert.Equal(t, []string{"a", "b"}, Themes(claims))
	assert.Len(t, Verified(claims), 1)
}
