package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/knowledge"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/saturation"
	"github.com/sells-group/research-engine/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewManager(st), st
}

func sampleState(iteration int) State {
	published := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := saturation.NewTracker()
	tr.Seen["fp-a"] = true
	tr.Seen["fp-b"] = true
	tr.ConsecutiveLowNovelty = 1
	tr.Checks = iteration
	conf := 0.61
	return State{
		SessionID:  "s1",
		Query:      "how do solid-state batteries fail?",
		Iteration:  iteration,
		Config:     model.SessionConfig{Pattern: model.PatternDebate, MaxIterations: 6, ConfidenceWeights: model.EqualWeights()},
		Totals:     model.Totals{Iterations: iteration, Findings: 2 * iteration, CostUSD: 0.05},
		Confidence: &conf,
		Citations:  []string{"kb1", "kb2"},
		Summary:    "Dendrites form at the interface [KB#kb1].",
		Tracker:    tr,
		Context:    map[string][]knowledge.Chunk{
			"q": {{ID: "kb1", Text: "dendrites", Score: 0.9, SourceURL: "https://example.org/a", PublishedAt: &published}},
		},
	}
}

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	st, cp, err := m.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Nil(t, cp)

	saved, err := m.Save(ctx, "thread-1", "", sampleState(1))
	require.NoError(t, err)
	assert.Equal(t, "1", saved.Metadata["step"])
	assert.Len(t, saved.ChannelVersions, 3)

	got, cp, err := m.Load(ctx, "thread-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, saved.CheckpointID, cp.CheckpointID)

	want := sampleState(1)
	assert.Equal(t, want.Query, got.Query)
	assert.Equal(t, "thread-1", got.ThreadID)
	assert.Equal(t, want.Config, got.Config)
	assert.Equal(t, want.Totals, got.Totals)
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.61, *got.Confidence, 1e-12)
	assert.Nil(t, got.Completeness)
	assert.Equal(t, want.Summary, got.Summary)
	assert.Equal(t, want.Tracker.Themes(), got.Tracker.Themes())
	assert.Equal(t, 1, got.Tracker.ConsecutiveLowNovelty)
	require.Len(t, got.Context["q"], 1)
	assert.True(t, want.Context["q"][0].PublishedAt.Equal(*got.Context["q"][0].PublishedAt))
}

func TestManager_DeterministicVersions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Save(ctx, "thread-1", "", sampleState(1))
	require.NoError(t, err)
	second, err := m.Save(ctx, "thread-1", first.CheckpointID, sampleState(2))
	require.NoError(t, err)

	// Unchanged channels share a blob; the tracker counted another check.
	assert.Equal(t, first.ChannelVersions[ChannelVerdict], second.ChannelVersions[ChannelVerdict])
	assert.Equal(t, first.ChannelVersions[ChannelContext], second.ChannelVersions[ChannelContext])
	assert.NotEqual(t, first.ChannelVersions[ChannelThemes], second.ChannelVersions[ChannelThemes])
	assert.NotEqual(t, first.State, second.State)
}

func TestManager_SaveConflict(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Save(ctx, "thread-1", "", sampleState(1))
	require.NoError(t, err)
	_, err = m.Save(ctx, "thread-1", first.CheckpointID, sampleState(2))
	require.NoError(t, err)

	_, err = m.Save(ctx, "thread-1", first.CheckpointID, sampleState(2))
	assert.ErrorIs(t, err, model.ErrCheckpointConflict)
}

func TestManager_VerifyChain(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	report, err := m.VerifyChain(ctx, "empty")
	require.NoError(t, err)
	assert.Zero(t, report.Length)

	parent := ""
	for i := 1; i <= 4; i++ {
		cp, err := m.Save(ctx, "thread-1", parent, sampleState(i))
		require.NoError(t, err)
		parent = cp.CheckpointID
	}

	report, err = m.VerifyChain(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Length)
	assert.Equal(t, parent, report.Latest)
	assert.Equal(t, []int{4, 3, 2, 1}, report.Iterations)
	assert.NotEmpty(t, report.Root)
}

func TestManager_PruneKeepsChainValid(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	parent := ""
	for i := 1; i <= 5; i++ {
		st := sampleState(i)
		st.Summary = st.Summary + string(rune('a'+i))
		cp, err := m.Save(ctx, "thread-1", parent, st)
		require.NoError(t, err)
		parent = cp.CheckpointID
	}

	n, err := m.Prune(ctx, "thread-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	report, err := m.VerifyChain(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4}, report.Iterations)

	got, _, err := m.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Iteration)
}

// brokenStore returns a fixed checkpoint list for chain checks.
type brokenStore struct {
	Store
	list []model.Checkpoint
}

func (b brokenStore) ListCheckpoints(context.Context, string, string) ([]model.Checkpoint, error) {
	return b.list, nil
}

func TestManager_VerifyChain_Broken(t *testing.T) {
	tests := []struct {
		name string
		list []model.Checkpoint
	}{
		{
			name: "missing parent",
			list: []model.Checkpoint{
				{CheckpointID: "c3", ParentCheckpointID: "c2", Iteration: 3},
				{CheckpointID: "c1", Iteration: 1},
			},
		},
		{
			name: "iteration not increasing",
			list: []model.Checkpoint{
				{CheckpointID: "c2", ParentCheckpointID: "c1", Iteration: 2},
				{CheckpointID: "c1", Iteration: 2},
			},
		},
		{
			name: "cycle",
			list: []model.Checkpoint{
				{CheckpointID: "c2", ParentCheckpointID: "c1", Iteration: 2},
				{CheckpointID: "c1", ParentCheckpointID: "c2", Iteration: 1},
			},
		},
		{
			name: "unreachable fork",
			list: []model.Checkpoint{
				{CheckpointID: "c2", ParentCheckpointID: "c1", Iteration: 2},
				{CheckpointID: "x", Iteration: 2},
				{CheckpointID: "c1", Iteration: 1},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(brokenStore{list: tt.list})
			_, err := m.VerifyChain(context.Background(), "t")
			assert.ErrorIs(t, err, ErrBrokenChain)
		})
	}
}

func TestVersion_ContentAddressed(t *testing.T) {
	a := Version([]byte("same"))
	assert.Equal(t, a, Version([]byte("same")))
	assert.NotEqual(t, a, Version([]byte("other")))
	assert.Len(t, a, 32)
}

func TestCompressRoundTrip(t *testing.T) {
	raw := []byte("checkpoint state checkpoint state checkpoint state")
	out, err := decompress(compress(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}
