package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/agents"
	"github.com/sells-group/research-engine/internal/checkpoint"
	"github.com/sells-group/research-engine/internal/knowledge"
	"github.com/sells-group/research-engine/internal/ledger"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/progress"
	"github.com/sells-group/research-engine/internal/store"
)

var testChunks = []knowledge.Chunk{
	{ID: "c1", Text: "Recycling plants recover most cathode metals from spent battery packs.", Score: 0.9, SourceURL: "https://example.org/recovery"},
	{ID: "c2", Text: "Yield losses come from binder contamination during shredding of cells.", Score: 0.8, SourceURL: "https://example.org/losses"},
}

func verdictFor(iteration int) string {
	if iteration <= 2 {
		return fmt.Sprintf("Recycling plants in region %d recover most cathode metals from spent packs [KB#c1]. "+
			"Yield losses in stage %d come from binder contamination during shredding [KB#c2].", iteration, iteration)
	}
	return "Recycling plants recover most cathode metals from spent battery packs [KB#c1]."
}

func modelCalls(task agents.Task, n int, success bool) []model.ModelCall {
	calls := make([]model.ModelCall, n)
	for i := range calls {
		calls[i] = model.ModelCall{
			ID:           uuid.NewString(),
			SessionID:    task.SessionID,
			Iteration:    task.Iteration,
			Model:        "test-model",
			DecisionType: model.DecisionProposal,
			Role:         agents.RoleProposer,
			Tier:         "fast",
			CostUSD:      0.01,
			Success:      success,
			CreatedAt:    time.Now().UTC(),
		}
	}
	if success {
		calls[n-1].DecisionType = model.DecisionJudge
		calls[n-1].Role = agents.RoleJudge
	}
	return calls
}

// scriptedCoordinator returns canned results. With a gate set each run
// waits for a token, a stop request or context cancellation.
type scriptedCoordinator struct {
	mu      sync.Mutex
	tasks   []agents.Task
	fail    map[int]error
	gate    chan struct{}
	entered chan agents.Task
}

func (c *scriptedCoordinator) Run(ctx context.Context, task agents.Task) (*agents.Result, error) {
	c.mu.Lock()
	c.tasks = append(c.tasks, task)
	c.mu.Unlock()
	if c.entered != nil {
		c.entered <- task
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-task.Stop:
			return &agents.Result{}, eris.Wrap(model.ErrCancelled, "test: stop requested")
		case <-ctx.Done():
			return &agents.Result{}, eris.Wrap(model.ErrCancelled, "test: context done")
		}
	}
	if err := c.fail[task.Iteration]; err != nil {
		return &agents.Result{Calls: modelCalls(task, 2, false)}, err
	}
	return &agents.Result{
		Proposals: []agents.Proposal{
			{Role: agents.RoleProposer, Text: "Plants recover most cathode metals [KB#c1].", Citations: []string{"c1"}},
			{Role: agents.RoleProposer, Text: "Binder contamination causes yield losses [KB#c2].", Citations: []string{"c2"}},
		},
		Verdict:       verdictFor(task.Iteration),
		CitationsUsed: []string{"c1", "c2"},
		Calls:         modelCalls(task, 3, true),
		Contexts:      []knowledge.Context{{Chunks: testChunks, Searched: task.Iteration == 1}},
	}, nil
}

func (c *scriptedCoordinator) recorded() []agents.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agents.Task(nil), c.tasks...)
}

func testConfig() model.SessionConfig {
	return model.SessionConfig{
		Pattern:           model.PatternCouncil,
		ProposerCount:     2,
		ProposerTier:      "fast",
		JudgeTier:         "deep",
		MaxIterations:     3,
		MinIterations:     1,
		NoveltyThreshold:  0.05,
		SaturationStreak:  2,
		ConfidenceWeights: model.EqualWeights(),
		JudgeRetries:      1,
	}
}

type testEnv struct {
	store  *store.SQLiteStore
	cps    *checkpoint.Manager
	engine *Engine
	broker *progress.MemoryBroker
	coord  *scriptedCoordinator
}

func newTestEnv(t *testing.T, coord *scriptedCoordinator, l ledger.Ledger) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	cps := checkpoint.NewManager(st)
	broker := progress.NewMemoryBroker()
	e := NewEngine(Deps{
		Store:       st,
		Checkpoints: cps,
		Coordinator: coord,
		Cache:       knowledge.NewAssembler(knowledge.NewStaticRetriever(testChunks), 5, 0, time.Minute),
		Ledger:      l,
		Broker:      broker,
	})
	return &testEnv{store: st, cps: cps, engine: e, broker: broker, coord: coord}
}

func (env *testEnv) seed(t *testing.T, id, parent string) *model.ResearchSession {
	t.Helper()
	now := time.Now().UTC()
	s := &model.ResearchSession{
		ID:                 id,
		Query:              "what limits battery recycling yields?",
		Status:             model.SessionStatusActive,
		Config:             testConfig(),
		CheckpointThreadID: id,
		ParentSessionID:    parent,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, env.store.CreateSession(context.Background(), s))
	return s
}

func TestEngine_StepCommitsIteration(t *testing.T) {
	env := newTestEnv(t, &scriptedCoordinator{}, nil)
	ctx := context.Background()
	sess := env.seed(t, "s1", "")

	st, parent, err := env.engine.Load(ctx, sess)
	require.NoError(t, err)
	assert.Empty(t, parent)
	assert.Zero(t, st.Iteration)

	next, cp, err := env.engine.Step(ctx, st, parent, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, next.Iteration)
	assert.Zero(t, st.Iteration, "input state is not modified")
	assert.Equal(t, 1, cp.Iteration)
	assert.Empty(t, cp.ParentCheckpointID)
	assert.Equal(t, verdictFor(1), next.Summary)

	findings, err := env.store.ListFindings(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, findings, 3)
	var synth model.Finding
	for _, f := range findings {
		if f.FindingType == model.FindingTypeSynthesis {
			synth = f
		}
	}
	assert.Equal(t, verdictFor(1), synth.Content)
	assert.Equal(t, []string{"c1", "c2"}, synth.Sources)
	assert.Greater(t, synth.Confidence, 0.0)

	claims, err := env.store.ListClaims(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, claims, 2)
	for _, c := range claims {
		assert.Equal(t, synth.ID, c.FindingID)
		assert.NotEmpty(t, c.Evidence)
	}

	sat, err := env.store.ListSaturation(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sat, 1)
	assert.InDelta(t, 1.0, sat[0].NoveltyRate, 1e-9)

	calls, err := env.store.ListModelCalls(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, calls, 3)

	got, err := env.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.Totals{Iterations: 1, Findings: 3, Sources: 2, CostUSD: got.Totals.CostUSD, ExternalCallsUsed: 4}, got.Totals)
	assert.InDelta(t, 0.03, got.Totals.CostUSD, 1e-9)
	require.NotNil(t, got.ConfidenceScore)
	require.NotNil(t, got.CompletenessScore)
	assert.InDelta(t, 0.0, *got.CompletenessScore, 1e-9)

	second, cp2, err := env.engine.Step(ctx, next, cp.CheckpointID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Iteration)
	assert.Equal(t, cp.CheckpointID, cp2.ParentCheckpointID)
	assert.Equal(t, verdictFor(1), env.coord.recorded()[1].Summary, "previous verdict feeds the next iteration")
}

func TestEngine_StepCancelledCommitsNothing(t *testing.T) {
	coord := &scriptedCoordinator{fail: map[int]error{1: eris.Wrap(model.ErrCancelled, "test")}}
	env := newTestEnv(t, coord, nil)
	ctx := context.Background()
	sess := env.seed(t, "s1", "")
	st, parent, err := env.engine.Load(ctx, sess)
	require.NoError(t, err)

	_, _, err = env.engine.Step(ctx, st, parent, nil)
	require.ErrorIs(t, err, model.ErrCancelled)

	calls, err := env.store.ListModelCalls(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, calls)
	cp, err := env.store.LatestCheckpoint(ctx, "s1", model.DefaultNamespace)
	require.NoError(t, err)
	assert.Nil(t, cp)

	d := AfterError(st, err)
	assert.Equal(t, Decision{Event: EventFail, Reason: ReasonCancelledEmpty, Early: true}, d)
}

func TestEngine_StepJudgeFailureKeepsAudit(t *testing.T) {
	coord := &scriptedCoordinator{fail: map[int]error{2: eris.Wrap(model.ErrJudgeFailure, "test: judge timed out")}}
	env := newTestEnv(t, coord, nil)
	ctx := context.Background()
	sess := env.seed(t, "s1", "")
	st, parent, err := env.engine.Load(ctx, sess)
	require.NoError(t, err)

	st1, cp1, err := env.engine.Step(ctx, st, parent, nil)
	require.NoError(t, err)

	_, _, err = env.engine.Step(ctx, st1, cp1.CheckpointID, nil)
	require.ErrorIs(t, err, model.ErrJudgeFailure)

	calls, err := env.store.ListModelCalls(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, calls, 5)
	failed := 0
	for _, c := range calls {
		if !c.Success {
			failed++
		}
	}
	assert.Equal(t, 2, failed)

	findings, err := env.store.ListFindings(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, findings, 3, "iteration 1 findings survive the failure")

	got, err := env.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, got.Totals.CostUSD, 1e-9)
	assert.Equal(t, 1, got.Totals.Iterations)

	d := AfterError(st1, err)
	assert.Equal(t, EventFail, d.Event)
	assert.Contains(t, d.Reason, "iteration 2 failed")

	status, err := env.engine.Finish(ctx, st1, d)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusFailed, status)
	got, err = env.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, verdictFor(1), got.FinalSynthesis)
	assert.NotNil(t, got.CompletedAt)
}

func TestEngine_CheckpointConflictFailsIteration(t *testing.T) {
	env := newTestEnv(t, &scriptedCoordinator{}, nil)
	ctx := context.Background()
	sess := env.seed(t, "s1", "")
	st, parent, err := env.engine.Load(ctx, sess)
	require.NoError(t, err)

	_, _, err = env.engine.Step(ctx, st, parent, nil)
	require.NoError(t, err)

	_, _, err = env.engine.Step(ctx, st, parent, nil)
	require.ErrorIs(t, err, model.ErrCheckpointWrite)

	d := AfterError(st, err)
	assert.Equal(t, EventFail, d.Event)
	assert.Contains(t, d.Reason, ReasonCheckpointWrite)

	report, err := env.cps.VerifyChain(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, report.Iterations)
}

func TestEngine_LedgerRejection(t *testing.T) {
	coord := &scriptedCoordinator{}
	env := newTestEnv(t, coord, ledger.NewMemory(0.01))
	ctx := context.Background()
	sess := env.seed(t, "s1", "")
	st, parent, err := env.engine.Load(ctx, sess)
	require.NoError(t, err)

	_, _, err = env.engine.Step(ctx, st, parent, nil)
	require.ErrorIs(t, err, model.ErrCostCap)
	assert.Empty(t, coord.recorded(), "no model call starts without a reservation")

	d := AfterError(st, err)
	assert.Equal(t, EventFail, d.Event)
	assert.True(t, d.Early)
	assert.Contains(t, d.Reason, ReasonLedgerCap)
}

func TestEngine_LedgerSettlesActualSpend(t *testing.T) {
	l := ledger.NewMemory(10)
	env := newTestEnv(t, &scriptedCoordinator{}, l)
	ctx := context.Background()
	sess := env.seed(t, "s1", "")
	st, parent, err := env.engine.Load(ctx, sess)
	require.NoError(t, err)

	_, _, err = env.engine.Step(ctx, st, parent, nil)
	require.NoError(t, err)

	spent, err := l.Spent(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.03, spent, 1e-9)
}

func TestEngine_LoadSeedsFollowUp(t *testing.T) {
	env := newTestEnv(t, &scriptedCoordinator{}, nil)
	ctx := context.Background()
	env.seed(t, "parent", "")
	require.NoError(t, env.store.FinishSession(ctx, "parent", model.SessionOutcome{
		Status:         model.SessionStatusCompleted,
		Reason:         ReasonSaturated,
		FinalSynthesis: "Binder contamination dominates yield loss.",
	}))
	child := env.seed(t, "child", "parent")

	st, _, err := env.engine.Load(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, "Binder contamination dominates yield loss.", st.Summary)

	_, _, err = env.engine.Step(ctx, st, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "Binder contamination dominates yield loss.", env.coord.recorded()[0].Summary)
}

type findingKey struct {
	Iteration int
	Type      string
	Content   string
}

func findingKeys(t *testing.T, s store.Store, sessionID string, upTo int) map[findingKey]bool {
	t.Helper()
	findings, err := s.ListFindings(context.Background(), sessionID)
	require.NoError(t, err)
	out := make(map[findingKey]bool)
	for _, f := range findings {
		if f.Iteration <= upTo {
			out[findingKey{f.Iteration, f.FindingType, f.Content}] = true
		}
	}
	return out
}

func TestEngine_ResumeEquivalence(t *testing.T) {
	ctx := context.Background()

	straight := newTestEnv(t, &scriptedCoordinator{}, nil)
	sess := straight.seed(t, "s1", "")
	st, parent, err := straight.engine.Load(ctx, sess)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		next, cp, err := straight.engine.Step(ctx, st, parent, nil)
		require.NoError(t, err)
		st, parent = next, cp.CheckpointID
	}

	crashed := newTestEnv(t, &scriptedCoordinator{}, nil)
	sess = crashed.seed(t, "s1", "")
	st, parent, err = crashed.engine.Load(ctx, sess)
	require.NoError(t, err)
	var first string
	for i := 0; i < 2; i++ {
		next, cp, err := crashed.engine.Step(ctx, st, parent, nil)
		require.NoError(t, err)
		if i == 0 {
			first = cp.CheckpointID
		}
		st, parent = next, cp.CheckpointID
	}
	// Iteration 3 writes its artifacts, then loses the checkpoint race.
	_, _, err = crashed.engine.Step(ctx, st, first, nil)
	require.ErrorIs(t, err, model.ErrCheckpointWrite)

	fresh, err := crashed.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	resumed, parent, err := crashed.engine.Load(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, 2, resumed.Iteration)
	_, _, err = crashed.engine.Step(ctx, resumed, parent, nil)
	require.NoError(t, err)

	want := findingKeys(t, straight.store, "s1", 3)
	got := findingKeys(t, crashed.store, "s1", 3)
	for k := range want {
		assert.True(t, got[k], "missing finding %+v", k)
	}

	report, err := crashed.cps.VerifyChain(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, report.Iterations)

	a, err := straight.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	b, err := crashed.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, a.Totals.Iterations, b.Totals.Iterations)
	assert.Equal(t, a.Totals.Findings, b.Totals.Findings)
}

func TestEngine_AdvanceAndFinish(t *testing.T) {
	env := newTestEnv(t, &scriptedCoordinator{}, nil)
	ctx := context.Background()
	env.seed(t, "s1", "")

	sub, cancel := env.broker.Subscribe(ctx, "s1")
	defer cancel()

	var d Decision
	var st *checkpoint.State
	for i := 0; i < 5; i++ {
		var err error
		st, d, err = env.engine.Advance(ctx, "s1", Signals{}, nil)
		require.NoError(t, err)
		if !d.Continue {
			break
		}
	}
	assert.Equal(t, Decision{Event: EventComplete, Reason: ReasonMaxIterations}, d)
	assert.Equal(t, 3, st.Iteration)

	status, err := env.engine.FinishByID(ctx, "s1", d, false)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, status)

	got, err := env.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, verdictFor(3), got.FinalSynthesis)
	assert.Equal(t, ReasonMaxIterations, got.Reason)

	_, _, err = env.engine.Advance(ctx, "s1", Signals{}, nil)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	var last progress.Progress
	iterations := 0
	for p := range sub {
		if p.Stage == progress.StageIteration {
			iterations++
		}
		last = p
		if p.Terminal() {
			break
		}
	}
	assert.Equal(t, 3, iterations)
	assert.Equal(t, model.SessionStatusCompleted, last.Status)
}

func TestEngine_PausedResumeCycle(t *testing.T) {
	env := newTestEnv(t, &scriptedCoordinator{}, nil)
	ctx := context.Background()
	env.seed(t, "s1", "")

	st, d, err := env.engine.Advance(ctx, "s1", Signals{}, nil)
	require.NoError(t, err)
	require.True(t, d.Continue)

	_, d, err = env.engine.Advance(ctx, "s1", Signals{Pause: true}, nil)
	require.NoError(t, err)
	require.Equal(t, EventPause, d.Event)
	status, err := env.engine.Finish(ctx, st, d)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusPaused, status)

	got, err := env.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, env.engine.Resume(ctx, "s1"))
	st, d, err = env.engine.Advance(ctx, "s1", Signals{}, nil)
	require.NoError(t, err)
	assert.True(t, d.Continue)
	assert.Equal(t, 2, st.Iteration)

	require.ErrorIs(t, env.engine.Resume(ctx, "s1"), model.ErrInvalidTransition)
}
