package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/agents"
	"github.com/sells-group/research-engine/internal/checkpoint"
	"github.com/sells-group/research-engine/internal/evidence"
	"github.com/sells-group/research-engine/internal/knowledge"
	"github.com/sells-group/research-engine/internal/ledger"
	"github.com/sells-group/research-engine/internal/metrics"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/progress"
	"github.com/sells-group/research-engine/internal/saturation"
	"github.com/sells-group/research-engine/internal/store"
)

// DefaultReserveUSD is reserved against the daily ledger before a session's
// first iteration. Later iterations reserve the session's mean iteration cost.
const DefaultReserveUSD = 0.05

// Store is the session persistence the engine and manager need.
type Store interface {
	CreateSession(ctx context.Context, s *model.ResearchSession) error
	GetSession(ctx context.Context, id string) (*model.ResearchSession, error)
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.ResearchSession, error)
	TransitionSession(ctx context.Context, id string, from, to model.SessionStatus) error
	UpdateSessionProgress(ctx context.Context, id string, p model.SessionProgress) error
	FinishSession(ctx context.Context, id string, outcome model.SessionOutcome) error
	SaveArtifacts(ctx context.Context, a model.IterationArtifacts) error
}

// Coordinator runs one pattern iteration.
type Coordinator interface {
	Run(ctx context.Context, task agents.Task) (*agents.Result, error)
}

// ContextCache holds the knowledge fetched for each session. Its snapshot
// travels in checkpoints so a resumed session sees the same context.
type ContextCache interface {
	Snapshot(sessionID string) map[string][]knowledge.Chunk
	Seed(sessionID string, snapshot map[string][]knowledge.Chunk)
	Forget(sessionID string)
}

// Engine runs and commits single iterations.
type Engine struct {
	store       Store
	checkpoints *checkpoint.Manager
	coord       Coordinator
	cache       ContextCache
	ledger      ledger.Ledger
	broker      progress.Broker
	reserveUSD  float64
	now         func() time.Time
}

// Deps are the collaborators of an Engine. Ledger and Broker are optional.
type Deps struct {
	Store       Store
	Checkpoints *checkpoint.Manager
	Coordinator Coordinator
	Cache       ContextCache
	Ledger      ledger.Ledger
	Broker      progress.Broker
}

// NewEngine creates an Engine.
func NewEngine(d Deps) *Engine {
	l := d.Ledger
	if l == nil {
		l = ledger.NewMemory(0)
	}
	b := d.Broker
	if b == nil {
		b = progress.NewMemoryBroker()
	}
	return &Engine{
		store:       d.Store,
		checkpoints: d.Checkpoints,
		coord:       d.Coordinator,
		cache:       d.Cache,
		ledger:      l,
		broker:      b,
		reserveUSD:  DefaultReserveUSD,
		now:         time.Now,
	}
}

// Broker returns the progress broker the engine publishes to.
func (e *Engine) Broker() progress.Broker { return e.broker }

// Load rebuilds the state of a session from its latest checkpoint. With no
// checkpoint yet it returns the initial state, seeded from the parent
// session's synthesis for follow-up sessions. The returned id is the
// checkpoint the next iteration must chain to.
func (e *Engine) Load(ctx context.Context, sess *model.ResearchSession) (*checkpoint.State, string, error) {
	thread := sess.CheckpointThreadID
	if thread == "" {
		thread = sess.ID
	}
	st, cp, err := e.checkpoints.Load(ctx, thread)
	if err != nil {
		return nil, "", err
	}
	if cp != nil {
		if e.cache != nil && len(st.Context) > 0 {
			e.cache.Seed(sess.ID, st.Context)
		}
		return st, cp.CheckpointID, nil
	}

	st = &checkpoint.State{
		SessionID: sess.ID,
		ThreadID:  thread,
		Query:     sess.Query,
		Config:    sess.Config,
		Tracker:   saturation.NewTracker(),
	}
	if sess.ParentSessionID != "" {
		parent, err := e.store.GetSession(ctx, sess.ParentSessionID)
		if err != nil {
			return nil, "", eris.Wrapf(err, "session: load parent %s", sess.ParentSessionID)
		}
		st.Summary = parent.FinalSynthesis
	}
	return st, "", nil
}

// Step runs one iteration from st and commits it: artifacts first, then the
// session totals, then a checkpoint chained to parentID. Nothing is
// committed when the iteration is cancelled or refused by the daily ledger.
// st is not modified.
func (e *Engine) Step(ctx context.Context, st *checkpoint.State, parentID string, stop <-chan struct{}) (*checkpoint.State, *model.Checkpoint, error) {
	iteration := st.Iteration + 1
	log := zap.L().With(zap.String("session_id", st.SessionID), zap.Int("iteration", iteration))
	start := e.now()

	reserve := e.reserveUSD
	if st.Totals.Iterations > 0 {
		reserve = st.Totals.CostUSD / float64(st.Totals.Iterations)
	}
	if _, err := e.ledger.Reserve(ctx, reserve); err != nil {
		if errors.Is(err, model.ErrCostCap) {
			metrics.LedgerRejections.Inc()
		}
		return nil, nil, eris.Wrapf(err, "session: reserve iteration %d", iteration)
	}
	spent := 0.0
	defer func() {
		if err := e.ledger.Settle(context.WithoutCancel(ctx), reserve, spent); err != nil {
			log.Warn("session: ledger settle failed", zap.Error(err))
		}
	}()

	e.publish(ctx, st, iteration, progress.StageContext, "")

	res, runErr := e.coord.Run(ctx, agents.Task{
		SessionID: st.SessionID,
		Iteration: iteration,
		Query:     st.Query,
		Summary:   st.Summary,
		Config:    st.Config,
		Stop:      stop,
	})
	if res == nil {
		res = &agents.Result{}
	}
	spent = callCost(res.Calls)

	if runErr != nil {
		if errors.Is(runErr, model.ErrCancelled) {
			return nil, nil, eris.Wrapf(runErr, "session: iteration %d", iteration)
		}
		// Keep the audit trail and spend of a failed iteration.
		e.keepAudit(ctx, st, res, log)
		return nil, nil, eris.Wrapf(runErr, "session: iteration %d", iteration)
	}
	e.publish(ctx, st, iteration, progress.StageProposals,
		fmt.Sprintf("%d proposals, %d lost", len(res.Proposals), res.Lost))
	e.publish(ctx, st, iteration, progress.StageJudge, "")

	chunks := res.Chunks()
	findings := e.findings(st, iteration, res)
	synthesis := &findings[len(findings)-1]
	claims := evidence.Extract(*synthesis, chunks)

	tracker, row := saturation.NewEvaluator(st.Config.NoveltyThreshold, st.Config.SaturationStreak).
		Check(st.Tracker, st.SessionID, iteration, evidence.Themes(claims), len(chunks))

	proposals := make([]string, len(res.Proposals))
	for i, p := range res.Proposals {
		proposals[i] = p.Text
	}
	confidence := saturation.Score(st.Config.ConfidenceWeights, saturation.Measure(saturation.Inputs{
		Claims:    claims,
		Chunks:    chunks,
		Proposals: proposals,
		Verdict:   res.Verdict,
		Now:       e.now(),
	}))
	completeness := saturation.Completeness(row)
	synthesis.Confidence = confidence
	for i := range claims {
		claims[i].SessionID = st.SessionID
	}
	e.publish(ctx, st, iteration, progress.StageEvidence,
		fmt.Sprintf("%d claims, %d verified", len(claims), len(evidence.Verified(claims))))

	next := *st
	next.Iteration = iteration
	next.Summary = res.Verdict
	next.Tracker = tracker
	next.Citations = union(st.Citations, res.CitationsUsed)
	next.LostTotal = st.LostTotal + res.Lost
	next.Completeness = &completeness
	next.Confidence = &confidence
	next.Totals = model.Totals{
		Iterations:        iteration,
		Findings:          st.Totals.Findings + len(findings),
		Sources:           len(next.Citations),
		CostUSD:           st.Totals.CostUSD + spent,
		ExternalCallsUsed: st.Totals.ExternalCallsUsed + len(res.Calls) + res.Searches(),
	}
	if e.cache != nil {
		next.Context = e.cache.Snapshot(st.SessionID)
	}

	if err := e.store.SaveArtifacts(ctx, model.IterationArtifacts{
		Findings:   findings,
		Claims:     claims,
		Saturation: row,
		ModelCalls: res.Calls,
	}); err != nil {
		return nil, nil, eris.Wrapf(err, "session: iteration %d artifacts", iteration)
	}
	if err := e.store.UpdateSessionProgress(ctx, st.SessionID, model.SessionProgress{
		Totals:            next.Totals,
		CompletenessScore: next.Completeness,
		ConfidenceScore:   next.Confidence,
	}); err != nil {
		return nil, nil, eris.Wrapf(err, "session: iteration %d totals", iteration)
	}

	cp, err := e.checkpoints.Save(ctx, threadOf(st), parentID, next)
	if err != nil {
		metrics.CheckpointWrites.WithLabelValues("error").Inc()
		return nil, nil, eris.Wrapf(model.ErrCheckpointWrite, "session: iteration %d: %v", iteration, err)
	}
	metrics.CheckpointWrites.WithLabelValues("ok").Inc()
	e.publish(ctx, &next, iteration, progress.StageCheckpoint, cp.CheckpointID)

	metrics.IterationDuration.Observe(e.now().Sub(start).Seconds())
	e.publishIteration(ctx, &next, row)

	log.Info("session: iteration committed",
		zap.Int("findings", len(findings)),
		zap.Int("claims", len(claims)),
		zap.Float64("novelty_rate", row.NoveltyRate),
		zap.Bool("saturated", row.Saturated),
		zap.Float64("confidence", confidence),
		zap.Float64("cost_usd", spent),
	)
	return &next, cp, nil
}

// threadOf returns the checkpoint thread of the session in st.
func threadOf(st *checkpoint.State) string {
	if st.ThreadID != "" {
		return st.ThreadID
	}
	return st.SessionID
}

func (e *Engine) findings(st *checkpoint.State, iteration int, res *agents.Result) []model.Finding {
	now := e.now().UTC()
	out := make([]model.Finding, 0, len(res.Proposals)+1)
	for _, p := range res.Proposals {
		typ := model.FindingTypeProposal
		if st.Config.Pattern == model.PatternPipeline {
			typ = model.FindingTypeStage
		}
		out = append(out, model.Finding{
			ID:          uuid.NewString(),
			SessionID:   st.SessionID,
			FindingType: typ,
			Content:     p.Text,
			Sources:     nonNil(p.Citations),
			Iteration:   iteration,
			CreatedAt:   now,
		})
	}
	out = append(out, model.Finding{
		ID:          uuid.NewString(),
		SessionID:   st.SessionID,
		FindingType: model.FindingTypeSynthesis,
		Content:     res.Verdict,
		Sources:     nonNil(knowledge.Citations(res.Verdict)),
		Iteration:   iteration,
		CreatedAt:   now,
	})
	return out
}

// keepAudit records the model calls and spend of an iteration that failed
// before producing a verdict.
func (e *Engine) keepAudit(ctx context.Context, st *checkpoint.State, res *agents.Result, log *zap.Logger) {
	if len(res.Calls) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.store.SaveArtifacts(ctx, model.IterationArtifacts{ModelCalls: res.Calls}); err != nil {
		log.Warn("session: audit of failed iteration not saved", zap.Error(err))
		return
	}
	totals := st.Totals
	totals.CostUSD += callCost(res.Calls)
	totals.ExternalCallsUsed += len(res.Calls) + res.Searches()
	if err := e.store.UpdateSessionProgress(ctx, st.SessionID, model.SessionProgress{
		Totals:            totals,
		CompletenessScore: st.Completeness,
		ConfidenceScore:   st.Confidence,
	}); err != nil {
		log.Warn("session: totals of failed iteration not saved", zap.Error(err))
	}
}

// AfterError maps an error returned by Step to the decision it forces.
func AfterError(st *checkpoint.State, err error) Decision {
	switch {
	case errors.Is(err, model.ErrCostCap):
		return Decide(st.Config, st.Totals, false, Signals{LedgerRejected: true})
	case errors.Is(err, model.ErrCancelled):
		return Decide(st.Config, st.Totals, false, Signals{Cancel: true})
	case errors.Is(err, model.ErrCheckpointWrite):
		return Decision{Event: EventFail, Reason: ReasonCheckpointWrite + ": " + err.Error()}
	default:
		return Decision{Event: EventFail, Reason: fmt.Sprintf("iteration %d failed: %v", st.Iteration+1, err)}
	}
}

// Finish moves the session to the status the decision names and records
// the outcome. The synthesis is the latest committed verdict.
func (e *Engine) Finish(ctx context.Context, st *checkpoint.State, d Decision) (model.SessionStatus, error) {
	ctx = context.WithoutCancel(ctx)
	sess, err := e.store.GetSession(ctx, st.SessionID)
	if err != nil {
		return "", err
	}
	from := sess.Status
	if from == model.SessionStatusPaused && (d.Event == EventComplete || d.Event == EventFail) {
		// Stopping a paused session goes through active.
		if err := e.reactivate(ctx, sess.ID); err != nil {
			return sess.Status, err
		}
		from = model.SessionStatusActive
	}
	to, effects, err := Next(from, d.Event)
	if err != nil {
		return from, err
	}

	for _, fx := range effects {
		switch fx {
		case EffectRecordOutcome:
			if err := e.store.FinishSession(ctx, sess.ID, model.SessionOutcome{
				Status:           to,
				Reason:           d.Reason,
				FinalSynthesis:   st.Summary,
				EarlyTermination: d.Early,
			}); err != nil {
				return from, eris.Wrapf(err, "session: finish %s", sess.ID)
			}
		case EffectReleaseContext:
			if e.cache != nil {
				e.cache.Forget(sess.ID)
			}
		}
	}

	if to.Terminal() {
		metrics.SessionsFinished.WithLabelValues(string(to), strconv.FormatBool(d.Early)).Inc()
	}
	zap.L().Info("session: stopped",
		zap.String("session_id", sess.ID),
		zap.String("status", string(to)),
		zap.String("reason", d.Reason),
		zap.Bool("early_termination", d.Early),
		zap.Int("iterations", st.Totals.Iterations),
	)
	e.emit(ctx, progress.Progress{
		SessionID:          sess.ID,
		Iteration:          st.Iteration,
		Stage:              progress.StageStatus,
		FindingsCount:      st.Totals.Findings,
		SourcesCount:       st.Totals.Sources,
		BudgetRemainingUSD: remaining(st),
		Saturation:         saturationOf(st.Tracker, 0),
		Status:             to,
		Reason:             d.Reason,
	})
	return to, nil
}

// reactivate moves a paused session back to active without starting a loop.
func (e *Engine) reactivate(ctx context.Context, sessionID string) error {
	to, _, err := Next(model.SessionStatusPaused, EventResume)
	if err != nil {
		return err
	}
	if err := e.store.TransitionSession(ctx, sessionID, model.SessionStatusPaused, to); err != nil {
		return eris.Wrapf(err, "session: reactivate %s", sessionID)
	}
	return nil
}

// FinishByID finishes a session from its latest committed state. A
// cancelled decision is settled against the committed iterations: completed
// with partial results when there are any, failed otherwise.
func (e *Engine) FinishByID(ctx context.Context, sessionID string, d Decision, cancelled bool) (model.SessionStatus, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	st, _, err := e.Load(ctx, sess)
	if err != nil {
		return sess.Status, err
	}
	if cancelled {
		d = Decide(st.Config, st.Totals, false, Signals{Cancel: true})
	}
	return e.Finish(ctx, st, d)
}

// Resume moves a paused session back to active.
func (e *Engine) Resume(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, _, err := Next(sess.Status, EventResume); err != nil {
		return err
	}
	if err := e.store.TransitionSession(ctx, sessionID, model.SessionStatusPaused, model.SessionStatusActive); err != nil {
		return err
	}
	zap.L().Info("session: resumed", zap.String("session_id", sessionID), zap.Int("iterations", sess.Totals.Iterations))
	e.emit(ctx, progress.Progress{
		SessionID:     sessionID,
		Iteration:     sess.Totals.Iterations,
		Stage:         progress.StageStatus,
		FindingsCount: sess.Totals.Findings,
		SourcesCount:  sess.Totals.Sources,
		Status:        model.SessionStatusActive,
	})
	return nil
}

// Advance runs one iteration of a session from its latest checkpoint and
// reports what should happen next. It backs runners that keep no state
// between iterations.
func (e *Engine) Advance(ctx context.Context, sessionID string, sig Signals, stop <-chan struct{}) (*checkpoint.State, Decision, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, Decision{}, err
	}
	if sess.Status != model.SessionStatusActive {
		return nil, Decision{}, eris.Wrapf(model.ErrInvalidTransition, "session: advance %s in status %s", sessionID, sess.Status)
	}
	st, parent, err := e.Load(ctx, sess)
	if err != nil {
		return nil, Decision{}, err
	}
	if d := Decide(st.Config, st.Totals, st.Tracker.Saturated, sig); !d.Continue {
		return st, d, nil
	}
	next, _, err := e.Step(ctx, st, parent, stop)
	if err != nil {
		zap.L().Warn("session: iteration did not commit", zap.String("session_id", sessionID), zap.Error(err))
		return st, AfterError(st, err), nil
	}
	return next, Decide(next.Config, next.Totals, next.Tracker.Saturated, Signals{}), nil
}

func (e *Engine) publish(ctx context.Context, st *checkpoint.State, iteration int, stage progress.Stage, detail string) {
	e.emit(ctx, progress.Progress{
		SessionID:          st.SessionID,
		Iteration:          iteration,
		Stage:              stage,
		FindingsCount:      st.Totals.Findings,
		SourcesCount:       st.Totals.Sources,
		BudgetRemainingUSD: remaining(st),
		Saturation:         saturationOf(st.Tracker, 0),
		Status:             model.SessionStatusActive,
		Detail:             detail,
	})
}

func (e *Engine) publishIteration(ctx context.Context, st *checkpoint.State, row model.SaturationTracking) {
	e.emit(ctx, progress.Progress{
		SessionID:          st.SessionID,
		Iteration:          st.Iteration,
		Stage:              progress.StageIteration,
		FindingsCount:      st.Totals.Findings,
		SourcesCount:       st.Totals.Sources,
		BudgetRemainingUSD: remaining(st),
		Saturation:         saturationOf(st.Tracker, row.NoveltyRate),
		Status:             model.SessionStatusActive,
	})
}

func (e *Engine) emit(ctx context.Context, p progress.Progress) {
	p.At = e.now().UTC()
	if err := e.broker.Publish(context.WithoutCancel(ctx), p); err != nil {
		zap.L().Warn("session: progress publish failed", zap.String("session_id", p.SessionID), zap.Error(err))
	}
}

func saturationOf(t saturation.Tracker, rate float64) progress.Saturation {
	return progress.Saturation{
		NoveltyRate:           rate,
		ConsecutiveLowNovelty: t.ConsecutiveLowNovelty,
		Saturated:             t.Saturated,
	}
}

// remaining is the unspent session budget, zero when the session has none.
func remaining(st *checkpoint.State) float64 {
	if st.Config.BudgetUSD <= 0 {
		return 0
	}
	return max(0, st.Config.BudgetUSD-st.Totals.CostUSD)
}

func callCost(calls []model.ModelCall) float64 {
	var total float64
	for _, c := range calls {
		total += c.CostUSD
	}
	return total
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
