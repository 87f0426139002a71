package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/research-engine/internal/checkpoint"
	"github.com/sells-group/research-engine/internal/metrics"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/progress"
	"github.com/sells-group/research-engine/internal/store"
)

// ErrInvalidRequest is returned for a create request that fails validation.
var ErrInvalidRequest = eris.New("invalid session request")

// CreateRequest is the input to Create. A nil Config takes the manager defaults.
type CreateRequest struct {
	Query           string               `json:"query"`
	Config          *model.SessionConfig `json:"config,omitempty"`
	ParentSessionID string               `json:"parent_session_id,omitempty"`
}

// run is one in-process iteration loop.
type run struct {
	mu     sync.Mutex
	pause  bool
	cancel bool
	stop   chan struct{}
	abort  context.CancelFunc
	done   chan struct{}
	status model.SessionStatus
}

func (r *run) signals() Signals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Signals{Pause: r.pause, Cancel: r.cancel}
}

func (r *run) requestCancel(hard bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cancel {
		r.cancel = true
		close(r.stop)
	}
	if hard {
		r.abort()
	}
}

// Manager serves the session control API for sessions run in this process.
type Manager struct {
	engine   *Engine
	store    Store
	defaults model.SessionConfig
	sem      *semaphore.Weighted
	hardStop bool

	mu   sync.Mutex
	runs map[string]*run
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Defaults model.SessionConfig
	// MaxConcurrent caps sessions iterating at once; extra sessions wait.
	MaxConcurrent int
	// HardCancel abandons in-flight model calls on cancel instead of letting
	// them finish.
	HardCancel bool
}

// NewManager creates a Manager driving engine.
func NewManager(engine *Engine, s Store, opts ManagerOptions) *Manager {
	n := opts.MaxConcurrent
	if n < 1 {
		n = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		engine:   engine,
		store:    s,
		defaults: opts.Defaults,
		sem:      semaphore.NewWeighted(int64(n)),
		hardStop: opts.HardCancel,
		runs:     make(map[string]*run),
		base:     base,
		stop:     stop,
	}
}

// Defaults returns the session config applied when a request carries none.
func (m *Manager) Defaults() model.SessionConfig { return m.defaults }

// Validate checks a session config.
func Validate(cfg model.SessionConfig) error {
	var errs []string
	if !cfg.Pattern.Valid() {
		errs = append(errs, "unknown pattern "+string(cfg.Pattern))
	}
	if cfg.Pattern == model.PatternCouncil && cfg.ProposerCount < 1 {
		errs = append(errs, "council needs at least one proposer")
	}
	if cfg.MaxIterations < 1 {
		errs = append(errs, "max_iterations must be at least 1")
	}
	if cfg.MinIterations > cfg.MaxIterations {
		errs = append(errs, "min_iterations exceeds max_iterations")
	}
	if cfg.BudgetUSD < 0 {
		errs = append(errs, "budget_usd must not be negative")
	}
	if cfg.ConfidenceWeights.Sum() <= 0 {
		errs = append(errs, "confidence weights must sum above zero")
	}
	if len(errs) > 0 {
		return eris.Wrap(ErrInvalidRequest, strings.Join(errs, "; "))
	}
	return nil
}

// Create stores a new active session and starts its iteration loop.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.ResearchSession, error) {
	sess, err := Open(ctx, m.store, m.defaults, req)
	if err != nil {
		return nil, err
	}
	m.start(sess.ID)
	return sess, nil
}

// Open validates req and stores it as a new active session. Runners call it
// before starting the session's iteration loop.
func Open(ctx context.Context, s Store, defaults model.SessionConfig, req CreateRequest) (*model.ResearchSession, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, eris.Wrap(ErrInvalidRequest, "query is required")
	}
	cfg := defaults
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if req.ParentSessionID != "" {
		parent, err := s.GetSession(ctx, req.ParentSessionID)
		if err != nil {
			return nil, eris.Wrapf(err, "session: parent %s", req.ParentSessionID)
		}
		if !parent.Status.Terminal() {
			return nil, eris.Wrapf(ErrInvalidRequest, "parent session %s is %s", parent.ID, parent.Status)
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	sess := &model.ResearchSession{
		ID:                 id,
		Query:              query,
		Status:             model.SessionStatusActive,
		Config:             cfg,
		CheckpointThreadID: id,
		ParentSessionID:    req.ParentSessionID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		return nil, eris.Wrap(err, "session: create")
	}
	zap.L().Info("session: created",
		zap.String("session_id", id),
		zap.String("pattern", string(cfg.Pattern)),
		zap.String("parent_session_id", req.ParentSessionID),
	)
	return sess, nil
}

// Get returns a session.
func (m *Manager) Get(ctx context.Context, id string) (*model.ResearchSession, error) {
	return m.store.GetSession(ctx, id)
}

// List returns sessions matching filter.
func (m *Manager) List(ctx context.Context, filter store.SessionFilter) ([]model.ResearchSession, error) {
	return m.store.ListSessions(ctx, filter)
}

// Pause asks a running session to pause at its next iteration boundary. An
// active session with no loop in this process is paused directly.
func (m *Manager) Pause(ctx context.Context, id string) error {
	if r := m.running(id); r != nil {
		r.mu.Lock()
		r.pause = true
		r.mu.Unlock()
		return nil
	}
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if _, _, err := Next(sess.Status, EventPause); err != nil {
		return err
	}
	return m.store.FinishSession(ctx, id, model.SessionOutcome{
		Status:         model.SessionStatusPaused,
		Reason:         ReasonPaused,
		FinalSynthesis: sess.FinalSynthesis,
	})
}

// Resume reactivates a paused session and continues from its latest checkpoint.
func (m *Manager) Resume(ctx context.Context, id string) error {
	if m.running(id) != nil {
		return eris.Wrapf(model.ErrInvalidTransition, "session: %s is still running", id)
	}
	if err := m.engine.Resume(ctx, id); err != nil {
		return err
	}
	m.start(id)
	return nil
}

// Cancel stops a session with its partial results. A graceful cancel lets
// in-flight model calls finish but starts no new ones; a hard cancel
// abandons them. The iteration in progress is not committed.
func (m *Manager) Cancel(ctx context.Context, id string, hard bool) error {
	if r := m.running(id); r != nil {
		r.requestCancel(hard || m.hardStop)
		return nil
	}
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return eris.Wrapf(model.ErrInvalidTransition, "session: cancel %s in status %s", id, sess.Status)
	}
	_, err = m.engine.FinishByID(ctx, id, Decision{}, true)
	return err
}

// Stream subscribes to a session's progress messages.
func (m *Manager) Stream(ctx context.Context, id string) (<-chan progress.Progress, func()) {
	return m.engine.Broker().Subscribe(ctx, id)
}

// Wait blocks until the loop of a session running in this process ends and
// returns the status it ended in. A session with no loop returns its stored
// status.
func (m *Manager) Wait(ctx context.Context, id string) (model.SessionStatus, error) {
	if r := m.running(id); r != nil {
		select {
		case <-r.done:
			return r.status, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	return sess.Status, nil
}

// Shutdown pauses every running session at its next boundary and waits for
// the loops to exit. When ctx is done first the iterations in flight are
// abandoned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, r := range m.runs {
		r.mu.Lock()
		r.pause = true
		r.mu.Unlock()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.stop()
		return nil
	case <-ctx.Done():
		// Abandon in-flight iterations; their loops still record an outcome.
		m.stop()
		<-done
		return eris.Wrap(ctx.Err(), "session: shutdown")
	}
}

func (m *Manager) running(id string) *run {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[id]
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	default:
		return r
	}
}

func (m *Manager) start(id string) {
	ctx, abort := context.WithCancel(m.base)
	r := &run{stop: make(chan struct{}), abort: abort, done: make(chan struct{})}

	m.mu.Lock()
	m.runs[id] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer abort()
		defer close(r.done)
		r.status = m.loop(ctx, id, r)
	}()
}

// loop iterates a session until a stop condition holds. Pause and cancel are
// only observed between iterations, apart from the stop channel handed to
// the coordinator.
func (m *Manager) loop(ctx context.Context, id string, r *run) model.SessionStatus {
	log := zap.L().With(zap.String("session_id", id))

	if err := m.sem.Acquire(ctx, 1); err != nil {
		log.Warn("session: not started", zap.Error(err))
		return ""
	}
	defer m.sem.Release(1)
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		log.Error("session: load", zap.Error(err))
		return ""
	}
	st, parent, err := m.engine.Load(ctx, sess)
	if err != nil {
		log.Error("session: load state", zap.Error(err))
		bare := &checkpoint.State{SessionID: sess.ID, Config: sess.Config, Totals: sess.Totals, Summary: sess.FinalSynthesis}
		if _, ferr := m.engine.Finish(ctx, bare, Decision{
			Event:  EventFail,
			Reason: "load state: " + err.Error(),
		}); ferr != nil {
			log.Error("session: finish", zap.Error(ferr))
		}
		return model.SessionStatusFailed
	}

	for {
		d := Decide(st.Config, st.Totals, st.Tracker.Saturated, r.signals())
		if d.Continue {
			next, cp, err := m.engine.Step(ctx, st, parent, r.stop)
			if err == nil {
				st, parent = next, cp.CheckpointID
				continue
			}
			if r.signals().Cancel {
				d = Decide(st.Config, st.Totals, false, Signals{Cancel: true})
			} else {
				d = AfterError(st, err)
			}
			log.Warn("session: iteration did not commit", zap.Error(err), zap.String("reason", d.Reason))
		}

		status, err := m.engine.Finish(ctx, st, d)
		if err != nil {
			log.Error("session: finish", zap.Error(err))
		}
		return status
	}
}
