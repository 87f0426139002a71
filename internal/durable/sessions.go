package durable

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/progress"
	"github.com/sells-group/research-engine/internal/session"
	"github.com/sells-group/research-engine/internal/store"
)

// Workflows starts and signals session workflows. *Runner implements it.
type Workflows interface {
	Start(ctx context.Context, sessionID string) (string, error)
	Pause(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string) error
	Cancel(ctx context.Context, sessionID string, hard bool) error
}

// Sessions serves the session control API with each session running as a
// workflow on a worker. Transitions are validated against the stored status
// before a signal is sent; the workflow applies them at its next boundary.
type Sessions struct {
	workflows Workflows
	store     session.Store
	defaults  model.SessionConfig
	broker    progress.Broker
	hardStop  bool
}

// NewSessions creates a Sessions. broker must be shared with the workers,
// typically a progress.RedisBroker.
func NewSessions(w Workflows, s session.Store, b progress.Broker, defaults model.SessionConfig, hardCancel bool) *Sessions {
	return &Sessions{workflows: w, store: s, defaults: defaults, broker: b, hardStop: hardCancel}
}

// Create stores a new session and starts its workflow. A session whose
// workflow cannot be started is failed.
func (s *Sessions) Create(ctx context.Context, req session.CreateRequest) (*model.ResearchSession, error) {
	sess, err := session.Open(ctx, s.store, s.defaults, req)
	if err != nil {
		return nil, err
	}
	if _, err := s.workflows.Start(ctx, sess.ID); err != nil {
		reason := "workflow start failed: " + err.Error()
		if ferr := s.store.FinishSession(context.WithoutCancel(ctx), sess.ID, model.SessionOutcome{
			Status: model.SessionStatusFailed,
			Reason: reason,
		}); ferr != nil {
			zap.L().Error("durable: record failed start", zap.String("session_id", sess.ID), zap.Error(ferr))
		}
		return nil, err
	}
	return sess, nil
}

// Get returns a session.
func (s *Sessions) Get(ctx context.Context, id string) (*model.ResearchSession, error) {
	return s.store.GetSession(ctx, id)
}

// List returns sessions matching filter.
func (s *Sessions) List(ctx context.Context, filter store.SessionFilter) ([]model.ResearchSession, error) {
	return s.store.ListSessions(ctx, filter)
}

// Pause signals an active session to pause.
func (s *Sessions) Pause(ctx context.Context, id string) error {
	if err := s.check(ctx, id, session.EventPause); err != nil {
		return err
	}
	return s.workflows.Pause(ctx, id)
}

// Resume signals a paused session to continue.
func (s *Sessions) Resume(ctx context.Context, id string) error {
	if err := s.check(ctx, id, session.EventResume); err != nil {
		return err
	}
	return s.workflows.Resume(ctx, id)
}

// Cancel signals a session that has not finished to stop.
func (s *Sessions) Cancel(ctx context.Context, id string, hard bool) error {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return eris.Wrapf(model.ErrInvalidTransition, "durable: cancel %s in status %s", id, sess.Status)
	}
	return s.workflows.Cancel(ctx, id, hard || s.hardStop)
}

// Stream subscribes to a session's progress messages.
func (s *Sessions) Stream(ctx context.Context, id string) (<-chan progress.Progress, func()) {
	return s.broker.Subscribe(ctx, id)
}

func (s *Sessions) check(ctx context.Context, id string, ev session.Event) error {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	_, _, err = session.Next(sess.Status, ev)
	return err
}
