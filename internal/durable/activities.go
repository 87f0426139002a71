package durable

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/sells-group/research-engine/internal/checkpoint"
	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/session"
)

const errTypeInvalid = "InvalidSession"

// AdvanceInput is the input to the Advance activity.
type AdvanceInput struct {
	SessionID string `json:"session_id"`
	Pause     bool   `json:"pause"`
}

// AdvanceOutput is what the workflow does after an Advance activity.
type AdvanceOutput struct {
	Iteration int              `json:"iteration"`
	Decision  session.Decision `json:"decision"`
	// Cancelled marks a decision forced by a cancel signal. The finish
	// activity settles it against the session's committed iterations.
	Cancelled bool `json:"cancelled,omitempty"`
}

// FinishInput is the input to the Finish activity.
type FinishInput struct {
	SessionID string           `json:"session_id"`
	Decision  session.Decision `json:"decision"`
	Cancelled bool             `json:"cancelled,omitempty"`
}

// Engine is the part of session.Engine the activities drive.
type Engine interface {
	Advance(ctx context.Context, sessionID string, sig session.Signals, stop <-chan struct{}) (*checkpoint.State, session.Decision, error)
	Resume(ctx context.Context, sessionID string) error
	FinishByID(ctx context.Context, sessionID string, d session.Decision, cancelled bool) (model.SessionStatus, error)
}

// Activities are the Temporal activities of a session workflow.
type Activities struct {
	engine    Engine
	heartbeat time.Duration
}

// NewActivities creates the activities over engine.
func NewActivities(engine Engine) *Activities {
	return &Activities{engine: engine, heartbeat: 10 * time.Second}
}

// Advance runs one iteration from the session's latest checkpoint.
func (a *Activities) Advance(ctx context.Context, in AdvanceInput) (AdvanceOutput, error) {
	stop := make(chan struct{})
	defer close(stop)
	go a.beat(ctx, stop)

	st, d, err := a.engine.Advance(ctx, in.SessionID, session.Signals{Pause: in.Pause}, nil)
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrSessionNotFound) {
			return AdvanceOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), errTypeInvalid, err)
		}
		return AdvanceOutput{}, err
	}
	return AdvanceOutput{Iteration: st.Iteration, Decision: d}, nil
}

// Resume moves a paused session back to active.
func (a *Activities) Resume(ctx context.Context, sessionID string) error {
	err := a.engine.Resume(ctx, sessionID)
	if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrSessionNotFound) {
		return temporal.NewNonRetryableApplicationError(err.Error(), errTypeInvalid, err)
	}
	return err
}

// Finish records the session outcome and returns the status it ended in.
func (a *Activities) Finish(ctx context.Context, in FinishInput) (model.SessionStatus, error) {
	status, err := a.engine.FinishByID(ctx, in.SessionID, in.Decision, in.Cancelled)
	if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrSessionNotFound) {
		return status, temporal.NewNonRetryableApplicationError(err.Error(), errTypeInvalid, err)
	}
	return status, err
}

// beat heartbeats until stop closes so the server can deliver cancellation.
func (a *Activities) beat(ctx context.Context, stop <-chan struct{}) {
	t := time.NewTicker(a.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			activity.RecordHeartbeat(ctx)
		}
	}
}
