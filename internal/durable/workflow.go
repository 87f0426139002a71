// Package durable runs research sessions as Temporal workflows, one
// activity per iteration, so a session survives worker restarts.
package durable

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/session"
)

// Signal names.
const (
	SignalPause  = "pause"
	SignalResume = "resume"
	SignalCancel = "cancel"
)

// WorkflowName is the registered name of SessionWorkflow.
const WorkflowName = "ResearchSession"

// WorkflowInput starts a session workflow.
type WorkflowInput struct {
	SessionID string `json:"session_id"`
}

// WorkflowResult is how the session ended.
type WorkflowResult struct {
	Status     model.SessionStatus `json:"status"`
	Reason     string              `json:"reason"`
	Iterations int                 `json:"iterations"`
}

// CancelRequest is the payload of the cancel signal.
type CancelRequest struct {
	Hard bool `json:"hard"`
}

type signals struct {
	pause  bool
	cancel bool
	hard   bool
	resume bool
}

// drain reads every pending signal without blocking.
func (s *signals) drain(pause, resume, cancel workflow.ReceiveChannel) {
	for pause.ReceiveAsync(nil) {
		s.pause = true
	}
	for resume.ReceiveAsync(nil) {
		s.resume = true
	}
	var req CancelRequest
	for cancel.ReceiveAsync(&req) {
		s.cancel = true
		s.hard = s.hard || req.Hard
	}
}

// SessionWorkflow iterates a session through the Advance activity until a
// stop condition holds. Pause and cancel signals are observed between
// iterations; a hard cancel also abandons the iteration in flight.
func SessionWorkflow(ctx workflow.Context, in WorkflowInput) (WorkflowResult, error) {
	log := workflow.GetLogger(ctx)
	log.Info("durable: session workflow started", "session_id", in.SessionID)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{errTypeInvalid},
		},
	})

	pauseCh := workflow.GetSignalChannel(ctx, SignalPause)
	resumeCh := workflow.GetSignalChannel(ctx, SignalResume)
	cancelCh := workflow.GetSignalChannel(ctx, SignalCancel)

	var a *Activities
	var sig signals
	iterations := 0
	for {
		sig.drain(pauseCh, resumeCh, cancelCh)

		out, err := advance(ctx, a, in.SessionID, &sig, pauseCh, resumeCh, cancelCh)
		if err != nil {
			return WorkflowResult{}, err
		}
		if out.Iteration > 0 {
			iterations = out.Iteration
		}
		if out.Decision.Continue {
			continue
		}

		status, err := finish(ctx, a, in.SessionID, out.Decision, out.Cancelled)
		if err != nil {
			return WorkflowResult{}, err
		}
		if status != model.SessionStatusPaused {
			log.Info("durable: session workflow finished", "session_id", in.SessionID, "status", string(status))
			return WorkflowResult{Status: status, Reason: out.Decision.Reason, Iterations: iterations}, nil
		}

		sig.pause = false
		if sig.cancel {
			continue
		}
		// Paused: wait for resume or cancel.
		sel := workflow.NewSelector(ctx)
		sel.AddReceive(resumeCh, func(c workflow.ReceiveChannel, _ bool) {
			c.Receive(ctx, nil)
			sig.resume = true
		})
		sel.AddReceive(cancelCh, func(c workflow.ReceiveChannel, _ bool) {
			var req CancelRequest
			c.Receive(ctx, &req)
			sig.cancel = true
			sig.hard = req.Hard
		})
		for !sig.resume && !sig.cancel {
			sel.Select(ctx)
		}
		if sig.cancel {
			continue
		}
		sig.resume = false
		if err := workflow.ExecuteActivity(ctx, a.Resume, in.SessionID).Get(ctx, nil); err != nil {
			return WorkflowResult{}, err
		}
		log.Info("durable: session resumed", "session_id", in.SessionID)
	}
}

// advance runs one Advance activity. A hard cancel signal received while it
// runs cancels the activity.
func advance(ctx workflow.Context, a *Activities, sessionID string, sig *signals,
	pauseCh, resumeCh, cancelCh workflow.ReceiveChannel) (AdvanceOutput, error) {
	if sig.cancel {
		return AdvanceOutput{Decision: session.Decision{
			Event:  session.EventComplete,
			Reason: session.ReasonCancelled,
			Early:  true,
		}, Cancelled: true}, nil
	}

	actx, abort := workflow.WithCancel(ctx)
	fut := workflow.ExecuteActivity(actx, a.Advance, AdvanceInput{
		SessionID: sessionID,
		Pause:     sig.pause,
	})

	var out AdvanceOutput
	var err error
	done := false
	sel := workflow.NewSelector(ctx)
	sel.AddFuture(fut, func(f workflow.Future) {
		err = f.Get(ctx, &out)
		done = true
	})
	sel.AddReceive(cancelCh, func(c workflow.ReceiveChannel, _ bool) {
		var req CancelRequest
		c.Receive(ctx, &req)
		sig.cancel = true
		sig.hard = sig.hard || req.Hard
		if sig.hard {
			abort()
		}
	})
	sel.AddReceive(pauseCh, func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(ctx, nil)
		sig.pause = true
	})
	sel.AddReceive(resumeCh, func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(ctx, nil)
	})
	for !done {
		sel.Select(ctx)
	}

	if err != nil {
		if sig.cancel {
			return AdvanceOutput{Decision: session.Decision{Event: session.EventComplete, Reason: session.ReasonCancelled, Early: true}, Cancelled: true}, nil
		}
		return AdvanceOutput{Decision: session.Decision{
			Event:  session.EventFail,
			Reason: "iteration activity failed: " + err.Error(),
		}}, nil
	}
	if sig.cancel && out.Decision.Continue {
		out.Decision = session.Decision{Event: session.EventComplete, Reason: session.ReasonCancelled, Early: true}
		out.Cancelled = true
	}
	if sig.pause && out.Decision.Continue {
		out.Decision = session.Decision{Event: session.EventPause, Reason: session.ReasonPaused}
	}
	return out, nil
}

func finish(ctx workflow.Context, a *Activities, sessionID string, d session.Decision, cancelled bool) (model.SessionStatus, error) {
	var status model.SessionStatus
	err := workflow.ExecuteActivity(ctx, a.Finish, FinishInput{SessionID: sessionID, Decision: d, Cancelled: cancelled}).Get(ctx, &status)
	return status, err
}
