// Package session runs research sessions: the lifecycle state machine, the
// per-iteration engine and the in-process manager behind the control API.
package session

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/research-engine/internal/model"
)

// Event drives a status transition.
type Event string

const (
	EventPause    Event = "pause"
	EventResume   Event = "resume"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
)

// Effect is a side effect the caller must perform after a transition.
type Effect string

const (
	// EffectLoadCheckpoint rebuilds state from the latest checkpoint before
	// the next iteration runs.
	EffectLoadCheckpoint Effect = "load_checkpoint"
	// EffectStopLoop ends the iteration loop at the current boundary.
	EffectStopLoop Effect = "stop_loop"
	// EffectRecordOutcome writes the reason and synthesis to the session.
	EffectRecordOutcome Effect = "record_outcome"
	// EffectReleaseContext drops cached knowledge for the session.
	EffectReleaseContext Effect = "release_context"
)

var transitions = map[model.SessionStatus]map[Event]model.SessionStatus{
	model.SessionStatusActive: {
		EventPause:    model.SessionStatusPaused,
		EventComplete: model.SessionStatusCompleted,
		EventFail:     model.SessionStatusFailed,
	},
	model.SessionStatusPaused: {
		EventResume: model.SessionStatusActive,
	},
}

// Next applies ev to from. It returns ErrInvalidTransition for any move the
// lifecycle does not allow, including every move out of a terminal status.
func Next(from model.SessionStatus, ev Event) (model.SessionStatus, []Effect, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return from, nil, eris.Wrapf(model.ErrInvalidTransition, "session: %s on %s", ev, from)
	}
	switch to {
	case model.SessionStatusActive:
		return to, []Effect{EffectLoadCheckpoint}, nil
	case model.SessionStatusPaused:
		return to, []Effect{EffectStopLoop, EffectRecordOutcome}, nil
	default:
		return to, []Effect{EffectStopLoop, EffectRecordOutcome, EffectReleaseContext}, nil
	}
}

// Signals are the external requests observed at an iteration boundary.
type Signals struct {
	Cancel bool
	Pause  bool
	// LedgerRejected is set when the global daily spend cap refused the
	// next iteration's reservation.
	LedgerRejected bool
}

// Decision is what happens after an iteration boundary.
type Decision struct {
	Continue bool
	Event    Event
	Reason   string
	Early    bool
}

// Reasons written to a session when it stops.
const (
	ReasonCancelled       = "cancelled by operator"
	ReasonCancelledEmpty  = "cancelled before any iteration completed"
	ReasonPaused          = "paused by operator"
	ReasonMaxIterations   = "reached max iterations"
	ReasonSaturated       = "saturated"
	ReasonCostCap         = "session cost cap reached"
	ReasonExternalCap     = "external call cap reached"
	ReasonLedgerCap       = "daily spend cap reached"
	ReasonCapNoResult     = "resource cap reached before any iteration completed"
	ReasonCheckpointWrite = "checkpoint write failed"
)

// Decide picks the first stop condition that holds, in priority order:
// cancel, pause, iteration cap, cost cap, external call cap, daily spend cap,
// then saturation once the minimum iteration count is met. Caps stop the
// session as completed with early termination when at least one iteration
// is committed, and as failed otherwise.
func Decide(cfg model.SessionConfig, t model.Totals, saturated bool, sig Signals) Decision {
	done := t.Iterations > 0
	capped := func(reason string) Decision {
		if !done {
			return Decision{Event: EventFail, Reason: ReasonCapNoResult + ": " + reason, Early: true}
		}
		return Decision{Event: EventComplete, Reason: reason, Early: true}
	}

	switch {
	case sig.Cancel && done:
		return Decision{Event: EventComplete, Reason: ReasonCancelled, Early: true}
	case sig.Cancel:
		return Decision{Event: EventFail, Reason: ReasonCancelledEmpty, Early: true}
	case sig.Pause:
		return Decision{Event: EventPause, Reason: ReasonPaused}
	case cfg.MaxIterations > 0 && t.Iterations >= cfg.MaxIterations:
		return Decision{Event: EventComplete, Reason: ReasonMaxIterations}
	case cfg.BudgetUSD > 0 && t.CostUSD >= cfg.BudgetUSD:
		return capped(ReasonCostCap)
	case cfg.MaxExternalCalls > 0 && t.ExternalCallsUsed >= cfg.MaxExternalCalls:
		return capped(ReasonExternalCap)
	case sig.LedgerRejected:
		return capped(ReasonLedgerCap)
	case saturated && t.Iterations >= cfg.MinIterations:
		return Decision{Event: EventComplete, Reason: ReasonSaturated}
	}
	return Decision{Continue: true}
}
