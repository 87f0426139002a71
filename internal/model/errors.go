package model

import "github.com/rotisserie/eris"

// Error taxonomy for the engine. Component-local errors (budget overflow, a
// single proposal, retrieval) are absorbed and logged; session-level errors
// change the session status.
var (
	ErrBudgetOverflow     = eris.New("budget overflow")
	ErrProposalFailure    = eris.New("proposal failed")
	ErrNoProposals        = eris.New("no proposal succeeded")
	ErrJudgeFailure       = eris.New("judge failed")
	ErrCheckpointWrite    = eris.New("checkpoint write failed")
	ErrCheckpointConflict = eris.New("checkpoint parent is not the latest checkpoint")
	ErrExternalCallCap    = eris.New("external call cap exceeded")
	ErrCostCap            = eris.New("cost cap exceeded")
	ErrKnowledgeRetrieval = eris.New("knowledge retrieval failed")
	ErrInvalidTransition  = eris.New("invalid session transition")
	ErrSessionNotFound    = eris.New("session not found")
	ErrCancelled          = eris.New("session cancelled")
)
