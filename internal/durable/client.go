package durable

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/config"
)

// zapLogger adapts zap to the Temporal logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Debug(msg string, keyvals ...any) { l.s.Debugw(msg, keyvals...) }
func (l zapLogger) Info(msg string, keyvals ...any)  { l.s.Infow(msg, keyvals...) }
func (l zapLogger) Warn(msg string, keyvals ...any)  { l.s.Warnw(msg, keyvals...) }
func (l zapLogger) Error(msg string, keyvals ...any) { l.s.Errorw(msg, keyvals...) }

// Dial connects to the Temporal frontend.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    zapLogger{s: zap.L().Named("temporal").Sugar()},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "durable: dial %s", cfg.HostPort)
	}
	return c, nil
}

// WorkflowID is the workflow id of a session's run.
func WorkflowID(sessionID string) string {
	return "research-session-" + sessionID
}

// NewWorker registers the session workflow and activities on a task queue.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(SessionWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(acts.Advance, activity.RegisterOptions{Name: "Advance"})
	w.RegisterActivityWithOptions(acts.Resume, activity.RegisterOptions{Name: "Resume"})
	w.RegisterActivityWithOptions(acts.Finish, activity.RegisterOptions{Name: "Finish"})
	return w
}

// Runner starts and signals session workflows.
type Runner struct {
	client    client.Client
	taskQueue string
}

// NewRunner creates a Runner on taskQueue.
func NewRunner(c client.Client, taskQueue string) *Runner {
	return &Runner{client: c, taskQueue: taskQueue}
}

// Start begins the workflow for a session already stored as active.
func (r *Runner) Start(ctx context.Context, sessionID string) (string, error) {
	run, err := r.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(sessionID),
		TaskQueue: r.taskQueue,
	}, WorkflowName, WorkflowInput{SessionID: sessionID})
	if err != nil {
		return "", eris.Wrapf(err, "durable: start %s", sessionID)
	}
	zap.L().Info("durable: workflow started",
		zap.String("session_id", sessionID),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return run.GetRunID(), nil
}

// Pause signals a session to pause at its next iteration boundary.
func (r *Runner) Pause(ctx context.Context, sessionID string) error {
	return r.signal(ctx, sessionID, SignalPause, nil)
}

// Resume signals a paused session to continue.
func (r *Runner) Resume(ctx context.Context, sessionID string) error {
	return r.signal(ctx, sessionID, SignalResume, nil)
}

// Cancel signals a session to stop with its partial results.
func (r *Runner) Cancel(ctx context.Context, sessionID string, hard bool) error {
	return r.signal(ctx, sessionID, SignalCancel, CancelRequest{Hard: hard})
}

// Wait blocks until the session workflow completes.
func (r *Runner) Wait(ctx context.Context, sessionID string) (WorkflowResult, error) {
	var res WorkflowResult
	err := r.client.GetWorkflow(ctx, WorkflowID(sessionID), "").Get(ctx, &res)
	return res, eris.Wrapf(err, "durable: wait %s", sessionID)
}

func (r *Runner) signal(ctx context.Context, sessionID, name string, arg any) error {
	err := r.client.SignalWorkflow(ctx, WorkflowID(sessionID), "", name, arg)
	return eris.Wrapf(err, "durable: signal %s to %s", name, sessionID)
}
