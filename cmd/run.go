package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/progress"
	"github.com/sells-group/research-engine/internal/session"
)

var (
	runPattern       string
	runMaxIterations int
	runBudget        float64
	runParent        string
	runFormat        string
	runOut           string
)

var runCmd = &cobra.Command{
	Use:   "run <query>",
	Short: "Run a research session to completion in this process",
	Long:  "Creates a session, iterates it until it saturates or hits a cap, and writes the report. Interrupting pauses the session at the next iteration boundary; resume it with `sessions resume`.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		override := cfg.SessionDefaults()
		if runPattern != "" {
			override.Pattern = model.Pattern(runPattern)
		}
		if runMaxIterations > 0 {
			override.MaxIterations = runMaxIterations
		}
		if runBudget > 0 {
			override.BudgetUSD = runBudget
		}

		m := session.NewManager(env.Engine, env.Store, session.ManagerOptions{
			Defaults:      cfg.SessionDefaults(),
			MaxConcurrent: 1,
			HardCancel:    cfg.Engine.CancelMode == "hard",
		})

		sess, err := m.Create(ctx, session.CreateRequest{
			Query:           args[0],
			Config:          &override,
			ParentSessionID: runParent,
		})
		if err != nil {
			return eris.Wrap(err, "create session")
		}
		zap.L().Info("session started", zap.String("session_id", sess.ID), zap.String("pattern", string(sess.Config.Pattern)))

		status, err := follow(ctx, m, sess.ID)
		if err != nil {
			return err
		}
		if status == model.SessionStatusPaused {
			zap.L().Info("session paused", zap.String("session_id", sess.ID))
			return nil
		}
		return writeReport(context.WithoutCancel(ctx), env.Store, sess.ID, runFormat, runOut)
	},
}

// follow logs progress for a session running under m until its loop ends.
// On interrupt the session is paused at the next boundary.
func follow(ctx context.Context, m *session.Manager, id string) (model.SessionStatus, error) {
	ch, unsubscribe := m.Stream(context.WithoutCancel(ctx), id)
	defer unsubscribe()
	go logProgress(ch)

	status, err := m.Wait(ctx, id)
	if err == nil {
		return status, nil
	}

	zap.L().Info("interrupted, pausing session", zap.String("session_id", id))
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()
	if serr := m.Shutdown(sctx); serr != nil {
		return "", serr
	}
	sess, gerr := m.Get(sctx, id)
	if gerr != nil {
		return "", gerr
	}
	return sess.Status, nil
}

func logProgress(ch <-chan progress.Progress) {
	for p := range ch {
		fields := []zap.Field{
			zap.String("session_id", p.SessionID),
			zap.Int("iteration", p.Iteration),
			zap.String("stage", string(p.Stage)),
		}
		switch p.Stage {
		case progress.StageIteration:
			zap.L().Info("iteration complete", append(fields,
				zap.Int("findings", p.FindingsCount),
				zap.Int("sources", p.SourcesCount),
				zap.Float64("budget_remaining_usd", p.BudgetRemainingUSD),
				zap.Float64("novelty", p.Saturation.NoveltyRate),
			)...)
		case progress.StageStatus:
			zap.L().Info("session status", append(fields,
				zap.String("status", string(p.Status)),
				zap.String("reason", p.Reason),
			)...)
		default:
			zap.L().Debug("progress", append(fields, zap.String("detail", p.Detail))...)
		}
		if p.Terminal() {
			return
		}
	}
}

func init() {
	runCmd.Flags().StringVar(&runPattern, "pattern", "", "coordination pattern: pipeline, council or debate")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "iteration cap (default from config)")
	runCmd.Flags().Float64Var(&runBudget, "budget", 0, "session budget in USD (default from config)")
	runCmd.Flags().StringVar(&runParent, "parent", "", "completed session to follow up on")
	runCmd.Flags().StringVar(&runFormat, "format", "markdown", "report format: markdown, json, yaml, html or xlsx")
	runCmd.Flags().StringVar(&runOut, "out", "", "write the report to this file instead of stdout")
	rootCmd.AddCommand(runCmd)
}
