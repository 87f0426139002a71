package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/api"
	"github.com/sells-group/research-engine/internal/durable"
	"github.com/sells-group/research-engine/internal/maintenance"
	"github.com/sells-group/research-engine/internal/session"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		sessions, shutdown, err := buildSessions(ctx, env)
		if err != nil {
			return err
		}
		defer shutdown()

		gc := maintenance.New(env.Store, env.Checkpoints, cfg.Retention)
		if err := gc.Start(ctx); err != nil {
			return err
		}
		defer gc.Shutdown() //nolint:errcheck

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.NewServer(sessions, env.Store, cfg.Server.AllowedOrigins).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			srv.Shutdown(sctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.String("runner", cfg.Engine.Runner))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// buildSessions picks the session runner: loops in this process, or
// workflows on Temporal workers.
func buildSessions(ctx context.Context, env *engineEnv) (api.Sessions, func(), error) {
	hard := cfg.Engine.CancelMode == "hard"
	if cfg.Engine.Runner == "temporal" {
		c, err := durable.Dial(cfg.Temporal)
		if err != nil {
			return nil, nil, err
		}
		runner := durable.NewRunner(c, cfg.Temporal.TaskQueue)
		return durable.NewSessions(runner, env.Store, env.Broker, cfg.SessionDefaults(), hard), c.Close, nil
	}

	m := session.NewManager(env.Engine, env.Store, session.ManagerOptions{
		Defaults:      cfg.SessionDefaults(),
		MaxConcurrent: cfg.Engine.MaxConcurrentSessions,
		HardCancel:    hard,
	})
	return m, func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if err := m.Shutdown(sctx); err != nil {
			zap.L().Warn("session manager shutdown", zap.Error(err))
		}
	}, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
