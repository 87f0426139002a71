package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/model"
	"github.com/sells-group/research-engine/internal/session"
	"github.com/sells-group/research-engine/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and control research sessions",
	Long:  "Commands for listing and viewing sessions and for pausing, resuming and cancelling them.",
}

// -- sessions list --

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List research sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		parent, _ := cmd.Flags().GetString("parent")
		archived, _ := cmd.Flags().GetBool("archived")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := st.ListSessions(ctx, store.SessionFilter{
			Status:          model.SessionStatus(status),
			ParentSessionID: parent,
			IncludeArchived: archived,
			Limit:           limit,
		})
		if err != nil {
			return eris.Wrap(err, "sessions list")
		}

		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}

		formatSessionsList(os.Stdout, list)
		return nil
	},
}

// -- sessions get --

var sessionsGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show full details of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sess, err := st.GetSession(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sessions get")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

// -- sessions pause / resume / cancel --

var sessionsPauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Pause an active session at its next iteration boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlSession(cmd, args[0], "pause")
	},
}

var sessionsResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session",
	Long:  "Resumes a paused session from its latest checkpoint. With the local runner the session iterates in this process until it stops; with the temporal runner its workflow is signalled.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlSession(cmd, args[0], "resume")
	},
}

var sessionsCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session, keeping its partial results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return controlSession(cmd, args[0], "cancel")
	},
}

func controlSession(cmd *cobra.Command, id, action string) error {
	ctx := cmd.Context()

	env, err := initEngine(ctx, "run")
	if err != nil {
		return err
	}
	defer env.Close()

	if cfg.Engine.Runner == "temporal" {
		sessions, shutdown, err := buildSessions(ctx, env)
		if err != nil {
			return err
		}
		defer shutdown()
		switch action {
		case "pause":
			err = sessions.Pause(ctx, id)
		case "resume":
			err = sessions.Resume(ctx, id)
		default:
			hard, _ := cmd.Flags().GetBool("hard")
			err = sessions.Cancel(ctx, id, hard)
		}
		if err != nil {
			return eris.Wrapf(err, "sessions %s", action)
		}
		zap.L().Info("signal sent", zap.String("session_id", id), zap.String("action", action))
		return nil
	}

	m := session.NewManager(env.Engine, env.Store, session.ManagerOptions{
		Defaults:      cfg.SessionDefaults(),
		MaxConcurrent: 1,
		HardCancel:    cfg.Engine.CancelMode == "hard",
	})
	switch action {
	case "pause":
		err = m.Pause(ctx, id)
	case "resume":
		if err = m.Resume(ctx, id); err == nil {
			var status model.SessionStatus
			status, err = follow(ctx, m, id)
			zap.L().Info("session stopped", zap.String("session_id", id), zap.String("status", string(status)))
		}
	default:
		hard, _ := cmd.Flags().GetBool("hard")
		err = m.Cancel(ctx, id, hard)
	}
	if err != nil {
		return eris.Wrapf(err, "sessions %s", action)
	}
	return nil
}

func init() {
	sessionsListCmd.Flags().String("status", "", "filter by status (active, paused, completed, failed)")
	sessionsListCmd.Flags().String("parent", "", "filter by parent session ID")
	sessionsListCmd.Flags().Bool("archived", false, "include archived sessions")
	sessionsListCmd.Flags().Int("limit", 50, "max number of sessions to display")

	sessionsCancelCmd.Flags().Bool("hard", false, "abandon in-flight model calls")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsGetCmd)
	sessionsCmd.AddCommand(sessionsPauseCmd)
	sessionsCmd.AddCommand(sessionsResumeCmd)
	sessionsCmd.AddCommand(sessionsCancelCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// formatSessionsList writes a tabular list of sessions to w.
func formatSessionsList(out io.Writer, list []model.ResearchSession) {
	now := time.Now().UTC()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tQUERY\tSTATUS\tITER\tFINDINGS\tCOST\tCONFIDENCE\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----\t------\t----\t--------\t----\t----------\t-------\t--------")

	for _, s := range list {
		query := s.Query
		if len(query) > 40 {
			query = query[:37] + "..."
		}
		conf := "-"
		if s.ConfidenceScore != nil {
			conf = fmt.Sprintf("%.2f", *s.ConfidenceScore)
		}
		status := string(s.Status)
		if s.ArchivedAt != nil {
			status += " (archived)"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t$%.4f\t%s\t%s\t%s\n",
			truncateID(s.ID),
			query,
			status,
			s.Totals.Iterations,
			s.Totals.Findings,
			s.Totals.CostUSD,
			conf,
			s.CreatedAt.Format("2006-01-02 15:04"),
			sessionAge(s, now),
		)
	}
	_ = w.Flush()
}

// sessionAge is how long a session ran, or has run so far.
func sessionAge(s model.ResearchSession, now time.Time) time.Duration {
	end := now
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	return end.Sub(s.CreatedAt).Round(time.Second)
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
