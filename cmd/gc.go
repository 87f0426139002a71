package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/checkpoint"
	"github.com/sells-group/research-engine/internal/maintenance"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Prune old checkpoints and archive finished sessions once",
	Long:  "Runs the retention jobs that serve runs on a schedule: trims every checkpoint thread to retention.keep_checkpoints and archives sessions finished more than retention.archive_after_hours ago.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := maintenance.New(st, checkpoint.NewManager(st), cfg.Retention).RunOnce(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("gc complete",
			zap.Int("threads", res.Threads),
			zap.Int("checkpoints_pruned", res.CheckpointsPruned),
			zap.Int("sessions_archived", res.SessionsArchived),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)
}
