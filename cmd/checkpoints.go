package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/checkpoint"
)

var checkpointsPrune int

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <session-id>",
	Short: "Verify a session's checkpoint chain",
	Long:  "Walks the checkpoint chain of a session from its latest checkpoint to the root and prints the report. A broken chain exits non-zero. With --prune the thread is first trimmed to its newest N checkpoints.",
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
			return eris.Wrap(err, "checkpoints")
		}
		mgr := checkpoint.NewManager(st)

		if checkpointsPrune > 0 {
			n, err := mgr.Prune(ctx, sess.CheckpointThreadID, checkpointsPrune)
			if err != nil {
				return err
			}
			zap.L().Info("checkpoints pruned", zap.String("thread_id", sess.CheckpointThreadID), zap.Int("removed", n))
		}

		report, verr := mgr.VerifyChain(ctx, sess.CheckpointThreadID)
		if report != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return eris.Wrap(err, "encode chain report")
			}
		}
		return verr
	},
}

func init() {
	checkpointsCmd.Flags().IntVar(&checkpointsPrune, "prune", 0, "keep only the newest N checkpoints before verifying")
	rootCmd.AddCommand(checkpointsCmd)
}
