package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/knowledge"
)

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage the knowledge base",
}

var kbIngestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Load knowledge chunks from a JSON or YAML file",
	Long:  "Upserts chunks into the postgres knowledge base. Chunks are keyed by id, so re-ingesting a file updates text and tags in place.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("kb"); err != nil {
			return err
		}

		chunks, err := knowledge.LoadChunksFromFile(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		r, closeFn, err := postgresRetriever(ctx, st)
		if err != nil {
			return err
		}
		defer closeFn()
		if err := r.Migrate(ctx); err != nil {
			return err
		}

		n, err := r.Ingest(ctx, chunks)
		if err != nil {
			return err
		}
		zap.L().Info("knowledge chunks ingested", zap.String("file", args[0]), zap.Int("read", len(chunks)), zap.Int64("upserted", n))
		return nil
	},
}

func init() {
	kbCmd.AddCommand(kbIngestCmd)
	rootCmd.AddCommand(kbCmd)
}
