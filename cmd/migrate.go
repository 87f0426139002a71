package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply session store and knowledge base migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		zap.L().Info("session store migrated", zap.String("driver", cfg.Store.Driver))

		if cfg.Knowledge.Driver != "postgres" {
			return nil
		}
		if cfg.Knowledge.DatabaseURL == "" {
			if _, ok := st.(*store.PostgresStore); !ok {
				zap.L().Info("no knowledge database configured, skipping")
				return nil
			}
		}
		r, closeFn, err := postgresRetriever(ctx, st)
		if err != nil {
			return err
		}
		defer closeFn()
		if err := r.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("knowledge base migrated")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
