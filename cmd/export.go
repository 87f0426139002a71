package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/export"
)

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return writeReport(ctx, st, args[0], exportFormat, exportOut)
	},
}

// writeReport renders a session report and writes it to path, or stdout
// when path is empty.
func writeReport(ctx context.Context, r export.Reader, sessionID, format, path string) error {
	f, err := export.ParseFormat(format)
	if err != nil {
		return err
	}
	rep, err := export.New(r).Build(ctx, sessionID)
	if err != nil {
		return err
	}

	if path == "" {
		return export.Write(os.Stdout, rep, f)
	}

	out, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	if err := export.Write(out, rep, f); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return eris.Wrapf(err, "close %s", path)
	}
	zap.L().Info("report written", zap.String("session_id", sessionID), zap.String("path", path), zap.String("format", string(f)))
	return nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "markdown", "report format: markdown, json, yaml, html or xlsx")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "write the report to this file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}
