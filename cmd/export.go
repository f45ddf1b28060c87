package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinrev/cohort-cli/internal/export"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run's cohort to an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "export: load run")
		}
		patients, err := st.ListSampledPatients(ctx, run.ID)
		if err != nil {
			return eris.Wrap(err, "export: load sample")
		}

		out := exportOut
		if out == "" {
			out = truncateID(run.ID) + ".xlsx"
		}
		if err := export.WriteCohort(out, run, patients); err != nil {
			return err
		}

		zap.L().Info("cohort exported",
			zap.String("run_id", run.ID),
			zap.Int("patients", len(patients)),
			zap.String("path", out),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (default <run-id>.xlsx)")
	rootCmd.AddCommand(exportCmd)
}
