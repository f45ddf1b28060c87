package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinrev/cohort-cli/internal/export"
	"github.com/clinrev/cohort-cli/internal/model"
	"github.com/clinrev/cohort-cli/internal/sampler"
	"github.com/clinrev/cohort-cli/internal/store"
)

var (
	sampleName       string
	sampleRules      []int
	sampleSize       int
	sampleSeed       int64
	sampleMinDays    int
	sampleStartAfter string
	sampleOut        string
)

var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Build one balanced case-control cohort",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		provider, closeProvider, err := initProvider(ctx)
		if err != nil {
			return err
		}
		defer closeProvider()

		req, err := sampleRequest(cmd)
		if err != nil {
			return err
		}

		engine := sampler.New(provider)
		run, result, err := buildCohort(ctx, st, engine, req)
		if err != nil {
			return err
		}

		if sampleOut != "" {
			if err := export.WriteCohort(sampleOut, run, result.Patients); err != nil {
				return err
			}
			zap.L().Info("cohort exported", zap.String("path", sampleOut))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	sampleCmd.Flags().StringVar(&sampleName, "name", "", "cohort name")
	sampleCmd.Flags().IntSliceVar(&sampleRules, "rules", nil, "rule IDs to draw positives from (required)")
	sampleCmd.Flags().IntVar(&sampleSize, "size", 0, "positive-case target (required)")
	sampleCmd.Flags().Int64Var(&sampleSeed, "seed", 0, "RNG seed (default from config)")
	sampleCmd.Flags().IntVar(&sampleMinDays, "min-duration-days", 0, "drop intervals shorter than this (default from config)")
	sampleCmd.Flags().StringVar(&sampleStartAfter, "start-after", "", "drop intervals starting before this date (YYYY-MM-DD)")
	sampleCmd.Flags().StringVar(&sampleOut, "out", "", "write the cohort to an XLSX workbook")
	_ = sampleCmd.MarkFlagRequired("rules")
	_ = sampleCmd.MarkFlagRequired("size")
	rootCmd.AddCommand(sampleCmd)
}

// sampleRequest assembles the cohort request from flags, filling unset
// optional flags from configured sampling defaults.
func sampleRequest(cmd *cobra.Command) (model.CohortRequest, error) {
	req := model.CohortRequest{
		Name:            sampleName,
		TotalSize:       sampleSize,
		Seed:            sampleSeed,
		MinDurationDays: sampleMinDays,
	}
	for _, id := range sampleRules {
		req.RuleIDs = append(req.RuleIDs, model.RuleID(id))
	}
	if !cmd.Flags().Changed("seed") {
		req.Seed = cfg.Sampling.Seed
	}
	if !cmd.Flags().Changed("min-duration-days") {
		req.MinDurationDays = cfg.Sampling.MinDurationDays
	}
	if sampleStartAfter != "" {
		t, err := time.Parse("2006-01-02", sampleStartAfter)
		if err != nil {
			return model.CohortRequest{}, eris.Wrap(err, "parse --start-after")
		}
		req.StartAfter = &t
	}
	return req, nil
}

// buildCohort runs the engine for one request, tracking run status in the
// store and persisting the sample on success.
func buildCohort(ctx context.Context, st store.Store, engine *sampler.Engine, req model.CohortRequest) (*model.CohortRun, *model.SampleResult, error) {
	run, err := st.CreateRun(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("name", req.Name))

	if err := st.UpdateRunStatus(ctx, run.ID, model.RunStatusResolving); err != nil {
		return nil, nil, err
	}

	result, err := engine.BuildBalancedSample(ctx, req)
	if err != nil {
		if sErr := st.UpdateRunStatus(ctx, run.ID, model.RunStatusFailed); sErr != nil {
			log.Warn("failed to mark run failed", zap.Error(sErr))
		}
		return nil, nil, eris.Wrapf(err, "build cohort %s", run.ID)
	}

	if err := st.SaveSample(ctx, run.ID, result.Patients); err != nil {
		return nil, nil, err
	}
	if err := st.CompleteRun(ctx, run.ID, &result.Report); err != nil {
		return nil, nil, err
	}

	run.Status = model.RunStatusComplete
	run.Report = &result.Report
	log.Info("cohort built",
		zap.Int("positives", result.Report.PositiveAchieved),
		zap.Int("negatives", result.Report.NegativeAchieved),
		zap.Bool("complete", result.Report.Complete()),
	)
	return run, result, nil
}
