package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/clinrev/cohort-cli/internal/model"
	"github.com/clinrev/cohort-cli/internal/sampler"
	"github.com/clinrev/cohort-cli/internal/store"
)

var batchManifest string

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Build multiple cohorts from a YAML manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		requests, err := loadManifest(batchManifest)
		if err != nil {
			return err
		}

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

		return processBatch(ctx, st, provider, requests, cfg.Batch.MaxConcurrentCohorts)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchManifest, "manifest", "", "YAML manifest of cohort requests (required)")
	_ = batchCmd.MarkFlagRequired("manifest")
	rootCmd.AddCommand(batchCmd)
}

// loadManifest reads a batch manifest: a top-level `cohorts` list of requests.
func loadManifest(path string) ([]model.CohortRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read manifest %s", path)
	}

	var manifest struct {
		Cohorts []model.CohortRequest `yaml:"cohorts"`
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, eris.Wrap(err, "parse manifest")
	}
	if len(manifest.Cohorts) == 0 {
		return nil, eris.New("manifest contains no cohorts")
	}
	return manifest.Cohorts, nil
}

// processBatch builds the requested cohorts concurrently. The provider is
// shared (it is safe for concurrent use) but each cohort gets its own engine,
// which is not. Individual failures don't abort the batch.
func processBatch(ctx context.Context, st store.Store, provider sampler.Provider, requests []model.CohortRequest, concurrency int) error {
	zap.L().Info("processing batch",
		zap.Int("cohorts", len(requests)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed atomic.Int64

	for _, req := range requests {
		g.Go(func() error {
			log := zap.L().With(zap.String("cohort", req.Name))

			engine := sampler.New(provider)
			run, _, err := buildCohort(gctx, st, engine, req)
			if err != nil {
				failed.Add(1)
				log.Error("cohort build failed", zap.Error(err))
				return nil
			}

			succeeded.Add(1)
			log.Info("cohort complete",
				zap.String("run_id", run.ID),
				zap.Bool("targets_met", run.Report.Complete()),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "batch processing")
	}

	zap.L().Info("batch complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return nil
}
