// Package store persists cohort runs and their sampled patients.
package store

import (
	"context"

	"github.com/clinrev/cohort-cli/internal/model"
)

// RunFilter specifies criteria for listing cohort runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for cohort builds.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, req model.CohortRequest) (*model.CohortRun, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, report *model.ShortfallReport) error
	GetRun(ctx context.Context, runID string) (*model.CohortRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.CohortRun, error)

	// Samples
	SaveSample(ctx context.Context, runID string, patients []model.SampledPatient) error
	ListSampledPatients(ctx context.Context, runID string) ([]model.SampledPatient, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
