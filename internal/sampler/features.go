package sampler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clinrev/cohort-cli/internal/model"
)

// FeatureProvider returns the stratification feature table for the whole
// currently-valid population as of a date.
type FeatureProvider interface {
	Features(ctx context.Context, asOf time.Time) (map[model.PatientID]model.StratumKey, error)
}

// featureCache memoizes feature tables per calendar month. All patients
// sharing a month are compared using data as of the 15th of that month, so
// one query serves a whole matching round and counts cannot drift
// per-patient within it.
type featureCache struct {
	provider FeatureProvider
	byMonth  map[time.Time]map[model.PatientID]model.StratumKey
}

func newFeatureCache(provider FeatureProvider) *featureCache {
	return &featureCache{
		provider: provider,
		byMonth:  make(map[time.Time]map[model.PatientID]model.StratumKey),
	}
}

// forMonth returns the feature table for the month containing t, querying the
// provider at most once per distinct month.
func (c *featureCache) forMonth(ctx context.Context, t time.Time) (map[model.PatientID]model.StratumKey, error) {
	month := monthOf(t)
	if cached, ok := c.byMonth[month]; ok {
		return cached, nil
	}

	asOf := month.AddDate(0, 0, 14) // the 15th
	feats, err := c.provider.Features(ctx, asOf)
	if err != nil {
		return nil, err
	}

	zap.L().Debug("sampler: feature table loaded",
		zap.Time("month", month),
		zap.Int("patients", len(feats)),
	)
	c.byMonth[month] = feats
	return feats, nil
}

// monthOf truncates a date to the first of its calendar month in UTC.
func monthOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
