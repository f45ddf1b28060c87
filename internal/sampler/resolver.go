// Package sampler implements the stratified case-control sampling engine:
// rule-match resolution, quota apportionment with shortfall recovery,
// reference-date calculation, and month-grouped control matching.
package sampler

import (
	"time"

	"github.com/clinrev/cohort-cli/internal/model"
)

// ResolveOptions holds the optional post-filters applied after dedup.
type ResolveOptions struct {
	// MinDuration drops intervals shorter than this. Zero disables the filter.
	MinDuration time.Duration

	// StartAfter drops intervals starting before this date. Nil disables.
	StartAfter *time.Time
}

// Resolve collapses raw match rows for a single rule into at most one
// interval per patient. Rule queries may return overlapping or duplicate
// detections; only the row with the greatest start date survives, with ties
// broken by input order (first row wins). Duration and recency filters apply
// independently after dedup.
func Resolve(rows []model.MatchInterval, opts ResolveOptions) map[model.PatientID]model.MatchInterval {
	latest := make(map[model.PatientID]model.MatchInterval, len(rows))
	for _, row := range rows {
		cur, ok := latest[row.PatientID]
		if !ok || row.Start.After(cur.Start) {
			latest[row.PatientID] = row
		}
	}

	for id, iv := range latest {
		if opts.MinDuration > 0 && iv.Duration() < opts.MinDuration {
			delete(latest, id)
			continue
		}
		if opts.StartAfter != nil && iv.Start.Before(*opts.StartAfter) {
			delete(latest, id)
		}
	}

	return latest
}
