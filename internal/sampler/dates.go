package sampler

import (
	"time"

	"github.com/clinrev/cohort-cli/internal/model"
)

// midpointDates computes each positive's reference date as the temporal
// midpoint of its first matched interval. Patients whose interval starts or
// ends after now carry invalid future data and are returned as rejected
// instead of dated; the engine replaces them from the excess pools.
func midpointDates(patients []model.PatientID, interval func(model.PatientID) (model.MatchInterval, bool), now time.Time) (map[model.PatientID]time.Time, []model.PatientID) {
	dates := make(map[model.PatientID]time.Time, len(patients))
	var rejected []model.PatientID

	for _, id := range patients {
		iv, ok := interval(id)
		if !ok {
			rejected = append(rejected, id)
			continue
		}
		if iv.Start.After(now) || iv.End.After(now) {
			rejected = append(rejected, id)
			continue
		}
		dates[id] = iv.Midpoint()
	}

	return dates, rejected
}
