package sampler

import (
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/clinrev/cohort-cli/internal/model"
)

// recoverNegatives fills a negative deficit from the cross-month leftover
// pool, irrespective of stratum. Exact stratum matching is preferred but not
// guaranteed when strata are small; this relaxation trades comparability for
// sample size. Each recovered control gets a reference date drawn uniformly
// from the already-assigned positive dates, since no stratum-matched positive
// exists to inherit one from. An exhausted pool is reported, not fatal.
func recoverNegatives(deficit int, pool []leftover, posDates []time.Time, rng *rand.Rand) map[model.PatientID]time.Time {
	out := make(map[model.PatientID]time.Time)
	if deficit <= 0 || len(posDates) == 0 {
		return out
	}

	remaining := append([]leftover(nil), pool...)
	for deficit > 0 && len(remaining) > 0 {
		i := rng.Intn(len(remaining))
		entry := remaining[i]
		remaining = append(remaining[:i], remaining[i+1:]...)

		out[entry.PatientID] = posDates[rng.Intn(len(posDates))]
		deficit--
	}

	if deficit > 0 {
		zap.L().Warn("sampler: negative pool exhausted",
			zap.Int("unfilled", deficit),
			zap.Int("recovered", len(out)),
		)
	}

	return out
}
