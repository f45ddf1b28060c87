package sampler

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/clinrev/cohort-cli/internal/model"
)

// leftover is an unused negative candidate retained after a month's matching
// round, tagged with the stratum it was bucketed under in that month.
type leftover struct {
	PatientID model.PatientID
	Stratum   model.StratumKey
}

// matchOutcome carries the results of the month-by-month matching rounds.
type matchOutcome struct {
	// pairs maps each matched positive to its control.
	pairs map[model.PatientID]model.PatientID

	// negDates maps each control to its inherited reference date.
	negDates map[model.PatientID]time.Time

	// unmatched lists positives for which no same-stratum candidate existed.
	unmatched []model.PatientID

	// leftovers is the cross-month pool available for negative recovery.
	leftovers []leftover
}

// matchControls runs one matching round per distinct calendar month present
// in the positive reference dates. Within a month, candidates are bucketed by
// stratum with every positive removed, and each positive draws one unused
// candidate from its own stratum uniformly at random. Matched controls
// inherit the positive's exact reference date. Unused candidates accumulate
// into the leftover pool for cross-month recovery.
func matchControls(ctx context.Context, posDates map[model.PatientID]time.Time, features *featureCache, rng *rand.Rand) (*matchOutcome, error) {
	out := &matchOutcome{
		pairs:    make(map[model.PatientID]model.PatientID),
		negDates: make(map[model.PatientID]time.Time),
	}

	positive := make(map[model.PatientID]bool, len(posDates))
	byMonth := make(map[time.Time][]model.PatientID)
	for id, date := range posDates {
		positive[id] = true
		m := monthOf(date)
		byMonth[m] = append(byMonth[m], id)
	}

	months := make([]time.Time, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })

	used := make(map[model.PatientID]bool)
	pooled := make(map[model.PatientID]bool)

	for _, month := range months {
		feats, err := features.forMonth(ctx, month)
		if err != nil {
			return nil, err
		}

		// Bucket candidates by stratum, excluding positives and controls
		// already consumed in earlier months.
		buckets := make(map[model.StratumKey][]model.PatientID)
		for id, key := range feats {
			if positive[id] || used[id] {
				continue
			}
			buckets[key] = append(buckets[key], id)
		}
		for key := range buckets {
			ids := buckets[key]
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			buckets[key] = ids
		}

		monthPos := append([]model.PatientID(nil), byMonth[month]...)
		sort.Slice(monthPos, func(i, j int) bool { return monthPos[i] < monthPos[j] })

		for _, pos := range monthPos {
			key, ok := feats[pos]
			if !ok {
				// Positive absent from the month's feature table; nothing to
				// stratify on.
				out.unmatched = append(out.unmatched, pos)
				continue
			}
			bucket := buckets[key]
			if len(bucket) == 0 {
				out.unmatched = append(out.unmatched, pos)
				continue
			}
			i := rng.Intn(len(bucket))
			neg := bucket[i]
			buckets[key] = append(bucket[:i], bucket[i+1:]...)

			used[neg] = true
			out.pairs[pos] = neg
			out.negDates[neg] = posDates[pos]
		}

		// Retain the month's unused candidates, keeping the first stratum a
		// patient was ever bucketed under.
		keys := make([]model.StratumKey, 0, len(buckets))
		for key := range buckets {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, key := range keys {
			for _, id := range buckets[key] {
				if pooled[id] {
					continue
				}
				pooled[id] = true
				out.leftovers = append(out.leftovers, leftover{PatientID: id, Stratum: key})
			}
		}

		zap.L().Debug("sampler: month matched",
			zap.Time("month", month),
			zap.Int("positives", len(monthPos)),
			zap.Int("matched", len(monthPos)-countIn(out.unmatched, monthPos)),
		)
	}

	// Drop pool entries consumed by later months.
	filtered := out.leftovers[:0]
	for _, lo := range out.leftovers {
		if used[lo.PatientID] {
			continue
		}
		filtered = append(filtered, lo)
	}
	out.leftovers = filtered

	return out, nil
}

func countIn(subset, of []model.PatientID) int {
	members := make(map[model.PatientID]bool, len(of))
	for _, id := range of {
		members[id] = true
	}
	n := 0
	for _, id := range subset {
		if members[id] {
			n++
		}
	}
	return n
}
