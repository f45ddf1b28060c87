package sampler

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clinrev/cohort-cli/internal/model"
)

// ErrOverlappingSets signals that a patient ended up in both the positive and
// the negative set, which indicates a matching logic bug.
var ErrOverlappingSets = eris.New("sampler: positive and negative sets overlap")

// assemble merges the positive and negative sets into the final sample.
// Rule-match metadata is restricted to positives; negatives carry only their
// assigned reference date. Disjointness of the two sets is a hard invariant.
func assemble(
	primary map[model.PatientID]model.RuleID,
	posDates map[model.PatientID]time.Time,
	intervals map[model.PatientID][]model.MatchInterval,
	negDates map[model.PatientID]time.Time,
	report model.ShortfallReport,
) (*model.SampleResult, error) {
	for id := range negDates {
		if _, ok := posDates[id]; ok {
			return nil, eris.Wrapf(ErrOverlappingSets, "patient %d", id)
		}
	}

	result := &model.SampleResult{
		PrimaryRules:   make(map[model.PatientID]model.RuleID, len(posDates)),
		ReferenceDates: make(map[model.PatientID]time.Time, len(posDates)+len(negDates)),
		Report:         report,
	}

	for _, id := range sortedIDs(posDates) {
		rule := primary[id]
		result.Patients = append(result.Patients, model.SampledPatient{
			PatientID:     id,
			Role:          model.RolePositive,
			ReferenceDate: posDates[id],
			Intervals:     intervals[id],
			PrimaryRule:   rule,
		})
		result.PrimaryRules[id] = rule
		result.ReferenceDates[id] = posDates[id]
	}

	for _, id := range sortedIDs(negDates) {
		result.Patients = append(result.Patients, model.SampledPatient{
			PatientID:     id,
			Role:          model.RoleNegative,
			ReferenceDate: negDates[id],
		})
		result.ReferenceDates[id] = negDates[id]
	}

	return result, nil
}

func sortedIDs(m map[model.PatientID]time.Time) []model.PatientID {
	ids := make([]model.PatientID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
