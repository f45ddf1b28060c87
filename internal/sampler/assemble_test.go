package sampler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinrev/cohort-cli/internal/model"
)

func TestAssemble_OrderAndMetadata(t *testing.T) {
	posDates := map[model.PatientID]time.Time{
		3: day(2023, 2, 1),
		1: day(2023, 1, 1),
	}
	primary := map[model.PatientID]model.RuleID{1: 4, 3: 9}
	intervals := map[model.PatientID][]model.MatchInterval{
		1: {iv(1, day(2022, 12, 1), day(2023, 2, 1))},
		3: {iv(3, day(2023, 1, 1), day(2023, 3, 1))},
	}
	negDates := map[model.PatientID]time.Time{
		20: day(2023, 1, 1),
		10: day(2023, 2, 1),
	}

	result, err := assemble(primary, posDates, intervals, negDates, model.ShortfallReport{})
	require.NoError(t, err)
	require.Len(t, result.Patients, 4)

	// Positives first, each group in ascending ID order.
	assert.Equal(t, model.PatientID(1), result.Patients[0].PatientID)
	assert.Equal(t, model.PatientID(3), result.Patients[1].PatientID)
	assert.Equal(t, model.PatientID(10), result.Patients[2].PatientID)
	assert.Equal(t, model.PatientID(20), result.Patients[3].PatientID)

	assert.Equal(t, model.RuleID(4), result.PrimaryRules[1])
	assert.Len(t, result.ReferenceDates, 4)
	assert.Empty(t, result.Patients[2].Intervals)
}

func TestAssemble_OverlapFatal(t *testing.T) {
	posDates := map[model.PatientID]time.Time{1: day(2023, 1, 1)}
	negDates := map[model.PatientID]time.Time{1: day(2023, 1, 1)}

	_, err := assemble(map[model.PatientID]model.RuleID{1: 1}, posDates, nil, negDates, model.ShortfallReport{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverlappingSets))
}
