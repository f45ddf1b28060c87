package sampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinrev/cohort-cli/internal/model"
)

func intervalLookup(m map[model.PatientID]model.MatchInterval) func(model.PatientID) (model.MatchInterval, bool) {
	return func(id model.PatientID) (model.MatchInterval, bool) {
		iv, ok := m[id]
		return iv, ok
	}
}

func TestMidpointDates(t *testing.T) {
	now := day(2024, 1, 1)
	lookup := intervalLookup(map[model.PatientID]model.MatchInterval{
		1: iv(1, day(2023, 1, 1), day(2023, 1, 11)),
		2: iv(2, day(2023, 6, 1), day(2023, 8, 1)),
	})

	dates, rejected := midpointDates([]model.PatientID{1, 2}, lookup, now)
	require.Empty(t, rejected)
	assert.Equal(t, day(2023, 1, 6), dates[1])
	// 61-day interval: midpoint lands at noon on day 30.
	assert.Equal(t, time.Date(2023, 7, 1, 12, 0, 0, 0, time.UTC), dates[2])
}

func TestMidpointDates_RejectsFutureEnd(t *testing.T) {
	now := day(2023, 6, 1)
	lookup := intervalLookup(map[model.PatientID]model.MatchInterval{
		1: iv(1, day(2023, 1, 1), day(2023, 12, 1)), // end in the future
		2: iv(2, day(2023, 1, 1), day(2023, 3, 1)),
	})

	dates, rejected := midpointDates([]model.PatientID{1, 2}, lookup, now)
	assert.Equal(t, []model.PatientID{1}, rejected)
	require.Len(t, dates, 1)
	assert.Contains(t, dates, model.PatientID(2))
}

func TestMidpointDates_RejectsFutureStart(t *testing.T) {
	now := day(2023, 6, 1)
	lookup := intervalLookup(map[model.PatientID]model.MatchInterval{
		1: iv(1, day(2024, 1, 1), day(2024, 2, 1)),
	})

	dates, rejected := midpointDates([]model.PatientID{1}, lookup, now)
	assert.Empty(t, dates)
	assert.Equal(t, []model.PatientID{1}, rejected)
}

func TestMidpointDates_RejectsMissingInterval(t *testing.T) {
	dates, rejected := midpointDates([]model.PatientID{9}, intervalLookup(nil), day(2024, 1, 1))
	assert.Empty(t, dates)
	assert.Equal(t, []model.PatientID{9}, rejected)
}
