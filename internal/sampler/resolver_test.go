package sampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clinrev/cohort-cli/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func iv(patient model.PatientID, start, end time.Time) model.MatchInterval {
	return model.MatchInterval{PatientID: patient, RuleID: 1, Start: start, End: end}
}

func TestResolve_KeepsLatestStart(t *testing.T) {
	rows := []model.MatchInterval{
		iv(7, day(2022, 1, 1), day(2022, 6, 1)),
		iv(7, day(2023, 3, 1), day(2023, 9, 1)),
		iv(7, day(2021, 5, 1), day(2023, 12, 1)),
	}

	resolved := Resolve(rows, ResolveOptions{})
	require.Len(t, resolved, 1)
	assert.Equal(t, day(2023, 3, 1), resolved[7].Start)
}

func TestResolve_TieBreakFirstRowWins(t *testing.T) {
	start := day(2023, 3, 1)
	rows := []model.MatchInterval{
		iv(7, start, day(2023, 4, 1)),
		iv(7, start, day(2023, 12, 1)),
	}

	resolved := Resolve(rows, ResolveOptions{})
	assert.Equal(t, day(2023, 4, 1), resolved[7].End)
}

func TestResolve_OnePerPatient(t *testing.T) {
	rows := []model.MatchInterval{
		iv(1, day(2023, 1, 1), day(2023, 2, 1)),
		iv(2, day(2023, 1, 1), day(2023, 2, 1)),
		iv(1, day(2023, 5, 1), day(2023, 6, 1)),
		iv(3, day(2023, 1, 1), day(2023, 2, 1)),
	}

	resolved := Resolve(rows, ResolveOptions{})
	assert.Len(t, resolved, 3)
}

func TestResolve_MinDurationFilter(t *testing.T) {
	rows := []model.MatchInterval{
		iv(1, day(2023, 1, 1), day(2023, 1, 10)), // 9 days
		iv(2, day(2023, 1, 1), day(2023, 3, 1)),  // ~2 months
	}

	resolved := Resolve(rows, ResolveOptions{MinDuration: 30 * 24 * time.Hour})
	require.Len(t, resolved, 1)
	assert.Contains(t, resolved, model.PatientID(2))
}

func TestResolve_MinDurationAppliesAfterDedup(t *testing.T) {
	// The surviving (latest) interval is short even though an older long one
	// exists; the patient must be dropped, not fall back to the older row.
	rows := []model.MatchInterval{
		iv(1, day(2022, 1, 1), day(2022, 12, 1)),
		iv(1, day(2023, 6, 1), day(2023, 6, 5)),
	}

	resolved := Resolve(rows, ResolveOptions{MinDuration: 30 * 24 * time.Hour})
	assert.Empty(t, resolved)
}

func TestResolve_StartAfterFilter(t *testing.T) {
	cutoff := day(2023, 1, 1)
	rows := []model.MatchInterval{
		iv(1, day(2022, 6, 1), day(2023, 6, 1)),
		iv(2, day(2023, 6, 1), day(2023, 9, 1)),
		iv(3, cutoff, day(2023, 2, 1)), // exactly on the cutoff survives
	}

	resolved := Resolve(rows, ResolveOptions{StartAfter: &cutoff})
	assert.Len(t, resolved, 2)
	assert.NotContains(t, resolved, model.PatientID(1))
}

func TestResolve_Idempotent(t *testing.T) {
	rows := []model.MatchInterval{
		iv(1, day(2023, 1, 1), day(2023, 2, 1)),
		iv(1, day(2023, 3, 1), day(2023, 4, 1)),
		iv(2, day(2023, 1, 1), day(2023, 2, 1)),
	}

	once := Resolve(rows, ResolveOptions{})
	again := make([]model.MatchInterval, 0, len(once))
	for _, m := range once {
		again = append(again, m)
	}
	twice := Resolve(again, ResolveOptions{})
	assert.Equal(t, once, twice)
}

func TestResolve_Empty(t *testing.T) {
	assert.Empty(t, Resolve(nil, ResolveOptions{}))
}
