package sampler

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinrev/cohort-cli/internal/model"
)

func patientRange(from, to int) []model.PatientID {
	out := make([]model.PatientID, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, model.PatientID(i))
	}
	return out
}

func newTestAllocator(seed int64, ruleIDs []model.RuleID, eligible map[model.RuleID][]model.PatientID) *allocator {
	return newAllocator(ruleIDs, eligible, rand.New(rand.NewSource(seed)))
}

func TestAllocate_EqualSplit(t *testing.T) {
	a := newTestAllocator(1, []model.RuleID{1, 2, 3}, map[model.RuleID][]model.PatientID{
		1: patientRange(1, 10),
		2: patientRange(11, 20),
		3: patientRange(21, 30),
	})
	require.NoError(t, a.allocate(9))

	assert.Len(t, a.positives(), 9)
	for _, st := range a.ruleStats() {
		assert.Equal(t, 3, st.Requested)
		assert.Equal(t, 3, st.Allocated)
	}
}

func TestAllocate_RemainderInInputOrder(t *testing.T) {
	a := newTestAllocator(1, []model.RuleID{5, 2, 8}, map[model.RuleID][]model.PatientID{
		5: patientRange(1, 10),
		2: patientRange(11, 20),
		8: patientRange(21, 30),
	})
	require.NoError(t, a.allocate(8))

	stats := a.ruleStats()
	// 8 = 2 base + remainder 2 to the first two rules in input order.
	assert.Equal(t, model.RuleID(5), stats[0].RuleID)
	assert.Equal(t, 3, stats[0].Requested)
	assert.Equal(t, 3, stats[1].Requested)
	assert.Equal(t, 2, stats[2].Requested)
	assert.Len(t, a.positives(), 8)
}

func TestAllocate_ShortfallRecoveredFromOtherRules(t *testing.T) {
	// Rule 2 has only 2 eligible for a 5-share; rules 1 and 3 have plenty.
	a := newTestAllocator(7, []model.RuleID{1, 2, 3}, map[model.RuleID][]model.PatientID{
		1: patientRange(1, 20),
		2: {101, 102},
		3: patientRange(31, 50),
	})
	require.NoError(t, a.allocate(15))

	// The global pass tops the total back up to target.
	assert.Len(t, a.positives(), 15)

	stats := a.ruleStats()
	assert.Equal(t, 2, stats[1].Allocated)
	assert.Equal(t, 2, stats[1].Eligible)
	recovered := stats[0].RecoveredGlobal + stats[2].RecoveredGlobal
	assert.Equal(t, 3, recovered)
}

func TestAllocate_NeverExceedsTarget(t *testing.T) {
	a := newTestAllocator(3, []model.RuleID{1, 2}, map[model.RuleID][]model.PatientID{
		1: patientRange(1, 100),
		2: patientRange(50, 150), // heavy overlap with rule 1
	})
	require.NoError(t, a.allocate(40))
	assert.Len(t, a.positives(), 40)
}

func TestAllocate_TotalShortfallReported(t *testing.T) {
	a := newTestAllocator(1, []model.RuleID{1, 2}, map[model.RuleID][]model.PatientID{
		1: {1, 2, 3},
		2: {2, 3, 4}, // union is only 4 distinct patients
	})
	require.NoError(t, a.allocate(10))
	assert.Len(t, a.positives(), 4)
}

func TestAllocate_PrimaryRuleAlwaysMatched(t *testing.T) {
	a := newTestAllocator(11, []model.RuleID{1, 2, 3}, map[model.RuleID][]model.PatientID{
		1: patientRange(1, 15),
		2: patientRange(10, 25),
		3: patientRange(20, 40),
	})
	require.NoError(t, a.allocate(20))

	for _, id := range a.positives() {
		rule, ok := a.primaryRule(id)
		require.True(t, ok)
		assert.Contains(t, a.matches[id], rule)
	}
}

func TestAllocate_SamePatientCountedOnce(t *testing.T) {
	// Every patient matches every rule; per-rule allocations must sum to the
	// distinct sampled count.
	shared := patientRange(1, 30)
	a := newTestAllocator(5, []model.RuleID{1, 2, 3}, map[model.RuleID][]model.PatientID{
		1: shared, 2: shared, 3: shared,
	})
	require.NoError(t, a.allocate(21))

	total := 0
	for _, st := range a.ruleStats() {
		total += st.Allocated
	}
	assert.Equal(t, 21, total)
	assert.Len(t, a.positives(), 21)
}

func TestAllocate_Deterministic(t *testing.T) {
	eligible := map[model.RuleID][]model.PatientID{
		1: patientRange(1, 50),
		2: patientRange(25, 75),
	}

	a := newTestAllocator(99, []model.RuleID{1, 2}, eligible)
	require.NoError(t, a.allocate(20))
	b := newTestAllocator(99, []model.RuleID{1, 2}, eligible)
	require.NoError(t, b.allocate(20))

	assert.Equal(t, a.positives(), b.positives())

	c := newTestAllocator(100, []model.RuleID{1, 2}, eligible)
	require.NoError(t, c.allocate(20))
	assert.NotEqual(t, a.positives(), c.positives())
}

func TestRejectAndReplace(t *testing.T) {
	a := newTestAllocator(2, []model.RuleID{1}, map[model.RuleID][]model.PatientID{
		1: patientRange(1, 10),
	})
	require.NoError(t, a.allocate(5))

	victim := a.positives()[0]
	a.reject(victim)
	assert.Len(t, a.positives(), 4)

	replacements := a.replace(1, 1)
	require.Len(t, replacements, 1)
	assert.NotEqual(t, victim, replacements[0])
	assert.Len(t, a.positives(), 5)

	// The rejected patient can never come back.
	for _, id := range a.positives() {
		assert.NotEqual(t, victim, id)
	}
}

func TestReplace_ExhaustedPools(t *testing.T) {
	a := newTestAllocator(2, []model.RuleID{1}, map[model.RuleID][]model.PatientID{
		1: {1, 2, 3},
	})
	require.NoError(t, a.allocate(3))

	a.reject(1)
	replacements := a.replace(1, 1)
	assert.Empty(t, replacements)
	assert.Len(t, a.positives(), 2)
}

func TestAllocate_EmptyRules(t *testing.T) {
	a := newTestAllocator(1, nil, nil)
	require.NoError(t, a.allocate(10))
	assert.Empty(t, a.positives())
}
