package sampler

import (
	"math/rand"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clinrev/cohort-cli/internal/model"
)

// ErrAllocationInvariant signals a logic or data-integrity bug in the
// allocator, as opposed to an expected data shortage.
var ErrAllocationInvariant = eris.New("sampler: allocation invariant violated")

// allocator apportions the positive-case target across rules and tracks the
// per-rule excess pools used by the recovery passes. Excess pools are stored
// in post-shuffle order, so popping from the front is a uniform seeded draw.
type allocator struct {
	ruleIDs  []model.RuleID
	eligible map[model.RuleID][]model.PatientID
	matches  map[model.PatientID][]model.RuleID
	rng      *rand.Rand

	primary  map[model.PatientID]model.RuleID
	excess   map[model.RuleID][]model.PatientID
	rejected map[model.PatientID]bool
	stats    map[model.RuleID]*model.RuleShortfall
}

// newAllocator builds an allocator over the eligible patients per rule.
// Eligible lists are sorted so that equal seeds give equal draws regardless
// of how the caller assembled them. The per-patient match list follows the
// ruleIDs input order, which is the primary-rule tie-break.
func newAllocator(ruleIDs []model.RuleID, eligible map[model.RuleID][]model.PatientID, rng *rand.Rand) *allocator {
	a := &allocator{
		ruleIDs:  ruleIDs,
		eligible: make(map[model.RuleID][]model.PatientID, len(ruleIDs)),
		matches:  make(map[model.PatientID][]model.RuleID),
		rng:      rng,
		primary:  make(map[model.PatientID]model.RuleID),
		excess:   make(map[model.RuleID][]model.PatientID, len(ruleIDs)),
		rejected: make(map[model.PatientID]bool),
		stats:    make(map[model.RuleID]*model.RuleShortfall, len(ruleIDs)),
	}

	for _, rule := range ruleIDs {
		ids := append([]model.PatientID(nil), eligible[rule]...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		a.eligible[rule] = ids
		for _, id := range ids {
			a.matches[id] = append(a.matches[id], rule)
		}
		a.stats[rule] = &model.RuleShortfall{RuleID: rule, Eligible: len(ids)}
	}

	return a
}

// allocate apportions target across the rules: equal base share, remainder
// one-per-rule in input order, then same-rule and global excess recovery.
// Falling short of target is reported, not an error; exceeding it is.
func (a *allocator) allocate(target int) error {
	n := len(a.ruleIDs)
	if n == 0 || target <= 0 {
		return nil
	}

	base := target / n
	rem := target % n

	for i, rule := range a.ruleIDs {
		quota := base
		if i < rem {
			quota++
		}
		a.stats[rule].Requested = quota

		candidates := a.unsampled(a.eligible[rule])
		switch {
		case len(candidates) <= quota:
			// Shortfall or exact match: take everyone, nothing left to give away.
			for _, id := range candidates {
				a.assign(id, rule)
			}
		default:
			shuffled := append([]model.PatientID(nil), candidates...)
			a.rng.Shuffle(len(shuffled), func(x, y int) {
				shuffled[x], shuffled[y] = shuffled[y], shuffled[x]
			})
			for _, id := range shuffled[:quota] {
				a.assign(id, rule)
			}
			a.excess[rule] = shuffled[quota:]
		}
	}

	// Pass 1: refill each rule's shortfall from its own excess pool.
	for _, rule := range a.ruleIDs {
		st := a.stats[rule]
		for st.Allocated < st.Requested {
			id, ok := a.popExcess(rule)
			if !ok {
				break
			}
			a.assign(id, rule)
			st.RecoveredSameRule++
		}
		if st.Allocated < st.Requested {
			zap.L().Warn("sampler: rule shortfall after same-rule recovery",
				zap.Int("rule_id", int(rule)),
				zap.Int("requested", st.Requested),
				zap.Int("allocated", st.Allocated),
			)
		}
	}

	// Pass 2: fill the remaining total shortfall from the union of all
	// excess pools, uniformly at random.
	for len(a.primary) < target {
		id, ok := a.drawGlobal()
		if !ok {
			break
		}
		rule := a.matches[id][0]
		a.assign(id, rule)
		a.stats[rule].RecoveredGlobal++
	}

	return a.check(target)
}

// replace draws up to n replacement positives, preferring the given rule's
// own excess pool before falling back to the global pools. Used when a
// previously sampled positive is rejected for invalid temporal data.
func (a *allocator) replace(n int, prefer model.RuleID) []model.PatientID {
	var out []model.PatientID

	for len(out) < n {
		id, ok := a.popExcess(prefer)
		if !ok {
			break
		}
		a.assign(id, prefer)
		a.stats[prefer].RecoveredSameRule++
		out = append(out, id)
	}

	for len(out) < n {
		id, ok := a.drawGlobal()
		if !ok {
			break
		}
		rule := a.matches[id][0]
		a.assign(id, rule)
		a.stats[rule].RecoveredGlobal++
		out = append(out, id)
	}

	return out
}

// reject removes a sampled positive permanently. Rejected patients are never
// drawn again, so every replacement loop strictly shrinks the pools.
func (a *allocator) reject(id model.PatientID) {
	if rule, ok := a.primary[id]; ok {
		delete(a.primary, id)
		a.stats[rule].Allocated--
	}
	a.rejected[id] = true
}

// positives returns the sampled patients in ascending ID order.
func (a *allocator) positives() []model.PatientID {
	ids := make([]model.PatientID, 0, len(a.primary))
	for id := range a.primary {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// primaryRule returns the rule a sampled patient is credited against.
func (a *allocator) primaryRule(id model.PatientID) (model.RuleID, bool) {
	rule, ok := a.primary[id]
	return rule, ok
}

func (a *allocator) assign(id model.PatientID, rule model.RuleID) {
	a.primary[id] = rule
	a.stats[rule].Allocated++
}

func (a *allocator) unsampled(ids []model.PatientID) []model.PatientID {
	var out []model.PatientID
	for _, id := range ids {
		if _, taken := a.primary[id]; taken {
			continue
		}
		if a.rejected[id] {
			continue
		}
		out = append(out, id)
	}
	return out
}

// popExcess pops the next usable patient from a rule's excess pool.
func (a *allocator) popExcess(rule model.RuleID) (model.PatientID, bool) {
	pool := a.excess[rule]
	for len(pool) > 0 {
		id := pool[0]
		pool = pool[1:]
		a.excess[rule] = pool
		if _, taken := a.primary[id]; taken || a.rejected[id] {
			continue
		}
		return id, true
	}
	return 0, false
}

// drawGlobal draws uniformly from the union of all remaining excess pools.
// The union is deduplicated in rule order, so a patient sitting in several
// pools is drawn at most once.
func (a *allocator) drawGlobal() (model.PatientID, bool) {
	var pool []model.PatientID
	seen := make(map[model.PatientID]bool)
	for _, rule := range a.ruleIDs {
		for _, id := range a.excess[rule] {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, taken := a.primary[id]; taken || a.rejected[id] {
				continue
			}
			pool = append(pool, id)
		}
	}
	if len(pool) == 0 {
		return 0, false
	}

	id := pool[a.rng.Intn(len(pool))]
	a.removeFromPools(id)
	return id, true
}

func (a *allocator) removeFromPools(id model.PatientID) {
	for _, rule := range a.ruleIDs {
		pool := a.excess[rule]
		for i, candidate := range pool {
			if candidate == id {
				a.excess[rule] = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}
}

// check validates the allocation invariants: never above target, one primary
// rule per patient drawn from the patient's own match list, and per-rule
// counters consistent with the sampled set.
func (a *allocator) check(target int) error {
	if len(a.primary) > target {
		return eris.Wrapf(ErrAllocationInvariant, "allocated %d exceeds target %d", len(a.primary), target)
	}

	total := 0
	for _, rule := range a.ruleIDs {
		total += a.stats[rule].Allocated
	}
	if total != len(a.primary) {
		return eris.Wrapf(ErrAllocationInvariant, "per-rule counts sum to %d, sampled %d", total, len(a.primary))
	}

	for id, rule := range a.primary {
		found := false
		for _, r := range a.matches[id] {
			if r == rule {
				found = true
				break
			}
		}
		if !found {
			return eris.Wrapf(ErrAllocationInvariant, "patient %d credited to rule %d it does not match", id, rule)
		}
	}

	return nil
}

// ruleStats returns the per-rule counters in input rule order.
func (a *allocator) ruleStats() []model.RuleShortfall {
	out := make([]model.RuleShortfall, 0, len(a.ruleIDs))
	for _, rule := range a.ruleIDs {
		out = append(out, *a.stats[rule])
	}
	return out
}
