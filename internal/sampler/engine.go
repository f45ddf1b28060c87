package sampler

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clinrev/cohort-cli/internal/model"
)

// ErrUnknownRule marks a rule identifier with no query definition. The engine
// logs and skips such rules rather than failing the run.
var ErrUnknownRule = eris.New("sampler: unknown rule")

// Provider is the external query collaborator. It is invoked at coarse
// granularity only: once per rule for matches, once per distinct month for
// features, once per run for the population size.
type Provider interface {
	FeatureProvider

	// RuleMatches returns the raw match rows for one rule. Rows may overlap
	// or repeat; the resolver collapses them. Unknown rules return an error
	// wrapping ErrUnknownRule.
	RuleMatches(ctx context.Context, rule model.RuleID) ([]model.MatchInterval, error)

	// PopulationSize returns the total eligible patient count. Used for
	// logging and sanity only.
	PopulationSize(ctx context.Context) (int, error)
}

// Engine builds balanced case-control samples. An Engine is not safe for
// concurrent use; callers needing parallel cohort builds should use separate
// Engine instances over separate data-store connections.
type Engine struct {
	provider Provider
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's processing-date clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine over the given query provider.
func New(provider Provider, opts ...Option) *Engine {
	e := &Engine{provider: provider, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BuildBalancedSample runs the full sampling pipeline: resolve rule matches,
// apportion the positive quota, assign reference dates with future-data
// replacement, match controls month by month, recover the negative shortfall,
// and assemble the result. All randomness flows through one generator seeded
// from req.Seed, so identical input data and seed reproduce the sample.
func (e *Engine) BuildBalancedSample(ctx context.Context, req model.CohortRequest) (*model.SampleResult, error) {
	if len(req.RuleIDs) == 0 {
		return nil, eris.New("sampler: no rules requested")
	}
	if req.TotalSize <= 0 {
		return nil, eris.New("sampler: total size must be positive")
	}

	rng := rand.New(rand.NewSource(req.Seed))
	log := zap.L().With(
		zap.Int64("seed", req.Seed),
		zap.Int("target", req.TotalSize),
		zap.Int("rules", len(req.RuleIDs)),
	)
	log.Info("sampler: starting cohort build")

	popSize := 0
	if n, err := e.provider.PopulationSize(ctx); err != nil {
		log.Warn("sampler: population size query failed", zap.Error(err))
	} else {
		popSize = n
		log.Info("sampler: population", zap.Int("patients", n))
	}

	// ===== Phase 1: resolve rule matches =====
	opts := ResolveOptions{StartAfter: req.StartAfter}
	if req.MinDurationDays > 0 {
		opts.MinDuration = time.Duration(req.MinDurationDays) * 24 * time.Hour
	}

	intervals := make(map[model.PatientID][]model.MatchInterval)
	eligible := make(map[model.RuleID][]model.PatientID)
	var active, skipped []model.RuleID
	seenRule := make(map[model.RuleID]bool)

	for _, rule := range req.RuleIDs {
		if seenRule[rule] {
			continue
		}
		seenRule[rule] = true

		rows, err := e.provider.RuleMatches(ctx, rule)
		if errors.Is(err, ErrUnknownRule) {
			log.Warn("sampler: skipping rule with no definition", zap.Int("rule_id", int(rule)))
			skipped = append(skipped, rule)
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "sampler: matches for rule %d", rule)
		}

		resolved := Resolve(rows, opts)
		ids := make([]model.PatientID, 0, len(resolved))
		for id := range resolved {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		eligible[rule] = ids
		for _, id := range ids {
			intervals[id] = append(intervals[id], resolved[id])
		}
		active = append(active, rule)

		log.Info("sampler: rule resolved",
			zap.Int("rule_id", int(rule)),
			zap.Int("raw_rows", len(rows)),
			zap.Int("eligible", len(ids)),
		)
	}

	// ===== Phase 2: quota allocation =====
	alloc := newAllocator(active, eligible, rng)
	if err := alloc.allocate(req.TotalSize); err != nil {
		return nil, err
	}
	log.Info("sampler: positives allocated", zap.Int("count", len(alloc.positives())))

	// ===== Phase 3: reference dates with future-data replacement =====
	now := e.now()
	firstInterval := func(id model.PatientID) (model.MatchInterval, bool) {
		ivs := intervals[id]
		if len(ivs) == 0 {
			return model.MatchInterval{}, false
		}
		return ivs[0], true
	}

	posDates := make(map[model.PatientID]time.Time)
	pending := alloc.positives()
	rejectedTotal := 0
	for len(pending) > 0 {
		dates, rejected := midpointDates(pending, firstInterval, now)
		for id, d := range dates {
			posDates[id] = d
		}
		if len(rejected) == 0 {
			break
		}
		rejectedTotal += len(rejected)

		pending = pending[:0]
		for _, id := range rejected {
			rule, _ := alloc.primaryRule(id)
			alloc.reject(id)
			pending = append(pending, alloc.replace(1, rule)...)
		}
		log.Info("sampler: replaced future-dated positives",
			zap.Int("rejected", len(rejected)),
			zap.Int("replacements", len(pending)),
		)
	}

	// ===== Phase 4: month-grouped control matching =====
	features := newFeatureCache(e.provider)
	outcome, err := matchControls(ctx, posDates, features, rng)
	if err != nil {
		return nil, eris.Wrap(err, "sampler: match controls")
	}
	log.Info("sampler: controls matched",
		zap.Int("matched", len(outcome.pairs)),
		zap.Int("unmatched_positives", len(outcome.unmatched)),
		zap.Int("leftover_pool", len(outcome.leftovers)),
	)

	// ===== Phase 5: negative shortfall recovery =====
	dateList := make([]time.Time, 0, len(posDates))
	for _, id := range sortedIDs(posDates) {
		dateList = append(dateList, posDates[id])
	}
	negTarget := len(posDates)
	recovered := recoverNegatives(negTarget-len(outcome.negDates), outcome.leftovers, dateList, rng)
	for id, d := range recovered {
		outcome.negDates[id] = d
	}

	// ===== Phase 6: assemble =====
	primary := make(map[model.PatientID]model.RuleID, len(posDates))
	for id := range posDates {
		rule, ok := alloc.primaryRule(id)
		if !ok {
			return nil, eris.Wrapf(ErrAllocationInvariant, "dated patient %d has no primary rule", id)
		}
		primary[id] = rule
	}

	report := model.ShortfallReport{
		PositiveTarget:      req.TotalSize,
		PositiveAchieved:    len(posDates),
		NegativeTarget:      negTarget,
		NegativeAchieved:    len(outcome.negDates),
		UnmatchedPositives:  len(outcome.unmatched),
		RejectedFutureDated: rejectedTotal,
		RecoveredNegatives:  len(recovered),
		SkippedRules:        skipped,
		Rules:               alloc.ruleStats(),
		PopulationSize:      popSize,
	}

	result, err := assemble(primary, posDates, intervals, outcome.negDates, report)
	if err != nil {
		return nil, err
	}

	log.Info("sampler: cohort build complete",
		zap.Int("positives", report.PositiveAchieved),
		zap.Int("negatives", report.NegativeAchieved),
		zap.Bool("complete", report.Complete()),
	)
	return result, nil
}
