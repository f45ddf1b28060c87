// Package query implements the sampler's external query collaborator over
// the clinical record store.
package query

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clinrev/cohort-cli/internal/model"
	"github.com/clinrev/cohort-cli/internal/registry"
	"github.com/clinrev/cohort-cli/internal/resilience"
	"github.com/clinrev/cohort-cli/internal/sampler"
)

// DB is the subset of pgxpool.Pool the provider needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// featuresSQL computes the stratification feature table for every
// currently-valid patient as of a date. Bins must stay in sync with the
// model enumerations.
const featuresSQL = `
WITH cond AS (
	SELECT patient_id, COUNT(*) AS n
	FROM conditions
	WHERE onset_date <= $1 AND (resolved_date IS NULL OR resolved_date > $1)
	GROUP BY patient_id
), rx AS (
	SELECT patient_id, COUNT(*) AS n
	FROM prescriptions
	WHERE start_date <= $1 AND (end_date IS NULL OR end_date > $1)
	GROUP BY patient_id
)
SELECT p.id,
	CASE
		WHEN date_part('year', age($1, p.birth_date)) < 40 THEN '<40'
		WHEN date_part('year', age($1, p.birth_date)) < 60 THEN '40-60'
		WHEN date_part('year', age($1, p.birth_date)) <= 75 THEN '60-75'
		ELSE '>75'
	END,
	COALESCE(p.sex, 'U'),
	CASE
		WHEN COALESCE(cond.n, 0) = 0 THEN '0'
		WHEN cond.n < 5 THEN '1-4'
		WHEN cond.n < 10 THEN '5-9'
		ELSE '10+'
	END,
	CASE
		WHEN COALESCE(rx.n, 0) = 0 THEN '0'
		WHEN rx.n < 5 THEN '1-4'
		WHEN rx.n < 10 THEN '5-9'
		ELSE '10+'
	END
FROM patients p
LEFT JOIN cond ON cond.patient_id = p.id
LEFT JOIN rx ON rx.patient_id = p.id
WHERE p.registered_date <= $1
  AND (p.deregistered_date IS NULL OR p.deregistered_date > $1)
`

const populationSQL = `
SELECT COUNT(*) FROM patients
WHERE deregistered_date IS NULL
`

// PostgresProvider implements sampler.Provider over the clinical database.
// Per-rule match SQL comes from the rule catalog; queries run with transient
// retry and an optional rate limiter pacing load on a shared server.
type PostgresProvider struct {
	db      DB
	catalog *registry.Catalog
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// ProviderOption configures a PostgresProvider.
type ProviderOption func(*PostgresProvider)

// WithRateLimit caps query starts at qps per second.
func WithRateLimit(qps float64) ProviderOption {
	return func(p *PostgresProvider) {
		if qps > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(qps), 1)
		}
	}
}

// WithRetry overrides the default retry policy.
func WithRetry(cfg resilience.RetryConfig) ProviderOption {
	return func(p *PostgresProvider) { p.retry = cfg }
}

// NewPostgres creates a provider over db using the given rule catalog.
func NewPostgres(db DB, catalog *registry.Catalog, opts ...ProviderOption) *PostgresProvider {
	p := &PostgresProvider{
		db:      db,
		catalog: catalog,
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RuleMatches runs the rule's catalog SQL and returns its raw match rows.
func (p *PostgresProvider) RuleMatches(ctx context.Context, rule model.RuleID) ([]model.MatchInterval, error) {
	def, ok := p.catalog.Rule(rule)
	if !ok {
		return nil, eris.Wrapf(sampler.ErrUnknownRule, "rule %d", rule)
	}

	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	return resilience.DoVal(ctx, p.retry, func(ctx context.Context) ([]model.MatchInterval, error) {
		rows, err := p.db.Query(ctx, def.MatchSQL)
		if err != nil {
			return nil, eris.Wrapf(err, "query: rule %d (%s) matches", rule, def.Key)
		}
		defer rows.Close()

		var out []model.MatchInterval
		for rows.Next() {
			var iv model.MatchInterval
			if err := rows.Scan(&iv.PatientID, &iv.Start, &iv.End); err != nil {
				return nil, eris.Wrapf(err, "query: scan rule %d match row", rule)
			}
			iv.RuleID = rule
			out = append(out, iv)
		}
		if err := rows.Err(); err != nil {
			return nil, eris.Wrapf(err, "query: rule %d match rows", rule)
		}
		return out, nil
	})
}

// Features returns the stratification feature table as of a date.
func (p *PostgresProvider) Features(ctx context.Context, asOf time.Time) (map[model.PatientID]model.StratumKey, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	return resilience.DoVal(ctx, p.retry, func(ctx context.Context) (map[model.PatientID]model.StratumKey, error) {
		rows, err := p.db.Query(ctx, featuresSQL, asOf)
		if err != nil {
			return nil, eris.Wrap(err, "query: features")
		}
		defer rows.Close()

		out := make(map[model.PatientID]model.StratumKey)
		for rows.Next() {
			var id model.PatientID
			var age, sex, cond, rx string
			if err := rows.Scan(&id, &age, &sex, &cond, &rx); err != nil {
				return nil, eris.Wrap(err, "query: scan feature row")
			}
			out[id] = model.StratumKey{
				Age:           model.AgeBin(age),
				Sex:           model.Sex(sex),
				Conditions:    model.CountBin(cond),
				Prescriptions: model.CountBin(rx),
			}
		}
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "query: feature rows")
		}

		zap.L().Debug("query: features computed", zap.Time("as_of", asOf), zap.Int("patients", len(out)))
		return out, nil
	})
}

// PopulationSize returns the count of currently-registered patients.
func (p *PostgresProvider) PopulationSize(ctx context.Context) (int, error) {
	if err := p.wait(ctx); err != nil {
		return 0, err
	}

	return resilience.DoVal(ctx, p.retry, func(ctx context.Context) (int, error) {
		var n int
		if err := p.db.QueryRow(ctx, populationSQL).Scan(&n); err != nil {
			return 0, eris.Wrap(err, "query: population size")
		}
		return n, nil
	})
}

func (p *PostgresProvider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "query: rate limit wait")
	}
	return nil
}
