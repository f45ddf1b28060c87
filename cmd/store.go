package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/clinrev/cohort-cli/internal/query"
	"github.com/clinrev/cohort-cli/internal/registry"
	"github.com/clinrev/cohort-cli/internal/resilience"
	"github.com/clinrev/cohort-cli/internal/sampler"
	"github.com/clinrev/cohort-cli/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "cohort.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initProvider opens the clinical source database and wires the query
// provider over it. The returned closer releases the connection pool.
func initProvider(ctx context.Context) (sampler.Provider, func(), error) {
	catalog, err := registry.Load(cfg.Rules.CatalogPath)
	if err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.Clinical.DatabaseURL)
	if err != nil {
		return nil, nil, eris.Wrap(err, "connect clinical database")
	}

	retry := resilience.DefaultRetryConfig()
	if cfg.Clinical.MaxRetries > 0 {
		retry.MaxAttempts = cfg.Clinical.MaxRetries
	}
	retry.OnRetry = resilience.RetryLogger("clinical query")

	provider := query.NewPostgres(pool, catalog,
		query.WithRateLimit(cfg.Clinical.QueryQPS),
		query.WithRetry(retry),
	)
	return provider, pool.Close, nil
}
