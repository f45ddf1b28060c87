package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/clinrev/cohort-cli/internal/db"
	"github.com/clinrev/cohort-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO cohort_runs (id, request, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
	"update_run_status": `UPDATE cohort_runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"complete_run":      `UPDATE cohort_runs SET report = $1, status = $2, updated_at = $3 WHERE id = $4`,
	"get_run":           `SELECT id, request, status, report, created_at, updated_at FROM cohort_runs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cohort_runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request    JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	report     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sampled_patients (
	run_id         TEXT NOT NULL REFERENCES cohort_runs(id),
	patient_id     BIGINT NOT NULL,
	role           TEXT NOT NULL,
	reference_date TIMESTAMPTZ NOT NULL,
	primary_rule   INT,
	intervals      JSONB,
	PRIMARY KEY (run_id, patient_id)
);

CREATE INDEX IF NOT EXISTS idx_cohort_runs_status ON cohort_runs(status);
CREATE INDEX IF NOT EXISTS idx_sampled_patients_run_id ON sampled_patients(run_id);
CREATE INDEX IF NOT EXISTS idx_sampled_patients_role ON sampled_patients(run_id, role);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, req model.CohortRequest) (*model.CohortRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal request")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO cohort_runs (id, request, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, reqJSON, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.CohortRun{
		ID:        id,
		Request:   req,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cohort_runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(eris.New("postgres: run not found"), "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, report *model.ShortfallReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE cohort_runs SET report = $1, status = $2, updated_at = $3 WHERE id = $4`,
		reportJSON, string(model.RunStatusComplete), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(eris.New("postgres: run not found"), "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.CohortRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, request, status, report, created_at, updated_at FROM cohort_runs WHERE id = $1`,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.CohortRun, error) {
	query := `SELECT id, request, status, report, created_at, updated_at FROM cohort_runs`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.CohortRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs")
}

// SaveSample replaces the stored sample for a run with the given patients,
// bulk-loaded through the COPY protocol.
func (s *PostgresStore) SaveSample(ctx context.Context, runID string, patients []model.SampledPatient) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sampled_patients WHERE run_id = $1`, runID); err != nil {
		return eris.Wrapf(err, "postgres: clear sample %s", runID)
	}

	rows := make([][]any, 0, len(patients))
	for _, p := range patients {
		var primaryRule any
		var intervals any
		if p.Role == model.RolePositive {
			primaryRule = int(p.PrimaryRule)
			ivJSON, err := json.Marshal(p.Intervals)
			if err != nil {
				return eris.Wrapf(err, "postgres: marshal intervals for patient %d", p.PatientID)
			}
			intervals = ivJSON
		}
		rows = append(rows, []any{runID, int64(p.PatientID), string(p.Role), p.ReferenceDate, primaryRule, intervals})
	}

	_, err := db.CopyFrom(ctx, s.pool, "sampled_patients",
		[]string{"run_id", "patient_id", "role", "reference_date", "primary_rule", "intervals"}, rows)
	return eris.Wrapf(err, "postgres: save sample %s", runID)
}

func (s *PostgresStore) ListSampledPatients(ctx context.Context, runID string) ([]model.SampledPatient, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT patient_id, role, reference_date, primary_rule, intervals FROM sampled_patients WHERE run_id = $1 ORDER BY role DESC, patient_id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list sample %s", runID)
	}
	defer rows.Close()

	var out []model.SampledPatient
	for rows.Next() {
		var p model.SampledPatient
		var id int64
		var role string
		var primaryRule *int
		var ivJSON []byte
		if err := rows.Scan(&id, &role, &p.ReferenceDate, &primaryRule, &ivJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sampled patient")
		}
		p.PatientID = model.PatientID(id)
		p.Role = model.Role(role)
		if primaryRule != nil {
			p.PrimaryRule = model.RuleID(*primaryRule)
		}
		if len(ivJSON) > 0 {
			if err := json.Unmarshal(ivJSON, &p.Intervals); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal intervals")
			}
		}
		out = append(out, p)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: list sample %s", runID)
}

// scanner abstracts pgx.Row and pgx.Rows for shared run scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.CohortRun, error) {
	var run model.CohortRun
	var reqJSON []byte
	var reportJSON []byte
	var status string

	if err := row.Scan(&run.ID, &reqJSON, &status, &reportJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	if err := json.Unmarshal(reqJSON, &run.Request); err != nil {
		return nil, eris.Wrap(err, "unmarshal request")
	}
	if len(reportJSON) > 0 {
		run.Report = &model.ShortfallReport{}
		if err := json.Unmarshal(reportJSON, run.Report); err != nil {
			return nil, eris.Wrap(err, "unmarshal report")
		}
	}
	return &run, nil
}
