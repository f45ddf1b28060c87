package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/clinrev/cohort-cli/internal/model"
)

// SQLiteStore implements Store on a local SQLite file. It covers
// single-machine workflows where standing up Postgres is overkill.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}

	// modernc's driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent batch runs.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: %s", p)
		}
	}

	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cohort_runs (
	id         TEXT PRIMARY KEY,
	request    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	report     TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sampled_patients (
	run_id         TEXT NOT NULL REFERENCES cohort_runs(id),
	patient_id     INTEGER NOT NULL,
	role           TEXT NOT NULL,
	reference_date TIMESTAMP NOT NULL,
	primary_rule   INTEGER,
	intervals      TEXT,
	PRIMARY KEY (run_id, patient_id)
);

CREATE INDEX IF NOT EXISTS idx_cohort_runs_status ON cohort_runs(status);
CREATE INDEX IF NOT EXISTS idx_sampled_patients_run_id ON sampled_patients(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

func (s *SQLiteStore) CreateRun(ctx context.Context, req model.CohortRequest) (*model.CohortRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal request")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cohort_runs (id, request, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(reqJSON), string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.CohortRun{
		ID:        id,
		Request:   req,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cohort_runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, report *model.ShortfallReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE cohort_runs SET report = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(reportJSON), string(model.RunStatusComplete), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.CohortRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, request, status, report, created_at, updated_at FROM cohort_runs WHERE id = ?`,
		runID,
	)
	run, err := scanRunSQLite(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.CohortRun, error) {
	query := `SELECT id, request, status, report, created_at, updated_at FROM cohort_runs`
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.CohortRun
	for rows.Next() {
		run, err := scanRunSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs")
}

func (s *SQLiteStore) SaveSample(ctx context.Context, runID string, patients []model.SampledPatient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sampled_patients WHERE run_id = ?`, runID); err != nil {
		return eris.Wrapf(err, "sqlite: clear sample %s", runID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sampled_patients (run_id, patient_id, role, reference_date, primary_rule, intervals) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert")
	}
	defer stmt.Close()

	for _, p := range patients {
		var primaryRule any
		var intervals any
		if p.Role == model.RolePositive {
			primaryRule = int64(p.PrimaryRule)
			ivJSON, err := json.Marshal(p.Intervals)
			if err != nil {
				return eris.Wrapf(err, "sqlite: marshal intervals for patient %d", p.PatientID)
			}
			intervals = string(ivJSON)
		}
		if _, err := stmt.ExecContext(ctx,
			runID, int64(p.PatientID), string(p.Role), p.ReferenceDate, primaryRule, intervals,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert patient %d", p.PatientID)
		}
	}

	return eris.Wrapf(tx.Commit(), "sqlite: save sample %s", runID)
}

func (s *SQLiteStore) ListSampledPatients(ctx context.Context, runID string) ([]model.SampledPatient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patient_id, role, reference_date, primary_rule, intervals FROM sampled_patients WHERE run_id = ? ORDER BY role DESC, patient_id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list sample %s", runID)
	}
	defer rows.Close()

	var out []model.SampledPatient
	for rows.Next() {
		var p model.SampledPatient
		var id int64
		var role string
		var primaryRule sql.NullInt64
		var ivJSON sql.NullString
		if err := rows.Scan(&id, &role, &p.ReferenceDate, &primaryRule, &ivJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sampled patient")
		}
		p.PatientID = model.PatientID(id)
		p.Role = model.Role(role)
		if primaryRule.Valid {
			p.PrimaryRule = model.RuleID(primaryRule.Int64)
		}
		if ivJSON.Valid && ivJSON.String != "" {
			if err := json.Unmarshal([]byte(ivJSON.String), &p.Intervals); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal intervals")
			}
		}
		out = append(out, p)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: list sample %s", runID)
}

func scanRunSQLite(row scanner) (*model.CohortRun, error) {
	var run model.CohortRun
	var reqJSON string
	var reportJSON sql.NullString
	var status string

	if err := row.Scan(&run.ID, &reqJSON, &status, &reportJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	if err := json.Unmarshal([]byte(reqJSON), &run.Request); err != nil {
		return nil, eris.Wrap(err, "unmarshal request")
	}
	if reportJSON.Valid && reportJSON.String != "" {
		run.Report = &model.ShortfallReport{}
		if err := json.Unmarshal([]byte(reportJSON.String), run.Report); err != nil {
			return nil, eris.Wrap(err, "unmarshal report")
		}
	}
	return &run, nil
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.New(fmt.Sprintf("sqlite: %s %s not found", kind, id))
	}
	return nil
}
