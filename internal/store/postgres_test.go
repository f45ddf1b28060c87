package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clinrev/cohort-cli/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func TestPostgresCreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO cohort_runs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "queued", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	req := model.CohortRequest{
		Name:      "pilot",
		RuleIDs:   []model.RuleID{1, 2},
		TotalSize: 50,
		Seed:      42,
	}
	run, err := s.CreateRun(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.Equal(t, req.RuleIDs, run.Request.RuleIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateRunStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE cohort_runs SET status`).
		WithArgs("matching", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateRunStatus(context.Background(), "run-1", model.RunStatusMatching)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateRunStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE cohort_runs SET status`).
		WithArgs("failed", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunStatus(context.Background(), "missing", model.RunStatusFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPostgresCompleteRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE cohort_runs SET report`).
		WithArgs(pgxmock.AnyArg(), "complete", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	report := &model.ShortfallReport{PositiveTarget: 10, PositiveAchieved: 10}
	require.NoError(t, s.CompleteRun(context.Background(), "run-1", report))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	req := model.CohortRequest{RuleIDs: []model.RuleID{3}, TotalSize: 20, Seed: 7}
	reqJSON, err := json.Marshal(req)
	require.NoError(t, err)
	reportJSON, err := json.Marshal(&model.ShortfallReport{PositiveTarget: 20, PositiveAchieved: 18})
	require.NoError(t, err)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, request, status, report, created_at, updated_at FROM cohort_runs WHERE`).
		WithArgs("run-2").
		WillReturnRows(pgxmock.NewRows([]string{"id", "request", "status", "report", "created_at", "updated_at"}).
			AddRow("run-2", reqJSON, "complete", reportJSON, now, now))

	run, err := s.GetRun(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, 20, run.Request.TotalSize)
	require.NotNil(t, run.Report)
	assert.Equal(t, 18, run.Report.PositiveAchieved)
	assert.False(t, run.Report.Complete())
}

func TestPostgresGetRun_NoRows(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, request, status, report, created_at, updated_at FROM cohort_runs WHERE`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
}

func TestPostgresListRuns_StatusFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	reqJSON, err := json.Marshal(model.CohortRequest{TotalSize: 5})
	require.NoError(t, err)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, request, status, report, created_at, updated_at FROM cohort_runs WHERE status`).
		WithArgs("complete", 10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "request", "status", "report", "created_at", "updated_at"}).
			AddRow("a", reqJSON, "complete", []byte(nil), now, now).
			AddRow("b", reqJSON, "complete", []byte(nil), now, now))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.RunStatusComplete, Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].ID)
	assert.Nil(t, runs[0].Report)
}

func TestPostgresSaveSample(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM sampled_patients`).
		WithArgs("run-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"sampled_patients"},
		[]string{"run_id", "patient_id", "role", "reference_date", "primary_rule", "intervals"}).
		WillReturnResult(2)

	ref := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	patients := []model.SampledPatient{
		{PatientID: 11, Role: model.RolePositive, ReferenceDate: ref, PrimaryRule: 1,
			Intervals: []model.MatchInterval{{PatientID: 11, RuleID: 1, Start: ref.AddDate(0, -1, 0), End: ref.AddDate(0, 1, 0)}}},
		{PatientID: 22, Role: model.RoleNegative, ReferenceDate: ref},
	}
	require.NoError(t, s.SaveSample(context.Background(), "run-1", patients))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListSampledPatients(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	ref := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	ivJSON, err := json.Marshal([]model.MatchInterval{{PatientID: 11, RuleID: 1, Start: ref, End: ref.AddDate(0, 2, 0)}})
	require.NoError(t, err)
	one := 1

	mock.ExpectQuery(`SELECT patient_id, role, reference_date, primary_rule, intervals FROM sampled_patients`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"patient_id", "role", "reference_date", "primary_rule", "intervals"}).
			AddRow(int64(11), "positive", ref, &one, ivJSON).
			AddRow(int64(22), "negative", ref, (*int)(nil), []byte(nil)))

	patients, err := s.ListSampledPatients(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, patients, 2)

	assert.Equal(t, model.PatientID(11), patients[0].PatientID)
	assert.Equal(t, model.RuleID(1), patients[0].PrimaryRule)
	require.Len(t, patients[0].Intervals, 1)
	assert.Equal(t, model.RoleNegative, patients[1].Role)
	assert.Empty(t, patients[1].Intervals)
}
