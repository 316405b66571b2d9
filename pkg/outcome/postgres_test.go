package outcome

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-governance/internal/testutil"
	"github.com/StricklySoft/stricklysoft-governance/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/postgres"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

var outcomeColumns = []string{
	"task_id", "run_id", "success", "error_code", "error_message", "retried", "completed_at",
}

func newMockRecorder(t *testing.T) (*PostgresRecorder, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	clock := testutil.NewClock(fixtures.Epoch)
	r := NewPostgresRecorder(postgres.NewFromPool(mock, &postgres.Config{Database: "governance_test"}),
		WithRecordClock(clock.Now))
	return r, mock
}

func strPtr(s string) *string { return &s }

// ===========================================================================
// Record
// ===========================================================================

func TestPostgresRecorder_RecordUpserts(t *testing.T) {
	t.Parallel()
	r, mock := newMockRecorder(t)
	o := task.Failed("task-1", "run-1", sserr.Timeout("agent timed out"), fixtures.Epoch)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (task_id) DO UPDATE")).
		WithArgs("task-1", "run-1", false, strPtr("TIMEOUT_001"), strPtr("agent timed out"),
			false, fixtures.Epoch, fixtures.Epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, r.Record(context.Background(), o))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecorder_RecordFailure(t *testing.T) {
	t.Parallel()
	r, mock := newMockRecorder(t)
	mock.ExpectExec("INSERT INTO task_outcomes").
		WithArgs("task-1", "", true, pgxmock.AnyArg(), pgxmock.AnyArg(),
			false, fixtures.Epoch, fixtures.Epoch).
		WillReturnError(errors.New("disk full"))

	err := r.Record(context.Background(), task.Succeeded("task-1", "", fixtures.Epoch))

	testutil.RequireErrorCode(t, err, sserr.CodeInternalRecordFailed)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

// ===========================================================================
// Get / Recent
// ===========================================================================

func TestPostgresRecorder_Get(t *testing.T) {
	t.Parallel()
	r, mock := newMockRecorder(t)
	mock.ExpectQuery("SELECT task_id, run_id").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows(outcomeColumns).
			AddRow("task-1", "run-1", false, strPtr("INT_001"), strPtr("boom"), true, fixtures.Epoch))

	got, err := r.Get(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Success)
	assert.True(t, got.Retried)
	require.NotNil(t, got.Error)
	assert.Equal(t, "INT_001", got.Error.Code)
	assert.Equal(t, "boom", got.Error.Message)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecorder_GetMissing(t *testing.T) {
	t.Parallel()
	r, mock := newMockRecorder(t)
	mock.ExpectQuery("SELECT task_id, run_id").
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows(outcomeColumns))

	got, err := r.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostgresRecorder_Recent(t *testing.T) {
	t.Parallel()
	r, mock := newMockRecorder(t)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY recorded_at DESC, task_id LIMIT $1")).
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows(outcomeColumns).
			AddRow("task-2", "", true, nil, nil, false, fixtures.Epoch).
			AddRow("task-1", "", false, strPtr("INT_001"), strPtr("boom"), false, fixtures.Epoch))

	got, err := r.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "task-2", got[0].TaskID)
	assert.Nil(t, got[0].Error)
	assert.Equal(t, "task-1", got[1].TaskID)
	assert.InDelta(t, 50.0, SuccessRate(got), 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecorder_RecentQueryError(t *testing.T) {
	t.Parallel()
	r, mock := newMockRecorder(t)
	mock.ExpectQuery("SELECT task_id").WillReturnError(errors.New("relation does not exist"))

	_, err := r.Recent(context.Background(), 0)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalDatabase)
}

func TestPostgresRecorder_EnsureSchema(t *testing.T) {
	t.Parallel()
	r, mock := newMockRecorder(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS task_outcomes").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, r.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
