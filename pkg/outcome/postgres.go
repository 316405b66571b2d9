package outcome

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/StricklySoft/stricklysoft-governance/pkg/clients/postgres"
	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
	"github.com/StricklySoft/stricklysoft-governance/pkg/task"
)

// Schema creates the table used by PostgresRecorder.
const Schema = `CREATE TABLE IF NOT EXISTS task_outcomes (
	task_id       TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL DEFAULT '',
	success       BOOLEAN NOT NULL,
	error_code    TEXT,
	error_message TEXT,
	retried       BOOLEAN NOT NULL DEFAULT FALSE,
	completed_at  TIMESTAMPTZ NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS task_outcomes_recorded_at_idx ON task_outcomes (recorded_at DESC)`

const (
	upsertSQL = `INSERT INTO task_outcomes
	(task_id, run_id, success, error_code, error_message, retried, completed_at, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (task_id) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	success = EXCLUDED.success,
	error_code = EXCLUDED.error_code,
	error_message = EXCLUDED.error_message,
	retried = EXCLUDED.retried,
	completed_at = EXCLUDED.completed_at,
	recorded_at = EXCLUDED.recorded_at`

	selectColumns = `SELECT task_id, run_id, success, error_code, error_message, retried, completed_at FROM task_outcomes`

	getSQL = selectColumns + ` WHERE task_id = $1`

	recentSQL    = selectColumns + ` ORDER BY recorded_at DESC, task_id`
	recentLimSQL = recentSQL + ` LIMIT $1`
)

// PostgresRecorder stores outcomes in the task_outcomes table.
type PostgresRecorder struct {
	db  *postgres.Client
	now func() time.Time
}

var _ Recorder = (*PostgresRecorder)(nil)

// PostgresOption configures a PostgresRecorder.
type PostgresOption func(*PostgresRecorder)

// WithRecordClock overrides the clock stamped into recorded_at.
func WithRecordClock(now func() time.Time) PostgresOption {
	return func(r *PostgresRecorder) { r.now = now }
}

// NewPostgresRecorder returns a recorder backed by db.
func NewPostgresRecorder(db *postgres.Client, opts ...PostgresOption) *PostgresRecorder {
	r := &PostgresRecorder{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureSchema creates the outcomes table if it does not exist.
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return sserr.Wrap(err, sserr.CodeInternalDatabase, "outcome: failed to create schema")
	}
	return nil
}

// Record implements [Recorder]. Store failures are returned as
// [sserr.CodeInternalRecordFailed].
func (r *PostgresRecorder) Record(ctx context.Context, o task.Outcome) error {
	var code, msg *string
	if o.Error != nil {
		code, msg = &o.Error.Code, &o.Error.Message
	}
	_, err := r.db.Exec(ctx, upsertSQL,
		o.TaskID, o.RunID, o.Success, code, msg, o.Retried, o.CompletedAt, r.now().UTC())
	if err != nil {
		return sserr.RecordFailed(err, o.TaskID)
	}
	return nil
}

// Get implements [Recorder].
func (r *PostgresRecorder) Get(ctx context.Context, taskID string) (*task.Outcome, error) {
	o, err := scanOutcome(r.db.QueryRow(ctx, getSQL, taskID))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, postgres.WrapScanError(err, "outcome: failed to load outcome")
	}
	return &o, nil
}

// Recent implements [Recorder].
func (r *PostgresRecorder) Recent(ctx context.Context, limit int) ([]task.Outcome, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.Query(ctx, recentLimSQL, limit)
	} else {
		rows, err = r.db.Query(ctx, recentSQL)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, postgres.WrapScanError(err, "outcome: failed to scan outcome")
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.WrapScanError(err, "outcome: failed to read outcomes")
	}
	return out, nil
}

func scanOutcome(row pgx.Row) (task.Outcome, error) {
	var (
		o         task.Outcome
		code, msg *string
	)
	if err := row.Scan(&o.TaskID, &o.RunID, &o.Success, &code, &msg, &o.Retried, &o.CompletedAt); err != nil {
		return task.Outcome{}, err
	}
	if code != nil || msg != nil {
		o.Error = &task.OutcomeError{}
		if code != nil {
			o.Error.Code = *code
		}
		if msg != nil {
			o.Error.Message = *msg
		}
	}
	o.CompletedAt = o.CompletedAt.UTC()
	return o, nil
}
