package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/snowmanjy/ai2qa/api/schemas"
	"github.com/snowmanjy/ai2qa/internal/testrun"
)

// ErrRunNotFound is returned by LoadRun for unknown ids.
var ErrRunNotFound = errors.New("store: run not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists test runs in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS test_runs (
    id             TEXT PRIMARY KEY,
    target_url     TEXT NOT NULL,
    goals          JSONB NOT NULL,
    persona        TEXT NOT NULL,
    status         TEXT NOT NULL,
    failure_reason TEXT NOT NULL DEFAULT '',
    summary        TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL,
    started_at     TIMESTAMPTZ,
    completed_at   TIMESTAMPTZ,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS test_runs_status_idx ON test_runs (status, created_at DESC);
CREATE TABLE IF NOT EXISTS planned_steps (
    run_id   TEXT NOT NULL REFERENCES test_runs (id) ON DELETE CASCADE,
    position INT NOT NULL,
    step_id  TEXT NOT NULL,
    action   TEXT NOT NULL,
    step     JSONB NOT NULL,
    PRIMARY KEY (run_id, position)
);
CREATE TABLE IF NOT EXISTS executed_steps (
    run_id          TEXT NOT NULL REFERENCES test_runs (id) ON DELETE CASCADE,
    position        INT NOT NULL,
    step_id         TEXT NOT NULL,
    status          TEXT NOT NULL,
    executed_at     TIMESTAMPTZ NOT NULL,
    duration_ms     BIGINT NOT NULL,
    retry_count     INT NOT NULL,
    record          JSONB NOT NULL,
    snapshot_before BYTEA,
    snapshot_after  BYTEA,
    PRIMARY KEY (run_id, position)
);
`

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const sqlUpsertRun = `
INSERT INTO test_runs (id, target_url, goals, persona, status, failure_reason, summary, created_at, started_at, completed_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    failure_reason = EXCLUDED.failure_reason,
    summary = EXCLUDED.summary,
    started_at = EXCLUDED.started_at,
    completed_at = EXCLUDED.completed_at,
    updated_at = EXCLUDED.updated_at;
`

var (
	plannedColumns  = []string{"run_id", "position", "step_id", "action", "step"}
	executedColumns = []string{"run_id", "position", "step_id", "status", "executed_at", "duration_ms", "retry_count", "record", "snapshot_before", "snapshot_after"}
)

// SaveRun writes the full run state in one transaction. Planned and executed
// steps are rewritten with explicit positions so their order survives.
func (s *Store) SaveRun(ctx context.Context, state testrun.RunState) error {
	if state.Goals == nil {
		state.Goals = []string{}
	}
	goals, err := json.Marshal(state.Goals)
	if err != nil {
		return fmt.Errorf("failed to encode goals: %w", err)
	}
	planned, err := plannedRows(state)
	if err != nil {
		return err
	}
	executed, err := executedRows(state)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, sqlUpsertRun,
		state.ID, state.TargetURL, string(goals), string(state.Persona), string(state.Status),
		state.FailureReason, state.Summary,
		state.CreatedAt.UTC(), nullTime(state.StartedAt), nullTime(state.CompletedAt), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", state.ID, err)
	}

	if err := replaceRows(ctx, tx, "planned_steps", plannedColumns, state.ID, planned); err != nil {
		return err
	}
	if err := replaceRows(ctx, tx, "executed_steps", executedColumns, state.ID, executed); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func replaceRows(ctx context.Context, tx pgx.Tx, table string, columns []string, runID string, rows [][]interface{}) error {
	if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE run_id = $1", runID); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", table, err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("mismatch in copied %s count: expected %d, got %d", table, len(rows), n)
	}
	return nil
}

func plannedRows(state testrun.RunState) ([][]interface{}, error) {
	rows := make([][]interface{}, len(state.Plan))
	for i, step := range state.Plan {
		encoded, err := json.MarshalToString(step)
		if err != nil {
			return nil, fmt.Errorf("failed to encode planned step %s: %w", step.StepID, err)
		}
		rows[i] = []interface{}{state.ID, i, step.StepID, string(step.Action), encoded}
	}
	return rows, nil
}

func executedRows(state testrun.RunState) ([][]interface{}, error) {
	rows := make([][]interface{}, len(state.History))
	for i, e := range state.History {
		before, err := compressSnapshot(e.SnapshotBefore)
		if err != nil {
			return nil, err
		}
		after, err := compressSnapshot(e.SnapshotAfter)
		if err != nil {
			return nil, err
		}
		// Snapshots live in their own columns.
		record := e
		record.SnapshotBefore, record.SnapshotAfter = nil, nil
		encoded, err := json.MarshalToString(record)
		if err != nil {
			return nil, fmt.Errorf("failed to encode executed step %s: %w", e.Step.StepID, err)
		}
		rows[i] = []interface{}{
			state.ID, i, e.Step.StepID, string(e.Status),
			e.ExecutedAt.UTC(), e.DurationMs, e.RetryCount,
			encoded, before, after,
		}
	}
	return rows, nil
}

const sqlSelectRun = `
SELECT id, target_url, goals, persona, status, failure_reason, summary,
    created_at, COALESCE(started_at, '0001-01-01 00:00:00+00'), COALESCE(completed_at, '0001-01-01 00:00:00+00')
FROM test_runs
WHERE id = $1;
`

const sqlSelectPlanned = `
SELECT step FROM planned_steps WHERE run_id = $1 ORDER BY position ASC;
`

const sqlSelectExecuted = `
SELECT record, snapshot_before, snapshot_after FROM executed_steps WHERE run_id = $1 ORDER BY position ASC;
`

// LoadRun reads a run back and rehydrates it.
func (s *Store) LoadRun(ctx context.Context, runID string) (*testrun.TestRun, error) {
	var (
		state                         testrun.RunState
		goals                         []byte
		persona, status               string
		createdAt, startedAt, endedAt time.Time
	)
	err := s.pool.QueryRow(ctx, sqlSelectRun, runID).Scan(
		&state.ID, &state.TargetURL, &goals, &persona, &status,
		&state.FailureReason, &state.Summary,
		&createdAt, &startedAt, &endedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	if err := json.Unmarshal(goals, &state.Goals); err != nil {
		return nil, fmt.Errorf("failed to decode goals of run %s: %w", runID, err)
	}
	state.Persona = schemas.Persona(persona)
	state.Status = testrun.RunStatus(status)
	state.CreatedAt, state.StartedAt, state.CompletedAt = createdAt.UTC(), zeroable(startedAt), zeroable(endedAt)

	if state.Plan, err = s.loadPlan(ctx, runID); err != nil {
		return nil, err
	}
	if state.History, err = s.loadHistory(ctx, runID); err != nil {
		return nil, err
	}

	run, err := testrun.Rehydrate(state)
	if err != nil {
		return nil, fmt.Errorf("stored run %s is inconsistent: %w", runID, err)
	}
	return run, nil
}

func (s *Store) loadPlan(ctx context.Context, runID string) ([]schemas.ActionStep, error) {
	rows, err := s.pool.Query(ctx, sqlSelectPlanned, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query planned steps: %w", err)
	}
	defer rows.Close()

	var plan []schemas.ActionStep
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan planned step row: %w", err)
		}
		var step schemas.ActionStep
		if err := json.Unmarshal(raw, &step); err != nil {
			return nil, fmt.Errorf("failed to decode planned step: %w", err)
		}
		plan = append(plan, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return plan, nil
}

func (s *Store) loadHistory(ctx context.Context, runID string) ([]schemas.ExecutedStep, error) {
	rows, err := s.pool.Query(ctx, sqlSelectExecuted, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executed steps: %w", err)
	}
	defer rows.Close()

	var history []schemas.ExecutedStep
	for rows.Next() {
		var raw, before, after []byte
		if err := rows.Scan(&raw, &before, &after); err != nil {
			return nil, fmt.Errorf("failed to scan executed step row: %w", err)
		}
		var e schemas.ExecutedStep
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("failed to decode executed step: %w", err)
		}
		if e.SnapshotBefore, err = decompressSnapshot(before); err != nil {
			return nil, err
		}
		if e.SnapshotAfter, err = decompressSnapshot(after); err != nil {
			return nil, err
		}
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return history, nil
}

// RunSummary is one row of ListRuns.
type RunSummary struct {
	ID            string
	TargetURL     string
	Status        testrun.RunStatus
	FailureReason string
	CreatedAt     time.Time
	CompletedAt   time.Time
}

const sqlListRuns = `
SELECT id, target_url, status, failure_reason, created_at, COALESCE(completed_at, '0001-01-01 00:00:00+00')
FROM test_runs
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC
LIMIT $2;
`

// ListRuns returns the newest runs first, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, status testrun.RunStatus, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, sqlListRuns, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var st string
		if err := rows.Scan(&r.ID, &r.TargetURL, &st, &r.FailureReason, &r.CreatedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Status = testrun.RunStatus(st)
		r.CreatedAt, r.CompletedAt = r.CreatedAt.UTC(), zeroable(r.CompletedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// -- Encoding helpers --

// compressSnapshot stores a snapshot as brotli-compressed JSON; nil stays NULL.
func compressSnapshot(snap *schemas.DomSnapshot) ([]byte, error) {
	if snap == nil {
		return nil, nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressSnapshot(blob []byte) (*schemas.DomSnapshot, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	var snap schemas.DomSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// zeroable undoes the COALESCE used for NULL timestamps.
func zeroable(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
