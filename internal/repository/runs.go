package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

const runColumns = `run_id, owner_id, goal, status, current_step, max_steps, plan, snapshot, last_error,
	debug, idempotency_key, expires_at, started_at, updated_at, completed_at, ext, version`

// CreateRun creates a new run. A duplicate (owner, idempotency key) returns ErrConflict.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	plan, snapshot, err := encodeRunState(run)
	if err != nil {
		return err
	}
	if run.Version == 0 {
		run.Version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.OwnerID, run.Goal, run.Status, run.CurrentStep, run.MaxSteps, plan, snapshot,
		nullString(run.LastError), run.Debug, run.IdempotencyKey, run.ExpiresAt.UTC(), run.StartedAt.UTC(),
		run.UpdatedAt.UTC(), nullTime(run.CompletedAt), nullJSON(run.Ext), run.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	return scanRunRow(row)
}

// GetRunByIdempotencyKey retrieves the run an owner created with the given key.
func (s *SQLiteStore) GetRunByIdempotencyKey(ctx context.Context, ownerID, key string) (*domain.Run, error) {
	if key == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE owner_id = ? AND idempotency_key = ?`, ownerID, key)
	return scanRunRow(row)
}

// GetWaitingRunByTaskID finds the WAITING run whose snapshot holds the given sandbox task.
func (s *SQLiteStore) GetWaitingRunByTaskID(ctx context.Context, taskID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		WHERE status = ? AND json_extract(snapshot, '$.pending.task_id') = ?
		LIMIT 1`, domain.RunStatusWaiting, taskID)
	return scanRunRow(row)
}

// UpdateRun writes every mutable field of run if the stored version still equals
// expectedVersion. On success run.Version is bumped; false means another writer won.
func (s *SQLiteStore) UpdateRun(ctx context.Context, run *domain.Run, expectedVersion int64) (bool, error) {
	plan, snapshot, err := encodeRunState(run)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, current_step = ?, max_steps = ?, plan = ?, snapshot = ?, last_error = ?,
			expires_at = ?, updated_at = ?, completed_at = ?, ext = ?, version = version + 1
		WHERE run_id = ? AND version = ?`,
		run.Status, run.CurrentStep, run.MaxSteps, plan, snapshot, nullString(run.LastError),
		run.ExpiresAt.UTC(), run.UpdatedAt.UTC(), nullTime(run.CompletedAt), nullJSON(run.Ext),
		run.RunID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}
	run.Version = expectedVersion + 1
	return true, nil
}

// ListExpiredRuns lists non-terminal runs whose TTL has elapsed.
func (s *SQLiteStore) ListExpiredRuns(ctx context.Context, now time.Time, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		WHERE status NOT IN (?, ?, ?, ?) AND expires_at <= ?
		ORDER BY expires_at ASC LIMIT ?`,
		domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusCanceled, domain.RunStatusExpired,
		now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// ListWaitingRuns lists WAITING runs that hold a pending sandbox task.
func (s *SQLiteStore) ListWaitingRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		WHERE status = ? AND json_extract(snapshot, '$.pending.task_id') IS NOT NULL
		ORDER BY updated_at ASC LIMIT ?`,
		domain.RunStatusWaiting, limit)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// DeleteTerminalRunsBefore removes terminal runs completed before cutoff along with their logs.
func (s *SQLiteStore) DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const victims = `SELECT run_id FROM runs WHERE completed_at IS NOT NULL AND completed_at < ?`
	for _, table := range []string{"events", "messages"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id IN (`+victims+`)`, cutoff.UTC()); err != nil {
			return 0, fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunRow(row *sql.Row) (*domain.Run, error) {
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]domain.Run, error) {
	defer rows.Close()
	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var plan, snapshot, lastError, ext sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&run.RunID, &run.OwnerID, &run.Goal, &run.Status, &run.CurrentStep, &run.MaxSteps,
		&plan, &snapshot, &lastError, &run.Debug, &run.IdempotencyKey, &run.ExpiresAt, &run.StartedAt,
		&run.UpdatedAt, &completedAt, &ext, &run.Version); err != nil {
		return nil, err
	}
	if plan.Valid && plan.String != "" {
		if err := json.Unmarshal([]byte(plan.String), &run.Plan); err != nil {
			return nil, fmt.Errorf("failed to decode plan of run %s: %w", run.RunID, err)
		}
	}
	if snapshot.Valid && snapshot.String != "" {
		if err := json.Unmarshal([]byte(snapshot.String), &run.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot of run %s: %w", run.RunID, err)
		}
	}
	if lastError.Valid {
		run.LastError = lastError.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if ext.Valid {
		run.Ext = json.RawMessage(ext.String)
	}
	return &run, nil
}

func encodeRunState(run *domain.Run) (sql.NullString, string, error) {
	var plan sql.NullString
	if len(run.Plan) > 0 {
		data, err := json.Marshal(run.Plan)
		if err != nil {
			return plan, "", fmt.Errorf("failed to encode plan: %w", err)
		}
		plan = sql.NullString{String: string(data), Valid: true}
	}
	snapshot, err := json.Marshal(run.Snapshot)
	if err != nil {
		return plan, "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return plan, string(snapshot), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
