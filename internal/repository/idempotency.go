package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

// InsertAdminIdempotency inserts a PROCESSING record unless one already exists for
// (operator, action, key). It reports whether this call won the insert.
func (s *SQLiteStore) InsertAdminIdempotency(ctx context.Context, rec *domain.AdminIdempotencyRecord) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_idempotency (operator_id, action, target_id, idempotency_key, request_hash, status, response, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(operator_id, action, idempotency_key) DO NOTHING`,
		rec.OperatorID, rec.Action, rec.TargetID, rec.IdempotencyKey, rec.RequestHash, domain.IdempotencyProcessing, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// GetAdminIdempotency retrieves an idempotency record.
func (s *SQLiteStore) GetAdminIdempotency(ctx context.Context, operatorID, action, key string) (*domain.AdminIdempotencyRecord, error) {
	var rec domain.AdminIdempotencyRecord
	var response sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT operator_id, action, target_id, idempotency_key, request_hash, status, response, created_at, updated_at
		FROM admin_idempotency WHERE operator_id = ? AND action = ? AND idempotency_key = ?`,
		operatorID, action, key).Scan(&rec.OperatorID, &rec.Action, &rec.TargetID, &rec.IdempotencyKey,
		&rec.RequestHash, &rec.Status, &response, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if response.Valid {
		rec.Response = json.RawMessage(response.String)
	}
	return &rec, nil
}

// ReclaimAdminIdempotency moves a record with a matching hash back to PROCESSING
// when it FAILED or has been PROCESSING since before staleBefore.
func (s *SQLiteStore) ReclaimAdminIdempotency(ctx context.Context, operatorID, action, key, requestHash string, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE admin_idempotency SET status = ?, response = NULL, updated_at = ?
		WHERE operator_id = ? AND action = ? AND idempotency_key = ? AND request_hash = ?
		AND (status = ? OR (status = ? AND updated_at <= ?))`,
		domain.IdempotencyProcessing, time.Now().UTC(), operatorID, action, key, requestHash,
		domain.IdempotencyFailed, domain.IdempotencyProcessing, staleBefore.UTC())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// FinishAdminIdempotency moves a PROCESSING record to its final status.
func (s *SQLiteStore) FinishAdminIdempotency(ctx context.Context, operatorID, action, key string, status domain.IdempotencyStatus, response []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE admin_idempotency SET status = ?, response = ?, updated_at = ?
		WHERE operator_id = ? AND action = ? AND idempotency_key = ? AND status = ?`,
		status, nullJSON(response), time.Now().UTC(), operatorID, action, key, domain.IdempotencyProcessing)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
