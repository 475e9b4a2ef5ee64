package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

// AppendEvent assigns the next per-run sequence and inserts the event in one statement.
// event.Seq is set on success. A racing insert for the same seq returns ErrConflict.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO events (run_id, seq, type, payload, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ? FROM events WHERE run_id = ?
		RETURNING seq`,
		event.RunID, event.Type, nullJSON(event.Payload), event.CreatedAt.UTC(), event.RunID).Scan(&event.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEventsAfter returns up to limit events with seq strictly greater than afterSeq.
func (s *SQLiteStore) ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.Event, error) {
	query := `SELECT run_id, seq, type, payload, created_at FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Type, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// AppendMessage assigns the next per-run sequence and inserts the message in one statement.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (run_id, seq, role, content, metadata, message_type, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ? FROM messages WHERE run_id = ?
		RETURNING seq`,
		msg.RunID, msg.Role, msg.Content, nullJSON(msg.Metadata), msg.Type, msg.CreatedAt.UTC(), msg.RunID).Scan(&msg.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessagesAfter returns up to limit messages with seq strictly greater than afterSeq.
func (s *SQLiteStore) ListMessagesAfter(ctx context.Context, runID string, afterSeq int64, limit int, excludeInitial bool) ([]domain.Message, error) {
	query := `SELECT run_id, seq, role, content, metadata, message_type, created_at FROM messages WHERE run_id = ? AND seq > ?`
	args := []any{runID, afterSeq}
	if excludeInitial {
		query += ` AND message_type != ?`
		args = append(args, domain.MessageTypeInitial)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// LatestMessage returns the newest message of a run, optionally restricted to a role.
func (s *SQLiteStore) LatestMessage(ctx context.Context, runID string, role domain.MessageRole) (*domain.Message, error) {
	query := `SELECT run_id, seq, role, content, metadata, message_type, created_at FROM messages WHERE run_id = ?`
	args := []any{runID}
	if role != "" {
		query += ` AND role = ?`
		args = append(args, role)
	}
	query += ` ORDER BY seq DESC LIMIT 1`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var metadata sql.NullString
	if err := row.Scan(&msg.RunID, &msg.Seq, &msg.Role, &msg.Content, &metadata, &msg.Type, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if metadata.Valid {
		msg.Metadata = json.RawMessage(metadata.String)
	}
	return &msg, nil
}
