package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

const ledgerColumns = `ledger_id, user_id, business_type, delta, balance_before, balance_after, source_type,
	source_id, operator_id, idempotency_key, ext, created_at`

// LatestLedgerEntry returns the most recent entry for a user, whose balance_after is the balance.
func (s *SQLiteStore) LatestLedgerEntry(ctx context.Context, userID string) (*domain.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM credit_ledger WHERE user_id = ? ORDER BY id DESC LIMIT 1`, userID)
	entry, err := scanLedgerEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// InsertLedgerEntry inserts entry unless (business_type, source_id) already exists.
// It reports whether this call wrote the row.
func (s *SQLiteStore) InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_ledger (`+ledgerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(business_type, source_id) DO NOTHING`,
		entry.LedgerID, entry.UserID, entry.BusinessType, entry.Delta, entry.BalanceBefore, entry.BalanceAfter,
		entry.SourceType, entry.SourceID, nullString(entry.OperatorID), nullString(entry.IdempotencyKey),
		nullJSON(entry.Ext), entry.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// GetLedgerEntryBySource returns the entry recorded for a business event.
func (s *SQLiteStore) GetLedgerEntryBySource(ctx context.Context, businessType domain.BusinessType, sourceID string) (*domain.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM credit_ledger WHERE business_type = ? AND source_id = ?`, businessType, sourceID)
	entry, err := scanLedgerEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// ListLedgerEntries returns entries matching filter, newest first.
func (s *SQLiteStore) ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error) {
	where, args := ledgerWhere(filter)
	query := `SELECT ` + ledgerColumns + ` FROM credit_ledger` + where + ` ORDER BY id DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// CountLedgerEntries counts entries matching filter, ignoring paging.
func (s *SQLiteStore) CountLedgerEntries(ctx context.Context, filter domain.LedgerFilter) (int64, error) {
	where, args := ledgerWhere(filter)
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_ledger`+where, args...).Scan(&n)
	return n, err
}

func ledgerWhere(filter domain.LedgerFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if filter.UserID != "" {
		add("user_id = ?", filter.UserID)
	}
	if filter.BusinessType != "" {
		add("business_type = ?", filter.BusinessType)
	}
	if filter.SourceType != "" {
		add("source_type = ?", filter.SourceType)
	}
	if filter.SourceID != "" {
		add("source_id = ?", filter.SourceID)
	}
	if !filter.From.IsZero() {
		add("created_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("created_at < ?", filter.To.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanLedgerEntry(row rowScanner) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	var operatorID, idemKey, ext sql.NullString
	var createdAt time.Time
	if err := row.Scan(&entry.LedgerID, &entry.UserID, &entry.BusinessType, &entry.Delta, &entry.BalanceBefore,
		&entry.BalanceAfter, &entry.SourceType, &entry.SourceID, &operatorID, &idemKey, &ext, &createdAt); err != nil {
		return nil, err
	}
	entry.OperatorID = operatorID.String
	entry.IdempotencyKey = idemKey.String
	if ext.Valid {
		entry.Ext = json.RawMessage(ext.String)
	}
	entry.CreatedAt = createdAt
	return &entry, nil
}
