// Package repository defines the storage interface and its SQLite implementation.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

// ErrConflict is returned when an insert collides with a uniqueness constraint.
var ErrConflict = errors.New("unique constraint conflict")

// Store defines the interface for data persistence.
// Getters return (nil, nil) when the row does not exist.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	GetRunByIdempotencyKey(ctx context.Context, ownerID, key string) (*domain.Run, error)
	GetWaitingRunByTaskID(ctx context.Context, taskID string) (*domain.Run, error)
	UpdateRun(ctx context.Context, run *domain.Run, expectedVersion int64) (bool, error)
	ListExpiredRuns(ctx context.Context, now time.Time, limit int) ([]domain.Run, error)
	ListWaitingRuns(ctx context.Context, limit int) ([]domain.Run, error)
	DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Event log
	AppendEvent(ctx context.Context, event *domain.Event) error
	ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.Event, error)

	// Conversation log
	AppendMessage(ctx context.Context, msg *domain.Message) error
	ListMessagesAfter(ctx context.Context, runID string, afterSeq int64, limit int, excludeInitial bool) ([]domain.Message, error)
	LatestMessage(ctx context.Context, runID string, role domain.MessageRole) (*domain.Message, error)

	// Credit ledger
	LatestLedgerEntry(ctx context.Context, userID string) (*domain.LedgerEntry, error)
	InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (bool, error)
	GetLedgerEntryBySource(ctx context.Context, businessType domain.BusinessType, sourceID string) (*domain.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error)
	CountLedgerEntries(ctx context.Context, filter domain.LedgerFilter) (int64, error)

	// Admin idempotency
	InsertAdminIdempotency(ctx context.Context, rec *domain.AdminIdempotencyRecord) (bool, error)
	GetAdminIdempotency(ctx context.Context, operatorID, action, key string) (*domain.AdminIdempotencyRecord, error)
	ReclaimAdminIdempotency(ctx context.Context, operatorID, action, key, requestHash string, staleBefore time.Time) (bool, error)
	FinishAdminIdempotency(ctx context.Context, operatorID, action, key string, status domain.IdempotencyStatus, response []byte) (bool, error)

	Close() error
}
