// Package ledger applies credit deltas to the append-only credit ledger.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/keylock"
)

// Store is the ledger persistence.
type Store interface {
	LatestLedgerEntry(ctx context.Context, userID string) (*domain.LedgerEntry, error)
	InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (bool, error)
	GetLedgerEntryBySource(ctx context.Context, businessType domain.BusinessType, sourceID string) (*domain.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error)
	CountLedgerEntries(ctx context.Context, filter domain.LedgerFilter) (int64, error)
}

// Ledger serializes balance-changing writes per user.
type Ledger struct {
	store Store
	locks *keylock.Locker
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, locks: keylock.New(), now: time.Now}
}

// ApplyDelta records one credit movement. A second request for the same
// (business type, source id) returns the stored entry with Replayed set.
func (l *Ledger) ApplyDelta(ctx context.Context, req domain.DeltaRequest) (domain.DeltaResult, error) {
	if err := validateDelta(req); err != nil {
		return domain.DeltaResult{}, err
	}

	unlock := l.locks.Lock(req.UserID)
	defer unlock()

	if existing, err := l.store.GetLedgerEntryBySource(ctx, req.BusinessType, req.SourceID); err != nil {
		return domain.DeltaResult{}, fmt.Errorf("failed to look up ledger entry: %w", err)
	} else if existing != nil {
		return replay(req, existing)
	}

	balance, err := l.balance(ctx, req.UserID)
	if err != nil {
		return domain.DeltaResult{}, err
	}
	after := balance + req.Delta
	if req.Delta < 0 && after < 0 {
		return domain.DeltaResult{}, fmt.Errorf("%w: balance %d, delta %d", domain.ErrInsufficientCredits, balance, req.Delta)
	}

	entry := domain.LedgerEntry{
		LedgerID:       "led_" + uuid.NewString(),
		UserID:         req.UserID,
		BusinessType:   req.BusinessType,
		Delta:          req.Delta,
		BalanceBefore:  balance,
		BalanceAfter:   after,
		SourceType:     req.SourceType,
		SourceID:       req.SourceID,
		OperatorID:     req.OperatorID,
		IdempotencyKey: req.IdempotencyKey,
		Ext:            req.Ext,
		CreatedAt:      l.now().UTC(),
	}
	inserted, err := l.store.InsertLedgerEntry(ctx, &entry)
	if err != nil {
		return domain.DeltaResult{}, err
	}
	if !inserted {
		// Another writer for a different user key raced us on the same source.
		existing, err := l.store.GetLedgerEntryBySource(ctx, req.BusinessType, req.SourceID)
		if err != nil {
			return domain.DeltaResult{}, fmt.Errorf("failed to re-read ledger entry: %w", err)
		}
		if existing == nil {
			return domain.DeltaResult{}, fmt.Errorf("ledger entry for %s/%s vanished after conflict", req.BusinessType, req.SourceID)
		}
		return replay(req, existing)
	}
	return domain.DeltaResult{Entry: entry}, nil
}

// Balance returns the user's current balance, zero when no entry exists.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	return l.balance(ctx, userID)
}

// List returns a filtered page of entries together with the unpaged total.
func (l *Ledger) List(ctx context.Context, filter domain.LedgerFilter) (domain.LedgerListResponse, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return domain.LedgerListResponse{}, fmt.Errorf("%w: limit and offset must be non-negative", domain.ErrValidation)
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	items, err := l.store.ListLedgerEntries(ctx, filter)
	if err != nil {
		return domain.LedgerListResponse{}, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	total, err := l.Count(ctx, filter)
	if err != nil {
		return domain.LedgerListResponse{}, err
	}
	if items == nil {
		items = []domain.LedgerEntry{}
	}
	return domain.LedgerListResponse{Items: items, Total: total}, nil
}

// Count returns the number of entries matching filter.
func (l *Ledger) Count(ctx context.Context, filter domain.LedgerFilter) (int64, error) {
	n, err := l.store.CountLedgerEntries(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}
	return n, nil
}

func (l *Ledger) balance(ctx context.Context, userID string) (int64, error) {
	latest, err := l.store.LatestLedgerEntry(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	if latest == nil {
		return 0, nil
	}
	return latest.BalanceAfter, nil
}

// replay answers a repeated source with the stored entry, which is authoritative
// even when the request disagrees with it.
func replay(req domain.DeltaRequest, existing *domain.LedgerEntry) (domain.DeltaResult, error) {
	if existing.UserID != req.UserID || existing.Delta != req.Delta {
		slog.Warn("ledger replay differs from recorded entry",
			"business_type", req.BusinessType, "source_id", req.SourceID,
			"recorded_user", existing.UserID, "recorded_delta", existing.Delta,
			"requested_user", req.UserID, "requested_delta", req.Delta)
	}
	return domain.DeltaResult{Entry: *existing, Replayed: true}, nil
}

func validateDelta(req domain.DeltaRequest) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	case strings.TrimSpace(req.SourceID) == "":
		return fmt.Errorf("%w: source_id is required", domain.ErrValidation)
	case !req.BusinessType.IsValid():
		return fmt.Errorf("%w: unknown business_type %q", domain.ErrValidation, req.BusinessType)
	case !req.SourceType.IsValid():
		return fmt.Errorf("%w: unknown source_type %q", domain.ErrValidation, req.SourceType)
	case req.Delta == 0:
		return fmt.Errorf("%w: delta must be non-zero", domain.ErrValidation)
	}
	return nil
}
