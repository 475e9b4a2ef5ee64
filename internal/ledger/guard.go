package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/xiaot623/agentrun/internal/domain"
)

// IdempotencyStore persists admin idempotency records.
type IdempotencyStore interface {
	InsertAdminIdempotency(ctx context.Context, rec *domain.AdminIdempotencyRecord) (bool, error)
	GetAdminIdempotency(ctx context.Context, operatorID, action, key string) (*domain.AdminIdempotencyRecord, error)
	ReclaimAdminIdempotency(ctx context.Context, operatorID, action, key, requestHash string, staleBefore time.Time) (bool, error)
	FinishAdminIdempotency(ctx context.Context, operatorID, action, key string, status domain.IdempotencyStatus, response []byte) (bool, error)
}

// AdminRequest identifies one mutating administrative action.
type AdminRequest struct {
	OperatorID     string
	Action         string
	TargetID       string
	IdempotencyKey string
	// Payload is hashed to detect key reuse with different parameters.
	Payload any
}

// DefaultStaleAfter is how long a PROCESSING record may go without finishing
// before another request for the same key may take it over.
const DefaultStaleAfter = 15 * time.Minute

// Guard runs administrative side effects at most once per (operator, action, key).
type Guard struct {
	store      IdempotencyStore
	staleAfter time.Duration
	now        func() time.Time
}

func NewGuard(store IdempotencyStore) *Guard {
	return &Guard{store: store, staleAfter: DefaultStaleAfter, now: time.Now}
}

// Do executes fn once for req and caches its JSON response. Replays of a completed
// request return the cached response with replayed set.
func (g *Guard) Do(ctx context.Context, req AdminRequest, fn func(ctx context.Context) (any, error)) (json.RawMessage, bool, error) {
	if strings.TrimSpace(req.OperatorID) == "" || strings.TrimSpace(req.Action) == "" {
		return nil, false, fmt.Errorf("%w: operator_id and action are required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, false, fmt.Errorf("%w: idempotency_key is required", domain.ErrValidation)
	}
	hash, err := RequestHash(req)
	if err != nil {
		return nil, false, err
	}

	won, err := g.store.InsertAdminIdempotency(ctx, &domain.AdminIdempotencyRecord{
		OperatorID:     req.OperatorID,
		Action:         req.Action,
		TargetID:       req.TargetID,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    hash,
	})
	if err != nil {
		return nil, false, err
	}
	if !won {
		rec, err := g.store.GetAdminIdempotency(ctx, req.OperatorID, req.Action, req.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read idempotency record: %w", err)
		}
		if rec == nil {
			return nil, false, fmt.Errorf("idempotency record for %s/%s disappeared", req.Action, req.IdempotencyKey)
		}
		if rec.RequestHash != hash {
			return nil, false, domain.ErrIdempotencyKeyReuse
		}
		staleBefore := g.now().Add(-g.staleAfter)
		switch rec.Status {
		case domain.IdempotencyCompleted:
			return rec.Response, true, nil
		case domain.IdempotencyProcessing:
			if rec.UpdatedAt.After(staleBefore) {
				return nil, false, domain.ErrIdempotencyInProgress
			}
			slog.Warn("taking over stale idempotency record", "action", req.Action, "key", req.IdempotencyKey, "updated_at", rec.UpdatedAt)
		}
		reclaimed, err := g.store.ReclaimAdminIdempotency(ctx, req.OperatorID, req.Action, req.IdempotencyKey, hash, staleBefore)
		if err != nil {
			return nil, false, fmt.Errorf("failed to reclaim idempotency record: %w", err)
		}
		if !reclaimed {
			return nil, false, domain.ErrIdempotencyInProgress
		}
	}

	result, runErr := fn(ctx)
	if runErr != nil {
		if _, err := g.store.FinishAdminIdempotency(ctx, req.OperatorID, req.Action, req.IdempotencyKey, domain.IdempotencyFailed, nil); err != nil {
			slog.Warn("failed to mark idempotency record failed", "action", req.Action, "key", req.IdempotencyKey, "error", err)
		}
		return nil, false, runErr
	}

	response, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode admin response: %w", err)
	}
	if _, err := g.store.FinishAdminIdempotency(ctx, req.OperatorID, req.Action, req.IdempotencyKey, domain.IdempotencyCompleted, response); err != nil {
		return nil, false, fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	return response, false, nil
}

// RequestHash fingerprints the action, target and payload of req.
func RequestHash(req AdminRequest) (string, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode admin payload: %w", err)
	}
	d := xxhash.New()
	_, _ = d.WriteString(req.Action)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(req.TargetID)
	_, _ = d.WriteString("\x00")
	_, _ = d.Write(payload)
	return strconv.FormatUint(d.Sum64(), 16), nil
}
