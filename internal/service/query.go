package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/ledger"
)

const actionGrantCredits = "credits.grant"

// GetRun returns a run. ownerID, when set, must match.
func (s *Service) GetRun(ctx context.Context, runID, ownerID string) (*domain.Run, error) {
	return s.loadOwnedRun(ctx, runID, ownerID)
}

// ListEvents pages a run's event log after afterSeq.
func (s *Service) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) (domain.EventPage, error) {
	if afterSeq < 0 {
		return domain.EventPage{}, fmt.Errorf("%w: after_seq must be non-negative", domain.ErrValidation)
	}
	if _, err := s.loadRun(ctx, runID); err != nil {
		return domain.EventPage{}, err
	}
	return s.logs.ListAfter(ctx, runID, afterSeq, limit)
}

// ListMessages pages a run's conversation after afterSeq.
func (s *Service) ListMessages(ctx context.Context, runID string, afterSeq int64, limit int, excludeInitial bool) (domain.MessagePage, error) {
	if afterSeq < 0 {
		return domain.MessagePage{}, fmt.Errorf("%w: after_seq must be non-negative", domain.ErrValidation)
	}
	if _, err := s.loadRun(ctx, runID); err != nil {
		return domain.MessagePage{}, err
	}
	return s.logs.ListMessagesAfter(ctx, runID, afterSeq, limit, excludeInitial)
}

// ApplyDelta applies a ledger delta on behalf of an internal caller.
func (s *Service) ApplyDelta(ctx context.Context, req domain.DeltaRequest) (domain.DeltaResult, error) {
	return s.ledger.ApplyDelta(ctx, req)
}

// Balance returns a user's credit balance.
func (s *Service) Balance(ctx context.Context, userID string) (domain.BalanceResponse, error) {
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return domain.BalanceResponse{}, err
	}
	return domain.BalanceResponse{UserID: userID, Balance: balance}, nil
}

// ListLedger returns filtered ledger entries with their total.
func (s *Service) ListLedger(ctx context.Context, filter domain.LedgerFilter) (domain.LedgerListResponse, error) {
	return s.ledger.List(ctx, filter)
}

// CountLedger counts filtered ledger entries.
func (s *Service) CountLedger(ctx context.Context, filter domain.LedgerFilter) (int64, error) {
	return s.ledger.Count(ctx, filter)
}

// GrantCredits credits a user once per (operator, idempotency key). The stored
// response is returned on replay.
func (s *Service) GrantCredits(ctx context.Context, req domain.GrantCreditsRequest) (json.RawMessage, bool, error) {
	if req.UserID == "" {
		return nil, false, fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	if req.Amount <= 0 {
		return nil, false, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	return s.guard.Do(ctx, ledger.AdminRequest{
		OperatorID:     req.OperatorID,
		Action:         actionGrantCredits,
		TargetID:       req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req,
	}, func(ctx context.Context) (any, error) {
		var ext json.RawMessage
		if req.Reason != "" {
			ext, _ = json.Marshal(map[string]string{"reason": req.Reason})
		}
		res, err := s.ledger.ApplyDelta(ctx, domain.DeltaRequest{
			UserID:         req.UserID,
			BusinessType:   domain.BusinessAdminGrant,
			Delta:          req.Amount,
			SourceType:     domain.SourceAdmin,
			SourceID:       "grant:" + req.OperatorID + ":" + req.IdempotencyKey,
			OperatorID:     req.OperatorID,
			IdempotencyKey: req.IdempotencyKey,
			Ext:            ext,
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info("credits granted", "operator_id", req.OperatorID, "user_id", req.UserID, "amount", req.Amount)
		return res.Entry, nil
	})
}
