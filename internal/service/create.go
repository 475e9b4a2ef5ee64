package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/repository"
)

// CreateRun accepts a goal, charges the creation fee and moves the run to PLANNING.
// Repeating a request with the same (owner, idempotency key) returns the first run.
func (s *Service) CreateRun(ctx context.Context, req domain.CreateRunRequest) (*domain.Run, error) {
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		return nil, fmt.Errorf("%w: goal is required", domain.ErrValidation)
	}
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner_id is required", domain.ErrValidation)
	}
	if s.config.MaxGoalLength > 0 && utf8.RuneCountInString(req.Goal) > s.config.MaxGoalLength {
		return nil, fmt.Errorf("%w: goal exceeds %d characters", domain.ErrValidation, s.config.MaxGoalLength)
	}
	if req.MaxSteps < 0 || req.MaxSteps > s.config.MaxPlanSteps {
		return nil, fmt.Errorf("%w: max_steps must be between 0 and %d", domain.ErrValidation, s.config.MaxPlanSteps)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetRunByIdempotencyKey(ctx, req.OwnerID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	if !s.limiter.Allow(req.OwnerID) {
		return nil, fmt.Errorf("%w: owner %s", domain.ErrRateLimited, req.OwnerID)
	}

	balance, err := s.ledger.Balance(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	required := max(s.config.MinRunBalance, s.config.RunCreateCost)
	if balance < required {
		return nil, fmt.Errorf("%w: balance %d below %d", domain.ErrInsufficientCredits, balance, required)
	}

	maxSteps := req.MaxSteps
	if maxSteps == 0 {
		maxSteps = s.config.MaxPlanSteps
	}
	now := s.now()
	run := &domain.Run{
		RunID:          "run_" + uuid.NewString(),
		OwnerID:        req.OwnerID,
		Goal:           req.Goal,
		Status:         domain.RunStatusReceived,
		MaxSteps:       maxSteps,
		Debug:          req.Debug,
		IdempotencyKey: req.IdempotencyKey,
		ExpiresAt:      now.Add(s.config.RunTTL),
		StartedAt:      now,
		UpdatedAt:      now,
		Ext:            req.Ext,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, repository.ErrConflict) && req.IdempotencyKey != "" {
			existing, getErr := s.store.GetRunByIdempotencyKey(ctx, req.OwnerID, req.IdempotencyKey)
			if getErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	s.record(ctx, run.RunID, domain.EventTypeRunCreated, domain.RunCreatedPayload{OwnerID: run.OwnerID, Goal: run.Goal})

	if s.config.RunCreateCost > 0 {
		if err := s.charge(ctx, run, domain.BusinessRunCreate, domain.SourceRun, run.RunID, s.config.RunCreateCost); err != nil {
			if _, failErr := s.fail(ctx, run, err); failErr != nil {
				s.logger.Error("failed to fail run after charge error", "run_id", run.RunID, "error", failErr)
			}
			return nil, err
		}
	}

	msg, err := s.logs.AppendMessage(ctx, domain.Message{
		RunID:   run.RunID,
		Role:    domain.RoleUser,
		Content: run.Goal,
		Type:    domain.MessageTypeInitial,
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, run.RunID, domain.EventTypeMessageAdded, domain.MessageAddedPayload{Seq: msg.Seq, Role: msg.Role, Type: msg.Type})

	planning, err := s.transition(ctx, run, domain.RunStatusPlanning, nil)
	if err != nil {
		return nil, err
	}
	s.logger.Info("run created", "run_id", run.RunID, "owner_id", run.OwnerID, "debug", run.Debug)
	return planning, nil
}

// charge debits amount from the run owner. Replays of the same source are free.
func (s *Service) charge(ctx context.Context, run *domain.Run, business domain.BusinessType, source domain.SourceType, sourceID string, amount int64) error {
	res, err := s.ledger.ApplyDelta(ctx, domain.DeltaRequest{
		UserID:       run.OwnerID,
		BusinessType: business,
		Delta:        -amount,
		SourceType:   source,
		SourceID:     sourceID,
	})
	if err != nil {
		return fmt.Errorf("failed to charge %s: %w", sourceID, err)
	}
	if !res.Replayed {
		s.record(ctx, run.RunID, domain.EventTypeCreditCharged, domain.CreditChargedPayload{
			LedgerID:     res.Entry.LedgerID,
			BusinessType: business,
			Delta:        res.Entry.Delta,
			BalanceAfter: res.Entry.BalanceAfter,
		})
	}
	return nil
}
