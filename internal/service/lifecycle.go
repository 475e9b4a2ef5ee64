package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Resume re-arms a non-terminal run's TTL and drives it again. A WAITING run may
// be resumed after its TTL elapsed as long as no sweep expired it yet.
func (s *Service) Resume(ctx context.Context, runID, ownerID string) (*domain.Run, error) {
	run, err := s.loadOwnedRun(ctx, runID, ownerID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is %s", domain.ErrNotResumable, runID, run.Status)
	}
	if run.Status != domain.RunStatusWaiting && !s.now().Before(run.ExpiresAt) {
		return nil, fmt.Errorf("%w: run %s ttl elapsed", domain.ErrNotResumable, runID)
	}

	resumed, err := s.transition(ctx, run, run.Status, func(r *domain.Run) {
		r.ExpiresAt = s.now().Add(s.config.RunTTL)
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, runID, domain.EventTypeRunResumed, domain.StatusChangedPayload{From: run.Status, To: resumed.Status})
	return s.Advance(ctx, runID)
}

// Cancel stops a run. Canceling a canceled run is a no-op; other terminal runs
// cannot be canceled. Credits already charged stay charged.
func (s *Service) Cancel(ctx context.Context, runID, ownerID string) (*domain.Run, error) {
	if _, err := s.loadOwnedRun(ctx, runID, ownerID); err != nil {
		return nil, err
	}
	return s.forceFinish(ctx, runID, domain.RunStatusCanceled, "canceled by owner", func(run *domain.Run) (bool, error) {
		switch {
		case run.Status == domain.RunStatusCanceled:
			return false, nil
		case run.Status.IsTerminal():
			return false, fmt.Errorf("%w: run %s is %s", domain.ErrRunTerminal, runID, run.Status)
		}
		return true, nil
	})
}

// Expire moves a run whose TTL elapsed to EXPIRED. Runs that are terminal or
// still within their TTL are returned unchanged.
func (s *Service) Expire(ctx context.Context, runID string) (*domain.Run, error) {
	now := s.now()
	return s.forceFinish(ctx, runID, domain.RunStatusExpired, "ttl elapsed", func(run *domain.Run) (bool, error) {
		return !run.Status.IsTerminal() && !now.Before(run.ExpiresAt), nil
	})
}

// ExpireRuns expires every non-terminal run whose TTL elapsed at now.
func (s *Service) ExpireRuns(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for {
		runs, err := s.store.ListExpiredRuns(ctx, now, 100)
		if err != nil {
			return expired, fmt.Errorf("failed to list expired runs: %w", err)
		}
		if len(runs) == 0 {
			return expired, nil
		}
		progress := 0
		for _, run := range runs {
			updated, err := s.forceFinish(ctx, run.RunID, domain.RunStatusExpired, "ttl elapsed", func(r *domain.Run) (bool, error) {
				return !r.Status.IsTerminal() && !now.Before(r.ExpiresAt), nil
			})
			if err != nil {
				s.logger.Warn("failed to expire run", "run_id", run.RunID, "error", err)
				continue
			}
			if updated.Status == domain.RunStatusExpired {
				expired++
				progress++
			}
		}
		if progress == 0 {
			return expired, nil
		}
	}
}

// SendMessage appends a follow-up user message. A WAITING run is driven again so
// a pending await_user step can consume the reply.
func (s *Service) SendMessage(ctx context.Context, runID string, req domain.SendMessageRequest) (*domain.SendMessageResponse, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", domain.ErrValidation)
	}
	run, err := s.loadOwnedRun(ctx, runID, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is %s", domain.ErrRunTerminal, runID, run.Status)
	}

	msg, err := s.logs.AppendMessage(ctx, domain.Message{
		RunID:    runID,
		Role:     domain.RoleUser,
		Content:  content,
		Metadata: req.Metadata,
		Type:     domain.MessageTypeFollowUp,
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, runID, domain.EventTypeMessageAdded, domain.MessageAddedPayload{Seq: msg.Seq, Role: msg.Role, Type: msg.Type})

	status := run.Status
	if run.Status == domain.RunStatusWaiting {
		advanced, err := s.Advance(ctx, runID)
		if err != nil {
			s.logger.Warn("advance after message failed", "run_id", runID, "error", err)
		}
		if advanced != nil {
			status = advanced.Status
		}
	}
	return &domain.SendMessageResponse{RunID: runID, Seq: msg.Seq, Status: status}, nil
}

// HandleSandboxCallback drives the run waiting on the notified task.
func (s *Service) HandleSandboxCallback(ctx context.Context, req domain.SandboxCallbackRequest) (*domain.Run, error) {
	if req.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id is required", domain.ErrValidation)
	}
	run, err := s.store.GetWaitingRunByTaskID(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to find run for task: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: no run waiting on task %s", domain.ErrNotFound, req.TaskID)
	}
	return s.Advance(ctx, run.RunID)
}
