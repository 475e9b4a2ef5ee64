package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaot623/agentrun/internal/domain"
)

// transition writes run in status next with a compare-and-swap on its version.
// mutate edits a copy before the write; the caller's run is left untouched.
// A self-transition is a checkpoint.
func (s *Service) transition(ctx context.Context, run *domain.Run, next domain.RunStatus, mutate func(r *domain.Run)) (*domain.Run, error) {
	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is %s", domain.ErrRunTerminal, run.RunID, run.Status)
	}
	if next != run.Status && !run.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, run.Status, next)
	}

	updated := *run
	updated.Snapshot = run.Snapshot.Clone()
	updated.Plan = append([]domain.PlanStep(nil), run.Plan...)
	if mutate != nil {
		mutate(&updated)
	}
	updated.Status = next
	now := s.now()
	updated.UpdatedAt = now
	if next.IsTerminal() {
		updated.CompletedAt = &now
	}
	if updated.CurrentStep < run.CurrentStep {
		return nil, fmt.Errorf("current step of %s moved backwards: %d -> %d", run.RunID, run.CurrentStep, updated.CurrentStep)
	}
	if updated.MaxSteps > 0 && updated.CurrentStep > updated.MaxSteps {
		return nil, fmt.Errorf("current step %d of %s exceeds max steps %d", updated.CurrentStep, run.RunID, updated.MaxSteps)
	}

	ok, err := s.store.UpdateRun(ctx, &updated, run.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: run %s at version %d", domain.ErrVersionConflict, run.RunID, run.Version)
	}
	if next != run.Status {
		s.record(ctx, run.RunID, domain.EventTypeStatusChanged, domain.StatusChangedPayload{From: run.Status, To: next})
	}
	return &updated, nil
}

// finish moves run to a terminal status and records the matching end event.
func (s *Service) finish(ctx context.Context, run *domain.Run, status domain.RunStatus, reason string) (*domain.Run, error) {
	pending := run.Snapshot.Pending
	updated, err := s.transition(ctx, run, status, func(r *domain.Run) {
		if status == domain.RunStatusFailed {
			r.LastError = reason
		}
	})
	if err != nil {
		return nil, err
	}
	if pending != nil && s.sandbox != nil {
		s.sandbox.Forget(pending.TaskID)
	}

	eventType := map[domain.RunStatus]domain.EventType{
		domain.RunStatusCompleted: domain.EventTypeRunCompleted,
		domain.RunStatusFailed:    domain.EventTypeRunFailed,
		domain.RunStatusCanceled:  domain.EventTypeRunCanceled,
		domain.RunStatusExpired:   domain.EventTypeRunExpired,
	}[status]
	s.record(ctx, run.RunID, eventType, domain.RunEndedPayload{Status: status, Reason: reason})
	s.logger.Info("run finished", "run_id", run.RunID, "status", status, "reason", reason)
	return updated, nil
}

// fail ends run as FAILED with err as last_error.
func (s *Service) fail(ctx context.Context, run *domain.Run, err error) (*domain.Run, error) {
	return s.finish(ctx, run, domain.RunStatusFailed, err.Error())
}

// forceFinish retries a terminal transition against concurrent writers until it
// lands or the run is already terminal.
func (s *Service) forceFinish(ctx context.Context, runID string, status domain.RunStatus, reason string, allowed func(*domain.Run) (bool, error)) (*domain.Run, error) {
	for attempt := 0; attempt < 5; attempt++ {
		run, err := s.loadRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if ok, err := allowed(run); err != nil || !ok {
			return run, err
		}
		updated, err := s.finish(ctx, run, status, reason)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		return updated, err
	}
	return nil, fmt.Errorf("%w: gave up moving run %s to %s", domain.ErrVersionConflict, runID, status)
}

func (s *Service) loadRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: run %s", domain.ErrNotFound, runID)
	}
	return run, nil
}

// loadOwnedRun loads a run and checks ownerID when one is given.
func (s *Service) loadOwnedRun(ctx context.Context, runID, ownerID string) (*domain.Run, error) {
	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && run.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: run %s belongs to another owner", domain.ErrForbidden, runID)
	}
	return run, nil
}
