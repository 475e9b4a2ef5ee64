package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/execctx"
	"github.com/xiaot623/agentrun/policy"
)

const summaryClaimSlack = 30 * time.Second

// Advance drives a run through as many transitions as it can make without
// waiting on the outside world. It is safe to call at any time: a run that is
// terminal, already being driven, or blocked is returned unchanged.
func (s *Service) Advance(ctx context.Context, runID string) (*domain.Run, error) {
	unlock, ok := s.runLocks.TryLock(runID)
	if !ok {
		return s.loadRun(ctx, runID)
	}
	defer unlock()

	ctx, span := s.tracer.Start(ctx, "run.advance", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	run, err := s.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	// Each plan step needs at most a few transitions; retries add one per attempt.
	budget := (run.MaxSteps+2)*(s.config.MaxStepAttempts+3) + s.config.MaxStepAttempts + 8
	for i := 0; i < budget; i++ {
		if run.Status.IsTerminal() {
			break
		}

		var next *domain.Run
		progressed := false
		if !s.now().Before(run.ExpiresAt) {
			next, err = s.finish(ctx, run, domain.RunStatusExpired, "ttl elapsed")
		} else {
			next, progressed, err = s.step(ctx, run)
		}
		if err != nil {
			break
		}
		run = next
		if !progressed {
			break
		}
	}
	if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrRunTerminal) {
		// Someone else moved the run; their write wins.
		return s.loadRun(ctx, runID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return run, err
	}
	span.SetAttributes(attribute.String("run.status", string(run.Status)), attribute.Int("run.current_step", run.CurrentStep))
	return run, nil
}

// step performs one transition. progressed is false when the run must wait.
func (s *Service) step(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	info := execctx.Info{
		RunID:     run.RunID,
		OwnerID:   run.OwnerID,
		MaxRefine: s.config.MaxRefineAttempt,
		Debug:     run.Debug,
	}
	ctx = execctx.With(ctx, info)

	switch run.Status {
	case domain.RunStatusReceived:
		next, err := s.transition(ctx, run, domain.RunStatusPlanning, nil)
		return next, err == nil, err
	case domain.RunStatusPlanning:
		return s.plan(execctx.With(ctx, info.WithPhase(execctx.PhasePlan)), run)
	case domain.RunStatusExecuting:
		return s.execute(execctx.With(ctx, info.WithPhase(execctx.PhaseExecute)), run)
	case domain.RunStatusWaiting:
		return s.wait(execctx.With(ctx, info.WithPhase(execctx.PhaseWait)), run)
	case domain.RunStatusSummarizing:
		return s.summarize(execctx.With(ctx, info.WithPhase(execctx.PhaseSummarize)), run)
	}
	return run, false, fmt.Errorf("%w: unexpected status %s", domain.ErrInvalidTransition, run.Status)
}

func (s *Service) plan(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	log := execctx.Logger(ctx, s.logger)
	if s.planner == nil {
		next, err := s.fail(ctx, run, errors.New("no planner configured"))
		return next, false, err
	}

	history, err := s.logs.ReadAllMessages(ctx, run.RunID)
	if err != nil {
		return run, false, err
	}
	genCtx, cancel := context.WithTimeout(ctx, s.config.GeneratorTimeout)
	steps, err := s.planner.Plan(genCtx, run.Goal, history)
	cancel()
	if err == nil {
		err = s.validatePlan(run, steps)
	}
	if err != nil {
		attempt := run.Snapshot.PlanAttempts + 1
		fatal := !domain.IsRetryable(err) || attempt >= s.config.MaxStepAttempts
		s.record(ctx, run.RunID, domain.EventTypePlanFailed, domain.StepPayload{Attempt: attempt, Error: err.Error(), Fatal: fatal})
		log.Warn("planning failed", "attempt", attempt, "fatal", fatal, "error", err)
		if fatal {
			next, ferr := s.fail(ctx, run, fmt.Errorf("planning failed: %w", err))
			return next, false, ferr
		}
		next, terr := s.transition(ctx, run, domain.RunStatusPlanning, func(r *domain.Run) {
			r.Snapshot.PlanAttempts = attempt
			r.LastError = err.Error()
		})
		return next, terr == nil, terr
	}

	next, err := s.transition(ctx, run, domain.RunStatusExecuting, func(r *domain.Run) {
		r.Plan = steps
		r.MaxSteps = len(steps)
		r.CurrentStep = 0
		r.Snapshot = domain.Snapshot{}
		r.LastError = ""
	})
	if err != nil {
		return run, false, err
	}
	s.record(ctx, run.RunID, domain.EventTypePlanGenerated, domain.PlanGeneratedPayload{Steps: steps})
	log.Info("plan generated", "steps", len(steps))
	return next, true, nil
}

// validatePlan checks the generated plan against the closed tool set and the step cap.
func (s *Service) validatePlan(run *domain.Run, steps []domain.PlanStep) error {
	limit := run.MaxSteps
	if limit <= 0 || limit > s.config.MaxPlanSteps {
		limit = s.config.MaxPlanSteps
	}
	if len(steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", domain.ErrContractViolation)
	}
	if len(steps) > limit {
		return fmt.Errorf("%w: plan has %d steps, limit is %d", domain.ErrContractViolation, len(steps), limit)
	}
	for _, step := range steps {
		if step.ToolName == domain.ToolDone || step.ToolName == domain.ToolAwaitUser {
			continue
		}
		if !s.tools.Has(step.ToolName) {
			return fmt.Errorf("%w: step %s uses unknown tool %q", domain.ErrContractViolation, step.StepID, step.ToolName)
		}
	}
	return nil
}

func (s *Service) execute(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	if run.CurrentStep >= run.MaxSteps || run.CurrentStep >= len(run.Plan) {
		next, err := s.transition(ctx, run, domain.RunStatusSummarizing, nil)
		return next, err == nil, err
	}

	index := run.CurrentStep
	step := run.Plan[index]
	ctx = execctx.With(ctx, execctx.MustFrom(ctx).WithTodo(step.StepID, index+1).WithStage(step.ToolName))
	ctx, span := s.tracer.Start(ctx, "run.step", trace.WithAttributes(
		attribute.String("run.id", run.RunID),
		attribute.String("step.id", step.StepID),
		attribute.String("step.tool", step.ToolName),
	))
	defer span.End()
	log := execctx.Logger(ctx, s.logger)

	switch step.ToolName {
	case domain.ToolDone:
		next, err := s.transition(ctx, run, domain.RunStatusSummarizing, func(r *domain.Run) {
			r.CurrentStep = index + 1
			r.Snapshot.Attempts = 0
		})
		if err != nil {
			return run, false, err
		}
		s.record(ctx, run.RunID, domain.EventTypeStepCompleted, domain.StepPayload{StepID: step.StepID, Index: index, ToolName: step.ToolName})
		return next, true, nil

	case domain.ToolAwaitUser:
		return s.awaitUser(ctx, run, index, step)
	}

	attempt := run.Snapshot.Attempts + 1
	if err := s.admit(ctx, run, index, step); err != nil {
		return s.stepFailed(ctx, run, index, step, attempt, err)
	}
	if cost := s.config.StepCost(step.ToolName); cost > 0 {
		if err := s.charge(ctx, run, domain.BusinessStepCharge, domain.SourceStep, run.RunID+":"+step.StepID, cost); err != nil {
			return s.stepFailed(ctx, run, index, step, attempt, err)
		}
	}

	s.record(ctx, run.RunID, domain.EventTypeStepStarted, domain.StepPayload{StepID: step.StepID, Index: index, ToolName: step.ToolName, Attempt: attempt})
	log.Info("step started", "attempt", attempt)

	out, err := s.tools.Execute(ctx, step.ToolName, step.Parameters)
	if err != nil {
		span.RecordError(err)
		return s.stepFailed(ctx, run, index, step, attempt, err)
	}

	if out.Async() {
		next, err := s.transition(ctx, run, domain.RunStatusWaiting, func(r *domain.Run) {
			r.Snapshot.Attempts = attempt
			r.Snapshot.Pending = &domain.PendingTask{
				TaskID:      out.TaskID,
				StepID:      step.StepID,
				SubmittedAt: s.now(),
				LastStatus:  domain.SandboxStatusPending,
			}
		})
		if err != nil {
			return run, false, err
		}
		log.Info("step waiting on sandbox task", "task_id", out.TaskID)
		return next, true, nil
	}

	return s.completeStep(ctx, run, index, step, domain.StepPayload{Output: out.Output})
}

// completeStep records the step output, moves current_step forward and resumes execution.
func (s *Service) completeStep(ctx context.Context, run *domain.Run, index int, step domain.PlanStep, payload domain.StepPayload) (*domain.Run, bool, error) {
	next, err := s.transition(ctx, run, domain.RunStatusExecuting, func(r *domain.Run) {
		r.CurrentStep = index + 1
		r.Snapshot.Results = append(r.Snapshot.Results, domain.StepResult{
			StepID:      step.StepID,
			ToolName:    step.ToolName,
			Output:      payload.Output,
			CompletedAt: s.now(),
		})
		r.Snapshot.Attempts = 0
		r.Snapshot.Pending = nil
		r.Snapshot.Awaiting = nil
		r.LastError = ""
	})
	if err != nil {
		return run, false, err
	}
	payload.StepID = step.StepID
	payload.Index = index
	payload.ToolName = step.ToolName
	s.record(ctx, run.RunID, domain.EventTypeStepCompleted, payload)
	execctx.Logger(ctx, s.logger).Info("step completed")
	return next, true, nil
}

// stepFailed records a failed attempt. Retryable errors keep the run executing
// until the attempt budget is spent; everything else fails the run.
func (s *Service) stepFailed(ctx context.Context, run *domain.Run, index int, step domain.PlanStep, attempt int, cause error) (*domain.Run, bool, error) {
	fatal := !domain.IsRetryable(cause) || attempt >= s.config.MaxStepAttempts
	s.record(ctx, run.RunID, domain.EventTypeStepFailed, domain.StepPayload{
		StepID: step.StepID, Index: index, ToolName: step.ToolName, Attempt: attempt, Error: cause.Error(), Fatal: fatal,
	})
	execctx.Logger(ctx, s.logger).Warn("step failed", "attempt", attempt, "fatal", fatal, "error", cause)
	if fatal {
		next, err := s.fail(ctx, run, fmt.Errorf("step %s failed: %w", step.StepID, cause))
		return next, false, err
	}
	next, err := s.transition(ctx, run, domain.RunStatusExecuting, func(r *domain.Run) {
		r.Snapshot.Attempts = attempt
		r.Snapshot.Pending = nil
		r.LastError = cause.Error()
	})
	return next, err == nil, err
}

// admit asks the step policy whether the step may run.
func (s *Service) admit(ctx context.Context, run *domain.Run, index int, step domain.PlanStep) error {
	if s.policy == nil {
		return nil
	}
	params := map[string]any{}
	if len(step.Parameters) > 0 {
		if err := json.Unmarshal(step.Parameters, &params); err != nil {
			return fmt.Errorf("%w: step parameters are not an object: %v", domain.ErrContractViolation, err)
		}
	}
	decision, err := s.policy.Evaluate(ctx, policy.StepInput{
		RunID:     run.RunID,
		OwnerID:   run.OwnerID,
		StepID:    step.StepID,
		StepIndex: index,
		ToolName:  step.ToolName,
		Params:    params,
		Limits:    policy.Limits{MaxSandboxTimeoutSeconds: int(s.config.SandboxTimeout.Seconds())},
	})
	if err != nil {
		return err
	}
	s.record(ctx, run.RunID, domain.EventTypePolicyDecision, domain.PolicyDecisionPayload{
		StepID: step.StepID, ToolName: step.ToolName, Decision: decision.Decision, Reason: decision.Reason,
	})
	if !decision.Allowed() {
		return fmt.Errorf("%w: blocked by step policy: %s", domain.ErrContractViolation, decision.Reason)
	}
	return nil
}

type awaitParams struct {
	Prompt string `json:"prompt"`
}

func (s *Service) awaitUser(ctx context.Context, run *domain.Run, index int, step domain.PlanStep) (*domain.Run, bool, error) {
	var p awaitParams
	if len(step.Parameters) > 0 {
		if err := json.Unmarshal(step.Parameters, &p); err != nil {
			return s.stepFailed(ctx, run, index, step, run.Snapshot.Attempts+1,
				fmt.Errorf("%w: invalid await_user parameters: %v", domain.ErrContractViolation, err))
		}
	}
	latest, err := s.logs.LatestUserMessage(ctx, run.RunID)
	if err != nil {
		return run, false, err
	}
	var after int64
	if latest != nil {
		after = latest.Seq
	}
	next, err := s.transition(ctx, run, domain.RunStatusWaiting, func(r *domain.Run) {
		r.Snapshot.Awaiting = &domain.PendingInput{StepID: step.StepID, Prompt: p.Prompt, AfterSeq: after}
	})
	if err != nil {
		return run, false, err
	}
	output, _ := json.Marshal(p)
	s.record(ctx, run.RunID, domain.EventTypeStepStarted, domain.StepPayload{StepID: step.StepID, Index: index, ToolName: step.ToolName, Output: output})
	return next, true, nil
}

func (s *Service) wait(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	switch {
	case run.Snapshot.Pending != nil:
		return s.pollSandbox(ctx, run)
	case run.Snapshot.Awaiting != nil:
		return s.consumeReply(ctx, run)
	}
	next, err := s.transition(ctx, run, domain.RunStatusExecuting, nil)
	return next, err == nil, err
}

func (s *Service) pollSandbox(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	pending := run.Snapshot.Pending
	index := run.CurrentStep
	step := run.Plan[index]
	ctx = execctx.With(ctx, execctx.MustFrom(ctx).WithTodo(step.StepID, index+1).WithStage(step.ToolName))

	if s.sandbox == nil {
		return s.stepFailed(ctx, run, index, step, s.config.MaxStepAttempts, errors.New("no sandbox configured"))
	}
	task, err := s.sandbox.PollStatus(ctx, pending.TaskID)
	if err != nil {
		return s.pollFailed(ctx, run, index, step, fmt.Errorf("poll task %s: %w", pending.TaskID, err))
	}
	s.record(ctx, run.RunID, domain.EventTypeSandboxPolled, domain.SandboxPolledPayload{TaskID: task.TaskID, Status: task.Status, Error: task.Error})

	switch task.Status {
	case domain.SandboxStatusSucceeded:
		result, err := s.sandbox.ResultFor(ctx, task)
		if err != nil {
			return s.pollFailed(ctx, run, index, step, fmt.Errorf("fetch result of task %s: %w", task.TaskID, err))
		}
		output, err := json.Marshal(result)
		if err != nil {
			return run, false, fmt.Errorf("failed to encode sandbox result: %w", err)
		}
		next, progressed, err := s.completeStep(ctx, run, index, step, domain.StepPayload{TaskID: task.TaskID, Output: output})
		if err == nil {
			s.sandbox.Forget(task.TaskID)
		}
		return next, progressed, err

	case domain.SandboxStatusFailed:
		reason := task.Error
		if reason == "" {
			reason = "sandbox task failed"
		}
		return s.stepFailed(ctx, run, index, step, s.config.MaxStepAttempts,
			fmt.Errorf("%w: task %s: %s", domain.ErrContractViolation, task.TaskID, reason))

	case domain.SandboxStatusUnknown:
		unknown := pending.UnknownPolls + 1
		if unknown >= s.config.MaxUnknownPolls {
			return s.stepFailed(ctx, run, index, step, s.config.MaxStepAttempts,
				fmt.Errorf("task %s status unknown after %d polls: %s", task.TaskID, unknown, task.Error))
		}
		next, err := s.transition(ctx, run, domain.RunStatusWaiting, func(r *domain.Run) {
			r.Snapshot.Pending.Polls++
			r.Snapshot.Pending.UnknownPolls = unknown
			r.Snapshot.Pending.LastStatus = task.Status
		})
		if err != nil {
			return run, false, err
		}
		return next, false, nil
	}

	next, err := s.transition(ctx, run, domain.RunStatusWaiting, func(r *domain.Run) {
		r.Snapshot.Pending.Polls++
		r.Snapshot.Pending.UnknownPolls = 0
		r.Snapshot.Pending.LastStatus = task.Status
	})
	if err != nil {
		return run, false, err
	}
	return next, false, nil
}

// pollFailed charges a failed status poll or result fetch against the step's
// attempt budget. The run keeps waiting on the same task until the budget is spent.
func (s *Service) pollFailed(ctx context.Context, run *domain.Run, index int, step domain.PlanStep, cause error) (*domain.Run, bool, error) {
	pending := run.Snapshot.Pending
	attempt := pending.PollErrors + 1
	if !domain.IsRetryable(cause) || attempt >= s.config.MaxStepAttempts {
		return s.stepFailed(ctx, run, index, step, attempt, cause)
	}
	s.record(ctx, run.RunID, domain.EventTypeStepFailed, domain.StepPayload{
		StepID: step.StepID, Index: index, ToolName: step.ToolName, TaskID: pending.TaskID, Attempt: attempt, Error: cause.Error(),
	})
	execctx.Logger(ctx, s.logger).Warn("sandbox poll failed, will retry", "task_id", pending.TaskID, "attempt", attempt, "error", cause)
	next, err := s.transition(ctx, run, domain.RunStatusWaiting, func(r *domain.Run) {
		r.Snapshot.Pending.Polls++
		r.Snapshot.Pending.PollErrors = attempt
		r.LastError = cause.Error()
	})
	if err != nil {
		return run, false, err
	}
	return next, false, nil
}

func (s *Service) consumeReply(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	awaiting := run.Snapshot.Awaiting
	reply, err := s.logs.LatestUserMessage(ctx, run.RunID)
	if err != nil {
		return run, false, err
	}
	if reply == nil || reply.Seq <= awaiting.AfterSeq {
		return run, false, nil
	}
	index := run.CurrentStep
	step := run.Plan[index]
	output, _ := json.Marshal(map[string]any{"reply": reply.Content, "seq": reply.Seq})
	return s.completeStep(ctx, run, index, step, domain.StepPayload{Output: output})
}

func (s *Service) summarize(ctx context.Context, run *domain.Run) (*domain.Run, bool, error) {
	log := execctx.Logger(ctx, s.logger)
	messages, err := s.logs.ReadAllMessages(ctx, run.RunID)
	if err != nil {
		return run, false, err
	}
	for _, m := range messages {
		if m.Type == domain.MessageTypeSummary {
			next, err := s.finish(ctx, run, domain.RunStatusCompleted, "")
			return next, false, err
		}
	}
	if s.planner == nil {
		next, err := s.fail(ctx, run, errors.New("no summarizer configured"))
		return next, false, err
	}

	// Claim the summary under the run version before generating it, so only one
	// driver across engine instances appends the summary message.
	now := s.now()
	if claimed := run.Snapshot.SummaryClaimedAt; claimed != nil && now.Before(claimed.Add(s.summaryClaimTTL())) {
		log.Debug("summary claimed by another driver", "claimed_at", *claimed)
		return run, false, nil
	}
	owned, err := s.transition(ctx, run, domain.RunStatusSummarizing, func(r *domain.Run) {
		r.Snapshot.SummaryClaimedAt = &now
	})
	if err != nil {
		return run, false, err
	}
	run = owned

	events, err := s.logs.ReadAll(ctx, run.RunID)
	if err != nil {
		return run, false, err
	}
	genCtx, cancel := context.WithTimeout(ctx, s.config.GeneratorTimeout)
	summary, err := s.planner.Summarize(genCtx, run.Goal, events, messages)
	cancel()
	if err != nil {
		attempt := run.Snapshot.Attempts + 1
		fatal := !domain.IsRetryable(err) || attempt >= s.config.MaxStepAttempts
		s.record(ctx, run.RunID, domain.EventTypeSummaryFailed, domain.StepPayload{Attempt: attempt, Error: err.Error(), Fatal: fatal})
		log.Warn("summary failed", "attempt", attempt, "fatal", fatal, "error", err)
		if fatal {
			next, ferr := s.fail(ctx, run, fmt.Errorf("summary failed: %w", err))
			return next, false, ferr
		}
		next, terr := s.transition(ctx, run, domain.RunStatusSummarizing, func(r *domain.Run) {
			r.Snapshot.Attempts = attempt
			r.Snapshot.SummaryClaimedAt = nil
			r.LastError = err.Error()
		})
		return next, terr == nil, terr
	}

	msg, err := s.logs.AppendMessage(ctx, domain.Message{
		RunID:   run.RunID,
		Role:    domain.RoleAssistant,
		Content: summary,
		Type:    domain.MessageTypeSummary,
	})
	if err != nil {
		return run, false, err
	}
	s.record(ctx, run.RunID, domain.EventTypeMessageAdded, domain.MessageAddedPayload{Seq: msg.Seq, Role: msg.Role, Type: msg.Type})

	next, err := s.finish(ctx, run, domain.RunStatusCompleted, "")
	return next, false, err
}

// summaryClaimTTL bounds how long a claim blocks other drivers. A driver that
// died after claiming is replaced once the generator deadline has passed.
func (s *Service) summaryClaimTTL() time.Duration {
	return s.config.GeneratorTimeout + summaryClaimSlack
}
