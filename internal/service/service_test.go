package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/repository"
	"github.com/xiaot623/agentrun/internal/tools"
	"github.com/xiaot623/agentrun/policy"
	"github.com/xiaot623/agentrun/tests/helpers"
)

type scriptedPlanner struct {
	mu          sync.Mutex
	plan        []domain.PlanStep
	planErrs    []error
	planCalls   int
	summaries   int
	summaryErrs []error
}

func (p *scriptedPlanner) Plan(ctx context.Context, goal string, history []domain.Message) ([]domain.PlanStep, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.planCalls++
	if len(p.planErrs) > 0 {
		err := p.planErrs[0]
		p.planErrs = p.planErrs[1:]
		return nil, err
	}
	return append([]domain.PlanStep(nil), p.plan...), nil
}

func (p *scriptedPlanner) Summarize(ctx context.Context, goal string, events []domain.Event, messages []domain.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.summaryErrs) > 0 {
		err := p.summaryErrs[0]
		p.summaryErrs = p.summaryErrs[1:]
		return "", err
	}
	p.summaries++
	return "all steps done", nil
}

type fakeSandbox struct {
	mu          sync.Mutex
	status      domain.SandboxStatus
	taskError   string
	pollErr     error
	resultErr   error
	polls       int
	resultCalls int
	forgotten   []string
}

func (f *fakeSandbox) Submit(ctx context.Context, req *domain.SandboxSubmitRequest) (*domain.SandboxSubmitResponse, error) {
	return &domain.SandboxSubmitResponse{TaskID: "task-1", Status: domain.SandboxStatusPending}, nil
}

func (f *fakeSandbox) PollStatus(ctx context.Context, taskID string) (*domain.SandboxTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	return &domain.SandboxTask{TaskID: taskID, Status: f.status, Error: f.taskError}, nil
}

func (f *fakeSandbox) ResultFor(ctx context.Context, task *domain.SandboxTask) (*domain.SandboxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task.Status != domain.SandboxStatusSucceeded {
		return &domain.SandboxResult{TaskID: task.TaskID, Status: task.Status, Message: "Result not available (Task " + string(task.Status) + ")"}, nil
	}
	f.resultCalls++
	if f.resultErr != nil {
		return nil, f.resultErr
	}
	return &domain.SandboxResult{TaskID: task.TaskID, Status: task.Status, Available: true, Stdout: "42"}, nil
}

func (f *fakeSandbox) Forget(taskID string) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, taskID)
	f.mu.Unlock()
}

func (f *fakeSandbox) set(status domain.SandboxStatus) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

func (f *fakeSandbox) counts() (polls, results int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls, f.resultCalls
}

type harness struct {
	svc     *Service
	store   *repository.SQLiteStore
	planner *scriptedPlanner
	sandbox *fakeSandbox
	search  *flakyTool
}

type flakyTool struct {
	mu    sync.Mutex
	fails []error
	calls int
}

func (f *flakyTool) exec(ctx context.Context, params json.RawMessage) (tools.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		return tools.Outcome{}, err
	}
	return tools.Outcome{Output: json.RawMessage(`{"results":[{"query":"aapl"}]}`)}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		MaxGoalLength:    4000,
		RunTTL:           time.Hour,
		RunRetention:     24 * time.Hour,
		MaxStepAttempts:  3,
		MaxPlanSteps:     10,
		MaxUnknownPolls:  3,
		MaxRefineAttempt: 3,
		GeneratorTimeout: 5 * time.Second,
		SandboxTimeout:   10 * time.Minute,
		RunCreateCost:    1,
		MinRunBalance:    1,
		DefaultStep:      1,
		ToolCosts:        map[string]int64{},
		RunRatePerMinute: 6000,
		RunRateBurst:     100,
	}
}

func newHarness(t *testing.T, plan ...domain.PlanStep) *harness {
	t.Helper()
	h := &harness{
		store:   helpers.NewTestSQLiteStore(t),
		planner: &scriptedPlanner{plan: plan},
		sandbox: &fakeSandbox{status: domain.SandboxStatusRunning},
		search:  &flakyTool{},
	}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.ToolMarketSearch, h.search.exec))
	require.NoError(t, tools.RegisterSandbox(registry, h.sandbox, 600))

	h.svc = New(Deps{
		Store:   h.store,
		Tools:   registry,
		Planner: h.planner,
		Sandbox: h.sandbox,
	}, testConfig())
	return h
}

func (h *harness) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := h.svc.ApplyDelta(context.Background(), domain.DeltaRequest{
		UserID: userID, BusinessType: domain.BusinessTopUp, Delta: amount,
		SourceType: domain.SourceAPI, SourceID: "fund-" + userID,
	})
	require.NoError(t, err)
}

func (h *harness) create(t *testing.T, goal string) *domain.Run {
	t.Helper()
	run, err := h.svc.CreateRun(context.Background(), domain.CreateRunRequest{Goal: goal, OwnerID: "u1"})
	require.NoError(t, err)
	return run
}

func (h *harness) statusPath(t *testing.T, runID string) []domain.RunStatus {
	t.Helper()
	events, err := h.svc.Logs().ReadAll(context.Background(), runID)
	require.NoError(t, err)
	var path []domain.RunStatus
	for _, e := range events {
		if e.Type != domain.EventTypeStatusChanged {
			continue
		}
		var p domain.StatusChangedPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		if len(path) == 0 {
			path = append(path, p.From)
		}
		path = append(path, p.To)
	}
	return path
}

func (h *harness) eventsOf(t *testing.T, runID string, eventType domain.EventType) []domain.Event {
	t.Helper()
	events, err := h.svc.Logs().ReadAll(context.Background(), runID)
	require.NoError(t, err)
	var out []domain.Event
	for _, e := range events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func searchStep(id string) domain.PlanStep {
	return domain.PlanStep{StepID: id, Description: "search", ToolName: tools.ToolMarketSearch, Parameters: json.RawMessage(`{"query":"aapl"}`)}
}

func sandboxStep(id string) domain.PlanStep {
	return domain.PlanStep{StepID: id, Description: "compute", ToolName: tools.ToolSandboxExecute, Parameters: json.RawMessage(`{"code":"print(42)"}`)}
}

func TestTwoStepRunWithSandboxTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, searchStep("s1"), sandboxStep("s2"))
	h.fund(t, "u1", 10)

	run := h.create(t, "analyse AAPL")
	assert.Equal(t, domain.RunStatusPlanning, run.Status)

	run, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusWaiting, run.Status)
	assert.Equal(t, 1, run.CurrentStep)
	require.NotNil(t, run.Snapshot.Pending)
	assert.Equal(t, "task-1", run.Snapshot.Pending.TaskID)

	run, err = h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusWaiting, run.Status)
	polls, results := h.sandbox.counts()
	assert.Equal(t, 2, polls, "one poll per advance while RUNNING")
	assert.Zero(t, results, "no result fetch while RUNNING")
	assert.Equal(t, 2, run.Snapshot.Pending.Polls)

	h.sandbox.set(domain.SandboxStatusSucceeded)
	run, err = h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.CurrentStep)
	assert.Equal(t, 2, run.MaxSteps)
	require.Len(t, run.Snapshot.Results, 2)
	assert.Contains(t, string(run.Snapshot.Results[1].Output), `"stdout":"42"`)
	_, results = h.sandbox.counts()
	assert.Equal(t, 1, results)

	assert.Equal(t, []domain.RunStatus{
		domain.RunStatusReceived, domain.RunStatusPlanning, domain.RunStatusExecuting, domain.RunStatusWaiting,
		domain.RunStatusExecuting, domain.RunStatusSummarizing, domain.RunStatusCompleted,
	}, h.statusPath(t, run.RunID))

	page, err := h.svc.ListMessages(ctx, run.RunID, 0, 50, false)
	require.NoError(t, err)
	summaries := 0
	for _, m := range page.Items {
		if m.Type == domain.MessageTypeSummary {
			summaries++
			assert.Equal(t, domain.RoleAssistant, m.Role)
		}
	}
	assert.Equal(t, 1, summaries, "exactly one summary")

	completed := h.eventsOf(t, run.RunID, domain.EventTypeStepCompleted)
	require.Len(t, completed, 2)
	last := -1
	for _, e := range completed {
		var p domain.StepPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		assert.Greater(t, p.Index, last, "current step only moves forward")
		last = p.Index
	}

	again, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.Version, again.Version, "advancing a terminal run is a no-op")

	bal, err := h.svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal.Balance, "creation fee plus two step charges")
}

func TestCancelWhileWaitingThenAdvanceIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sandboxStep("s1"))
	h.fund(t, "u1", 10)
	run := h.create(t, "compute")

	run, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusWaiting, run.Status)

	canceled, err := h.svc.Cancel(ctx, run.RunID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCanceled, canceled.Status)
	assert.NotNil(t, canceled.CompletedAt)

	pollsBefore, _ := h.sandbox.counts()
	after, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCanceled, after.Status)
	assert.Equal(t, canceled.Version, after.Version)
	pollsAfter, _ := h.sandbox.counts()
	assert.Equal(t, pollsBefore, pollsAfter)

	again, err := h.svc.Cancel(ctx, run.RunID, "u1")
	require.NoError(t, err, "canceling twice is a no-op")
	assert.Equal(t, canceled.Version, again.Version)
	assert.Len(t, h.eventsOf(t, run.RunID, domain.EventTypeRunCanceled), 1)

	_, err = h.svc.Cancel(ctx, run.RunID, "someone-else")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestCancelCompletedRunFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, searchStep("s1"))
	h.fund(t, "u1", 10)
	run := h.create(t, "search")
	run, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompleted, run.Status)

	_, err = h.svc.Cancel(ctx, run.RunID, "u1")
	assert.ErrorIs(t, err, domain.ErrRunTerminal)

	_, err = h.svc.Resume(ctx, run.RunID, "u1")
	assert.ErrorIs(t, err, domain.ErrNotResumable)
	reloaded, err := h.svc.GetRun(ctx, run.RunID, "u1")
	require.NoError(t, err)
	assert.Equal(t, run.Version, reloaded.Version, "resume does not mutate a terminal run")
}

func TestResumeResetsTTLAndAdvances(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sandboxStep("s1"))
	h.fund(t, "u1", 10)
	run := h.create(t, "compute")
	run, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusWaiting, run.Status)

	h.sandbox.set(domain.SandboxStatusSucceeded)
	h.svc.now = func() time.Time { return time.Now().Add(30 * time.Minute) }
	resumed, err := h.svc.Resume(ctx, run.RunID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, resumed.Status)
	assert.True(t, resumed.ExpiresAt.After(run.ExpiresAt))
	assert.Len(t, h.eventsOf(t, run.RunID, domain.EventTypeRunResumed), 1)
}

func TestTransientStepFailureIsRetriedWithoutDoubleCharge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, searchStep("s1"))
	h.search.fails = []error{domain.ErrTransient}
	h.fund(t, "u1", 10)
	run := h.create(t, "search")

	run, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, h.search.calls)

	failed := h.eventsOf(t, run.RunID, domain.EventTypeStepFailed)
	require.Len(t, failed, 1)
	var p domain.StepPayload
	require.NoError(t, json.Unmarshal(failed[0].Payload, &p))
	assert.Equal(t, 1, p.Attempt)
	assert.False(t, p.Fatal)

	n, err := h.svc.CountLedger(ctx, domain.LedgerFilter{BusinessType: domain.BusinessStepCharge})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "retries never double-charge")
}

func TestRetriesExhaustedFailsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, searchStep("s1"))
	h.search.fails = []error{domain.ErrTransient, domain.ErrTransient, domain.ErrTransient}
	h.fund(t, "u1", 10)
	run := h.create(t, "search")

	run, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, run.LastError, "transient")
	assert.Len(t, h.eventsOf(t, run.RunID, domain.EventTypeStepFailed), 3)
	assert.Len(t, h.eventsOf(t, run.RunID, domain.EventTypeRunFailed), 1)
}

func TestContractViolationsFailImmediately(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, domain.PlanStep{StepID: "s1", ToolName: "shell.exec"})
	h.fund(t, "u1", 10)
	run := h.create(t, "do something odd")
	run, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, 1, h.planner.planCalls, "malformed plans are not retried")
	assert.Contains(t, run.LastError, "unknown tool")

	h = newHarness(t, searchStep("s1"))
	h.search.fails = []error{errors.Join(domain.ErrContractViolation, errors.New("bad params"))}
	h.fund(t, "u1", 10)
	run = h.create(t, "search")
	run, err = h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, 1, h.search.calls)
}

func TestPlannerTransientErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, searchStep("s1"))
	h.planner.planErrs = []error{domain.ErrTransient}
	h.fund(t, "u1", 10)
	run := h.create(t, "search")

	run, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, h.planner.planCalls)
	assert.Len(t, h.eventsOf(t, run.RunID, domain.EventTypePlanFailed), 1)
}

func TestSandboxUnknownStatusFailsAfterBound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sandboxStep("s1"))
	h.sandbox.set(domain.SandboxStatusUnknown)
	h.sandbox.taskError = "task task-1 not found on sandbox"
	h.fund(t, "u1", 10)
	run := h.create(t, "compute")

	run, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusWaiting, run.Status)
	assert.Equal(t, 1, run.Snapshot.Pending.UnknownPolls)

	run, err = h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusWaiting, run.Status)
	assert.Equal(t, 2, run.Snapshot.Pending.UnknownPolls)

	run, err = h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, h.sandbox.forgotten, "task-1")
}

func TestSandboxFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sandboxStep("s1"))
	h.fund(t, "u1", 10)
	run := h.create(t, "compute")
	run, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)

	h.sandbox.set(domain.SandboxStatusFailed)
	h.sandbox.taskError = "ZeroDivisionError"
	run, err = h.svc.HandleSandboxCallback(ctx, domain.SandboxCallbackRequest{TaskID: "task-1", Status: domain.SandboxStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, run.LastError, "ZeroDivisionError")
	_, results := h.sandbox.counts()
	assert.Zero(t, results)

	_, err = h.svc.HandleSandboxCallback(ctx, domain.SandboxCallbackRequest{TaskID: "task-1"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSandboxPollErrorsFailRunAfterAttemptBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sandboxStep("s1"))
	h.sandbox.pollErr = errors.New("sandbox status error [418]: teapot")
	h.fund(t, "u1", 10)
	run := h.create(t, "compute")

	run, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusWaiting, run.Status)
	require.NotNil(t, run.Snapshot.Pending)
	assert.Equal(t, 1, run.Snapshot.Pending.PollErrors)
	assert.Contains(t, run.LastError, "[418]")

	run, err = h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusWaiting, run.Status)
	assert.Equal(t, 2, run.Snapshot.Pending.PollErrors)

	run, err = h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, run.LastError, "[418]")

	// Further drivers leave the failed run alone.
	run, err = h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)

	failures := h.eventsOf(t, run.RunID, domain.EventTypeStepFailed)
	require.Len(t, failures, 3)
	for i, e := range failures {
		var p domain.StepPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		assert.Equal(t, i+1, p.Attempt)
		assert.Equal(t, i == 2, p.Fatal)
	}
	assert.Len(t, h.eventsOf(t, run.RunID, domain.EventTypeRunFailed), 1)
	polls, results := h.sandbox.counts()
	assert.Equal(t, 3, polls)
	assert.Zero(t, results)
}

func TestSandboxResultFetchErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("transient errors share the attempt budget", func(t *testing.T) {
		h := newHarness(t, sandboxStep("s1"))
		h.sandbox.resultErr = errors.New("sandbox task not found")
		h.fund(t, "u1", 10)
		run := h.create(t, "compute")
		run, err := h.svc.Advance(ctx, run.RunID)
		require.NoError(t, err)

		h.sandbox.set(domain.SandboxStatusSucceeded)
		run, err = h.svc.Advance(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusWaiting, run.Status)
		assert.Equal(t, 1, run.Snapshot.Pending.PollErrors)

		h.sandbox.mu.Lock()
		h.sandbox.resultErr = nil
		h.sandbox.mu.Unlock()
		run, err = h.svc.Advance(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusCompleted, run.Status)
	})

	t.Run("contract violations fail at once", func(t *testing.T) {
		h := newHarness(t, sandboxStep("s1"))
		h.sandbox.resultErr = fmt.Errorf("sandbox result error [400]: bad id: %w", domain.ErrContractViolation)
		h.fund(t, "u1", 10)
		run := h.create(t, "compute")
		run, err := h.svc.Advance(ctx, run.RunID)
		require.NoError(t, err)

		h.sandbox.set(domain.SandboxStatusSucceeded)
		run, err = h.svc.Advance(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusFailed, run.Status)
		assert.Contains(t, run.LastError, "[400]")
		assert.Len(t, h.eventsOf(t, run.RunID, domain.EventTypeStepFailed), 1)
	})
}

func TestAwaitUserConsumesFollowUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t,
		domain.PlanStep{StepID: "s1", ToolName: domain.ToolAwaitUser, Parameters: json.RawMessage(`{"prompt":"which ticker?"}`)},
		domain.PlanStep{StepID: "s2", ToolName: domain.ToolDone},
		searchStep("s3"),
	)
	h.fund(t, "u1", 10)
	run := h.create(t, "help me")

	run, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusWaiting, run.Status)
	require.NotNil(t, run.Snapshot.Awaiting)
	assert.Equal(t, "which ticker?", run.Snapshot.Awaiting.Prompt)

	still, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.Version, still.Version, "nothing to consume yet")

	resp, err := h.svc.SendMessage(ctx, run.RunID, domain.SendMessageRequest{OwnerID: "u1", Content: "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Seq)
	assert.Equal(t, domain.RunStatusCompleted, resp.Status)

	final, err := h.svc.GetRun(ctx, run.RunID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, final.CurrentStep, "done ends execution before s3")
	assert.Contains(t, string(final.Snapshot.Results[0].Output), "AAPL")
	assert.Zero(t, h.search.calls)

	_, err = h.svc.SendMessage(ctx, run.RunID, domain.SendMessageRequest{OwnerID: "u1", Content: "thanks"})
	assert.ErrorIs(t, err, domain.ErrRunTerminal)
}

func TestConcurrentFollowUpsGetDistinctSeqs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sandboxStep("s1"))
	h.fund(t, "u1", 10)
	run := h.create(t, "compute")

	var wg sync.WaitGroup
	seqs := make([]int64, 2)
	for i := range seqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h.svc.SendMessage(ctx, run.RunID, domain.SendMessageRequest{OwnerID: "u1", Content: "more"})
			if assert.NoError(t, err) {
				seqs[i] = resp.Seq
			}
		}(i)
	}
	wg.Wait()
	assert.ElementsMatch(t, []int64{2, 3}, seqs)
}

func TestConcurrentAdvanceProducesOneSummary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, searchStep("s1"), searchStep("s2"))
	h.fund(t, "u1", 10)
	run := h.create(t, "search twice")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Advance(ctx, run.RunID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	final, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, final.Status)
	assert.Equal(t, 1, h.planner.summaries)
	assert.Equal(t, 2, h.search.calls)
}

func TestTwoEnginesWriteOneSummary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, searchStep("s1"), searchStep("s2"))
	h.fund(t, "u1", 10)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.ToolMarketSearch, h.search.exec))
	other := New(Deps{Store: h.store, Tools: registry, Planner: h.planner, Sandbox: h.sandbox}, testConfig())
	engines := []*Service{h.svc, other}

	run := h.create(t, "search twice")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			_, err := svc.Advance(ctx, run.RunID)
			assert.NoError(t, err)
		}(engines[i%2])
	}
	wg.Wait()

	final, err := other.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, final.Status)
	assert.Equal(t, 1, summaryCount(t, h, run.RunID))
	assert.Equal(t, 1, h.planner.summaries)
}

func TestStaleSummaryClaimIsTakenOver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, searchStep("s1"))
	h.fund(t, "u1", 10)
	run := h.create(t, "search")

	// Another engine claimed the summary and stopped before writing it.
	claimedAt := time.Now()
	stuck := *run
	stuck.Status = domain.RunStatusSummarizing
	stuck.Plan = []domain.PlanStep{searchStep("s1")}
	stuck.MaxSteps = 1
	stuck.CurrentStep = 1
	stuck.Snapshot = domain.Snapshot{SummaryClaimedAt: &claimedAt}
	ok, err := h.store.UpdateRun(ctx, &stuck, run.Version)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSummarizing, got.Status, "live claim is respected")
	assert.Zero(t, summaryCount(t, h, run.RunID))

	h.svc.now = func() time.Time { return claimedAt.Add(h.svc.summaryClaimTTL() + time.Second) }
	got, err = h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)
	assert.Equal(t, 1, summaryCount(t, h, run.RunID))
}

func summaryCount(t *testing.T, h *harness, runID string) int {
	t.Helper()
	page, err := h.svc.ListMessages(context.Background(), runID, 0, 100, false)
	require.NoError(t, err)
	n := 0
	for _, m := range page.Items {
		if m.Type == domain.MessageTypeSummary {
			n++
		}
	}
	return n
}

func TestIdleRateLimitersArePruned(t *testing.T) {
	l := newOwnerLimiter(60, 2)
	clock := time.Now()
	l.now = func() time.Time { return clock }

	assert.True(t, l.Allow("u1"))
	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))
	assert.True(t, l.Allow("u2"))

	clock = clock.Add(time.Second)
	assert.Zero(t, l.prune(), "buckets still refilling are kept")
	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"), "kept bucket keeps its state")

	clock = clock.Add(3 * time.Second)
	assert.Equal(t, 2, l.prune())
	assert.Empty(t, l.limiters)
	assert.True(t, l.Allow("u1"))
}

func TestPolicyBlocksStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, domain.PlanStep{StepID: "s1", ToolName: tools.ToolSandboxExecute,
		Parameters: json.RawMessage(`{"code":"import paramiko","libraries":["paramiko"]}`)})
	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	require.NoError(t, err)
	h.svc.policy = engine
	h.fund(t, "u1", 10)
	run := h.create(t, "ssh somewhere")

	run, err = h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Contains(t, run.LastError, "paramiko")
	assert.Len(t, h.eventsOf(t, run.RunID, domain.EventTypePolicyDecision), 1)
}

func TestCreateRunRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, searchStep("s1"))

	_, err := h.svc.CreateRun(ctx, domain.CreateRunRequest{Goal: "x", OwnerID: "u1"})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	_, err = h.svc.CreateRun(ctx, domain.CreateRunRequest{Goal: "  ", OwnerID: "u1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.svc.CreateRun(ctx, domain.CreateRunRequest{Goal: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	h.fund(t, "u1", 10)
	req := domain.CreateRunRequest{Goal: "x", OwnerID: "u1", IdempotencyKey: "k1"}
	first, err := h.svc.CreateRun(ctx, req)
	require.NoError(t, err)
	second, err := h.svc.CreateRun(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)

	n, err := h.svc.CountLedger(ctx, domain.LedgerFilter{BusinessType: domain.BusinessRunCreate})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msgs, err := h.svc.ListMessages(ctx, first.RunID, 0, 10, false)
	require.NoError(t, err)
	require.Len(t, msgs.Items, 1)
	assert.Equal(t, domain.MessageTypeInitial, msgs.Items[0].Type)
}

func TestCreateRunRateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, searchStep("s1"))
	h.svc.limiter = newOwnerLimiter(1, 1)
	h.fund(t, "u1", 10)

	_, err := h.svc.CreateRun(ctx, domain.CreateRunRequest{Goal: "a", OwnerID: "u1"})
	require.NoError(t, err)
	_, err = h.svc.CreateRun(ctx, domain.CreateRunRequest{Goal: "b", OwnerID: "u1"})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestExpireRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sandboxStep("s1"))
	h.fund(t, "u1", 10)
	waiting := h.create(t, "compute")
	_, err := h.svc.Advance(ctx, waiting.RunID)
	require.NoError(t, err)

	n, err := h.svc.ExpireRuns(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = h.svc.ExpireRuns(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := h.svc.GetRun(ctx, waiting.RunID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusExpired, run.Status)
	assert.Len(t, h.eventsOf(t, run.RunID, domain.EventTypeRunExpired), 1)

	_, err = h.svc.Resume(ctx, run.RunID, "u1")
	assert.ErrorIs(t, err, domain.ErrNotResumable)
}

func TestAdvanceExpiresElapsedRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, searchStep("s1"))
	h.fund(t, "u1", 10)
	run := h.create(t, "search")

	h.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	run, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err, "expiry is a status, not an error")
	assert.Equal(t, domain.RunStatusExpired, run.Status)
	assert.Zero(t, h.planner.planCalls)
}

func TestGrantCreditsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := domain.GrantCreditsRequest{OperatorID: "ops", UserID: "u9", Amount: 25, Reason: "promo", IdempotencyKey: "g1"}

	first, replayed, err := h.svc.GrantCredits(ctx, req)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := h.svc.GrantCredits(ctx, req)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.JSONEq(t, string(first), string(second))

	bal, err := h.svc.Balance(ctx, "u9")
	require.NoError(t, err)
	assert.Equal(t, int64(25), bal.Balance)

	req.Amount = 30
	_, _, err = h.svc.GrantCredits(ctx, req)
	assert.ErrorIs(t, err, domain.ErrIdempotencyKeyReuse)
}

func TestListEventsCursor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, searchStep("s1"))
	h.fund(t, "u1", 10)
	run := h.create(t, "search")
	_, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)

	page, err := h.svc.ListEvents(ctx, run.RunID, 0, 3)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.True(t, page.HasMore)

	rest, err := h.svc.ListEvents(ctx, run.RunID, page.NextCursor, 500)
	require.NoError(t, err)
	for _, e := range rest.Items {
		assert.Greater(t, e.Seq, page.NextCursor)
	}

	_, err = h.svc.ListEvents(ctx, "run_missing", 0, 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.svc.ListEvents(ctx, run.RunID, -1, 10)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSweeperJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, sandboxStep("s1"))
	h.fund(t, "u1", 10)
	run := h.create(t, "compute")
	_, err := h.svc.Advance(ctx, run.RunID)
	require.NoError(t, err)

	h.sandbox.set(domain.SandboxStatusSucceeded)
	h.svc.sweepWaiting(ctx)
	done, err := h.svc.GetRun(ctx, run.RunID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, done.Status)

	h.svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	h.svc.limiter.now = h.svc.now
	h.svc.sweepRetention(ctx)
	_, err = h.svc.GetRun(ctx, run.RunID, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, h.svc.limiter.limiters, "idle limiters are dropped")

	h.svc.config.ExpireSchedule = "not a schedule"
	_, err = h.svc.NewSweeper(ctx)
	assert.Error(t, err)

	h.svc.config.ExpireSchedule = "@every 1h"
	h.svc.config.PollSchedule = "@every 1h"
	h.svc.config.GCSchedule = "@every 1h"
	sweeper, err := h.svc.NewSweeper(ctx)
	require.NoError(t, err)
	sweeper.Start()
	sweeper.Stop()
}
