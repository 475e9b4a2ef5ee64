// Package service implements the run lifecycle manager.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/agentrun/internal/adapter/statusbus"
	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/keylock"
	"github.com/xiaot623/agentrun/internal/ledger"
	"github.com/xiaot623/agentrun/internal/repository"
	"github.com/xiaot623/agentrun/internal/runlog"
	"github.com/xiaot623/agentrun/internal/tools"
	"github.com/xiaot623/agentrun/policy"
)

const tracerName = "github.com/xiaot623/agentrun/internal/service"

// Planner produces plans and summaries.
type Planner interface {
	Plan(ctx context.Context, goal string, history []domain.Message) ([]domain.PlanStep, error)
	Summarize(ctx context.Context, goal string, events []domain.Event, messages []domain.Message) (string, error)
}

// Sandbox is the polling side of the sandbox gateway.
type Sandbox interface {
	PollStatus(ctx context.Context, taskID string) (*domain.SandboxTask, error)
	ResultFor(ctx context.Context, task *domain.SandboxTask) (*domain.SandboxResult, error)
	Forget(taskID string)
}

// StepPolicy admits or blocks plan steps.
type StepPolicy interface {
	Evaluate(ctx context.Context, input policy.StepInput) (policy.Decision, error)
}

// Deps are the collaborators of the Service. Policy and Publisher are optional.
type Deps struct {
	Store     repository.Store
	Tools     *tools.Registry
	Planner   Planner
	Sandbox   Sandbox
	Policy    StepPolicy
	Publisher statusbus.Publisher
}

type Service struct {
	store     repository.Store
	logs      *runlog.Log
	ledger    *ledger.Ledger
	guard     *ledger.Guard
	tools     *tools.Registry
	planner   Planner
	sandbox   Sandbox
	policy    StepPolicy
	publisher statusbus.Publisher
	config    *config.Config

	limiter  *ownerLimiter
	runLocks *keylock.Locker
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time

	background sync.WaitGroup
}

func New(deps Deps, cfg *config.Config) *Service {
	s := &Service{
		store:     deps.Store,
		logs:      runlog.New(deps.Store),
		ledger:    ledger.New(deps.Store),
		guard:     ledger.NewGuard(deps.Store),
		tools:     deps.Tools,
		planner:   deps.Planner,
		sandbox:   deps.Sandbox,
		policy:    deps.Policy,
		publisher: deps.Publisher,
		config:    cfg,
		limiter:   newOwnerLimiter(cfg.RunRatePerMinute, cfg.RunRateBurst),
		runLocks:  keylock.New(),
		tracer:    otel.Tracer(tracerName),
		logger:    slog.Default().With("component", "service"),
		now:       time.Now,
	}
	if s.tools == nil {
		s.tools = tools.NewRegistry()
	}
	if s.publisher == nil {
		s.publisher = statusbus.Noop{}
	}
	s.logs.OnAppend = s.publish
	return s
}

// Logs exposes the run event and conversation logs.
func (s *Service) Logs() *runlog.Log {
	return s.logs
}

// AdvanceAsync drives a run in the background, detached from the caller's context.
func (s *Service) AdvanceAsync(runID string) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.SandboxTimeout)
		defer cancel()
		if _, err := s.Advance(ctx, runID); err != nil {
			s.logger.Warn("background advance failed", "run_id", runID, "error", err)
		}
	}()
}

// Wait blocks until background advances have returned.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) publish(event domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish run event", "run_id", event.RunID, "seq", event.Seq, "error", err)
	}
}

// record appends an event. A failed append is logged, never fatal to the caller.
func (s *Service) record(ctx context.Context, runID string, eventType domain.EventType, payload any) {
	if _, err := s.logs.Append(ctx, runID, eventType, payload); err != nil {
		s.logger.Error("failed to record event", "run_id", runID, "type", eventType, "error", err)
	}
}
