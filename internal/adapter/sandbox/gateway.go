package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Gateway enforces the status-then-result protocol on top of Client and keeps
// the last observed status of every task it has touched.
type Gateway struct {
	client *Client

	mu   sync.RWMutex
	last map[string]domain.SandboxStatus
}

// NewGateway creates a gateway over client.
func NewGateway(client *Client) *Gateway {
	return &Gateway{client: client, last: make(map[string]domain.SandboxStatus)}
}

// Submit starts a task.
func (g *Gateway) Submit(ctx context.Context, req *domain.SandboxSubmitRequest) (*domain.SandboxSubmitResponse, error) {
	resp, err := g.client.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	g.observe(resp.TaskID, resp.Status)
	return resp, nil
}

// PollStatus reads a task's status. A missing task is reported as UNKNOWN with an
// explanatory error field rather than a Go error.
func (g *Gateway) PollStatus(ctx context.Context, taskID string) (*domain.SandboxTask, error) {
	task, err := g.client.Status(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		task = &domain.SandboxTask{
			TaskID: taskID,
			Status: domain.SandboxStatusUnknown,
			Error:  fmt.Sprintf("task %s not found on sandbox", taskID),
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if task.Status == "" {
		task.Status = domain.SandboxStatusUnknown
	}
	g.observe(taskID, task.Status)
	return task, nil
}

// FetchResult returns the task's result. It always polls status first and only
// issues the result call when the task SUCCEEDED.
func (g *Gateway) FetchResult(ctx context.Context, taskID string) (*domain.SandboxResult, error) {
	task, err := g.PollStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return g.resultFor(ctx, task)
}

// ResultFor behaves like FetchResult for a status the caller has just polled.
func (g *Gateway) ResultFor(ctx context.Context, task *domain.SandboxTask) (*domain.SandboxResult, error) {
	return g.resultFor(ctx, task)
}

func (g *Gateway) resultFor(ctx context.Context, task *domain.SandboxTask) (*domain.SandboxResult, error) {
	switch task.Status {
	case domain.SandboxStatusSucceeded:
		return g.client.Result(ctx, task.TaskID)
	case domain.SandboxStatusFailed:
		msg := task.Error
		if msg == "" {
			msg = "task failed"
		}
		return &domain.SandboxResult{
			TaskID:    task.TaskID,
			Status:    domain.SandboxStatusFailed,
			Available: true,
			ExitCode:  -1,
			Stderr:    msg,
			Message:   msg,
		}, nil
	default:
		return &domain.SandboxResult{
			TaskID:  task.TaskID,
			Status:  task.Status,
			Message: fmt.Sprintf("Result not available (Task %s)", task.Status),
		}, nil
	}
}

// LastStatus returns the status most recently observed for taskID.
func (g *Gateway) LastStatus(taskID string) (domain.SandboxStatus, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.last[taskID]
	return s, ok
}

// Forget drops the cached status of a task once its step is settled.
func (g *Gateway) Forget(taskID string) {
	g.mu.Lock()
	delete(g.last, taskID)
	g.mu.Unlock()
}

func (g *Gateway) observe(taskID string, status domain.SandboxStatus) {
	g.mu.Lock()
	g.last[taskID] = status
	g.mu.Unlock()
}
