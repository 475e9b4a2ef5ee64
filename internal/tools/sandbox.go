package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/execctx"
)

const ToolSandboxExecute = "sandbox.execute"

// Submitter hands code to the sandbox.
type Submitter interface {
	Submit(ctx context.Context, req *domain.SandboxSubmitRequest) (*domain.SandboxSubmitResponse, error)
}

// RegisterSandbox adds sandbox.execute to r. The tool is asynchronous: it
// returns the sandbox task id and the run waits for the task.
func RegisterSandbox(r *Registry, sandbox Submitter, maxTimeoutSeconds int) error {
	return r.Register(ToolSandboxExecute, func(ctx context.Context, raw json.RawMessage) (Outcome, error) {
		var req domain.SandboxSubmitRequest
		if err := decodeParams(ToolSandboxExecute, raw, &req); err != nil {
			return Outcome{}, err
		}
		if strings.TrimSpace(req.Code) == "" {
			return Outcome{}, invalidParams(ToolSandboxExecute, "code is required")
		}
		if req.TimeoutSeconds < 0 {
			return Outcome{}, invalidParams(ToolSandboxExecute, "timeout_seconds must be positive")
		}
		if maxTimeoutSeconds > 0 && (req.TimeoutSeconds == 0 || req.TimeoutSeconds > maxTimeoutSeconds) {
			req.TimeoutSeconds = maxTimeoutSeconds
		}

		resp, err := sandbox.Submit(ctx, &req)
		if err != nil {
			return Outcome{}, err
		}
		execctx.Logger(ctx, nil).Info("sandbox task submitted", "task_id", resp.TaskID, "status", resp.Status)
		return Outcome{TaskID: resp.TaskID}, nil
	})
}
