// Package sandbox adapts the remote sandboxed code executor.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

var (
	// ErrSandboxUnavailable covers network failures and 5xx answers. Callers may retry.
	ErrSandboxUnavailable = fmt.Errorf("sandbox unavailable: %w", domain.ErrTransient)
	// ErrEmptyResponse is a 2xx answer without a usable body. It is surfaced, not retried.
	ErrEmptyResponse = fmt.Errorf("sandbox returned empty response: %w", domain.ErrContractViolation)
	// ErrTaskNotFound is a 404 from the task endpoints.
	ErrTaskNotFound = errors.New("sandbox task not found")
	// ErrResultConflict is the executor rejecting a result fetch for an unfinished task.
	ErrResultConflict = fmt.Errorf("sandbox result fetched before completion: %w", domain.ErrContractViolation)
)

// submitSlack is added to the task timeout for the submit call's own deadline.
const submitSlack = 30 * time.Second

// Client is the raw HTTP client for the sandbox API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new sandbox client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// resultBody is the wire shape of GET /tasks/{id}/result. Streams may be absent.
type resultBody struct {
	ExitCode   *int    `json:"exit_code"`
	Stdout     *string `json:"stdout"`
	Stderr     *string `json:"stderr"`
	DatasetDir *string `json:"dataset_dir"`
}

// Submit posts a new task.
func (c *Client) Submit(ctx context.Context, req *domain.SandboxSubmitRequest) (*domain.SandboxSubmitResponse, error) {
	if req.DatasetIDs == nil {
		req.DatasetIDs = []string{}
	}
	if req.Files == nil {
		req.Files = []string{}
	}
	if req.Libraries == nil {
		req.Libraries = []string{}
	}
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second+submitSlack)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	status, respBody, err := c.do(ctx, http.MethodPost, "/tasks", body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("sandbox submit rejected [%d]: %s: %w", status, truncate(respBody), domain.ErrValidation)
	}

	var resp domain.SandboxSubmitResponse
	if len(bytes.TrimSpace(respBody)) == 0 || json.Unmarshal(respBody, &resp) != nil || resp.TaskID == "" {
		return nil, ErrEmptyResponse
	}
	if resp.Status == "" {
		resp.Status = domain.SandboxStatusPending
	}
	return &resp, nil
}

// Status reads the current status of a task. A 404 yields ErrTaskNotFound.
func (c *Client) Status(ctx context.Context, taskID string) (*domain.SandboxTask, error) {
	status, respBody, err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, ErrTaskNotFound
	case status < 200 || status >= 300:
		return nil, statusError("status", status, respBody)
	}

	var task domain.SandboxTask
	if len(bytes.TrimSpace(respBody)) == 0 || json.Unmarshal(respBody, &task) != nil {
		return nil, ErrEmptyResponse
	}
	if task.TaskID == "" {
		task.TaskID = taskID
	}
	return &task, nil
}

// Result reads the output of a finished task. Only valid after SUCCEEDED.
func (c *Client) Result(ctx context.Context, taskID string) (*domain.SandboxResult, error) {
	status, respBody, err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/result", nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusConflict:
		return nil, ErrResultConflict
	case status == http.StatusNotFound:
		return nil, ErrTaskNotFound
	case status < 200 || status >= 300:
		return nil, statusError("result", status, respBody)
	}

	var body resultBody
	if len(bytes.TrimSpace(respBody)) == 0 || json.Unmarshal(respBody, &body) != nil {
		return nil, ErrEmptyResponse
	}
	result := &domain.SandboxResult{
		TaskID:    taskID,
		Status:    domain.SandboxStatusSucceeded,
		Available: true,
	}
	if body.ExitCode != nil {
		result.ExitCode = *body.ExitCode
	}
	if body.Stdout != nil {
		result.Stdout = *body.Stdout
	}
	if body.Stderr != nil {
		result.Stderr = *body.Stderr
	}
	if body.DatasetDir != nil {
		result.DatasetDir = *body.DatasetDir
	}
	return result, nil
}

// do issues the request; transport errors and 5xx become ErrSandboxUnavailable.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to read response: %v", ErrSandboxUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return 0, nil, fmt.Errorf("%w: status %d", ErrSandboxUnavailable, resp.StatusCode)
	}
	return resp.StatusCode, respBody, nil
}

// statusError classifies a non-2xx answer that do passed through. Throttling and
// timeouts may be retried; any other rejection will not change on retry.
func statusError(call string, status int, body []byte) error {
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return fmt.Errorf("%w: %s status %d: %s", ErrSandboxUnavailable, call, status, truncate(body))
	}
	return fmt.Errorf("sandbox %s error [%d]: %s: %w", call, status, truncate(body), domain.ErrContractViolation)
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
