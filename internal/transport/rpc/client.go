package rpc

import (
	"context"
	"fmt"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Client calls the Orchestrator RPC endpoints. Each call dials a fresh connection.
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient accepts a host:port or a URL whose host part is used.
func NewClient(baseURL string) *Client {
	return &Client{
		addr:        resolveRPCAddr(baseURL),
		dialTimeout: 5 * time.Second,
		callTimeout: callTimeout,
	}
}

func (c *Client) CreateRun(ctx context.Context, req domain.CreateRunRequest) (*domain.CreateRunResponse, error) {
	var resp domain.CreateRunResponse
	if err := c.call(ctx, "Orchestrator.CreateRun", &req, &resp); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return &resp, nil
}

func (c *Client) SendMessage(ctx context.Context, runID string, req domain.SendMessageRequest) (*domain.SendMessageResponse, error) {
	var resp domain.SendMessageResponse
	if err := c.call(ctx, "Orchestrator.SendMessage", &SendMessageArgs{RunID: runID, Request: req}, &resp); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &resp, nil
}

func (c *Client) CancelRun(ctx context.Context, runID, ownerID string) (*CancelRunResponse, error) {
	var resp CancelRunResponse
	if err := c.call(ctx, "Orchestrator.CancelRun", &CancelRunRequest{RunID: runID, OwnerID: ownerID}, &resp); err != nil {
		return nil, fmt.Errorf("failed to cancel run: %w", err)
	}
	return &resp, nil
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	if c.addr == "" {
		return fmt.Errorf("rpc address is not configured")
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
