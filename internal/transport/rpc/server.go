// Package rpc exposes the run engine to the ingress tier over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/service"
)

const callTimeout = 30 * time.Second

// Server exposes internal RPC endpoints for ingress and other internal clients.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the run service.
func NewServer(svc *service.Service, autoAdvance bool) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc, autoAdvance: autoAdvance}
	if err := rpcServer.RegisterName("Orchestrator", handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts RPC connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			slog.Warn("rpc accept error", "error", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the Orchestrator RPC methods.
type Handler struct {
	service     *service.Service
	autoAdvance bool
}

// SendMessageArgs wraps a run id with the follow-up message.
type SendMessageArgs struct {
	RunID   string                    `json:"run_id"`
	Request domain.SendMessageRequest `json:"request"`
}

// CancelRunRequest identifies a run to cancel.
type CancelRunRequest struct {
	RunID   string `json:"run_id"`
	OwnerID string `json:"owner_id"`
}

// CancelRunResponse is returned after a run cancellation request.
type CancelRunResponse struct {
	RunID   string           `json:"run_id"`
	Status  domain.RunStatus `json:"status"`
	Message string           `json:"message"`
}

// CreateRun accepts a goal on behalf of a connected client.
func (h *Handler) CreateRun(req *domain.CreateRunRequest, resp *domain.CreateRunResponse) error {
	if req == nil {
		return errors.New("create run request is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	run, err := h.service.CreateRun(ctx, *req)
	if err != nil {
		return err
	}
	if h.autoAdvance && !run.Status.IsTerminal() {
		h.service.AdvanceAsync(run.RunID)
	}
	if resp != nil {
		resp.RunID = run.RunID
		resp.Status = run.Status
	}
	return nil
}

// SendMessage appends a follow-up message to a run.
func (h *Handler) SendMessage(req *SendMessageArgs, resp *domain.SendMessageResponse) error {
	if req == nil {
		return errors.New("send message request is required")
	}
	if req.RunID == "" {
		return errors.New("run_id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := h.service.SendMessage(ctx, req.RunID, req.Request)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

// CancelRun cancels a run.
func (h *Handler) CancelRun(req *CancelRunRequest, resp *CancelRunResponse) error {
	if req == nil {
		return errors.New("cancel request is required")
	}
	if req.RunID == "" {
		return errors.New("run_id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	run, err := h.service.Cancel(ctx, req.RunID, req.OwnerID)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.RunID = run.RunID
		resp.Status = run.Status
		resp.Message = "run canceled"
	}
	return nil
}
