// Package internalapi provides HTTP handlers for internal engine APIs.
// These APIs are only reachable from the ingress tier, the sandbox and operators.
package internalapi

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/service"
)

// Handler handles internal HTTP requests.
type Handler struct {
	service *service.Service
	now     func() time.Time

	pollInterval time.Duration
	maxStream    time.Duration
}

// NewHandler creates a new internal API handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service:      service,
		now:          time.Now,
		pollInterval: 100 * time.Millisecond,
		maxStream:    5 * time.Minute,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Ledger
	e.POST("/internal/ledger/deltas", h.ApplyDelta)
	e.POST("/internal/admin/credits/grant", h.GrantCredits)

	// Sandbox push notifications
	e.POST("/internal/sandbox/callback", h.SandboxCallback)

	// Run maintenance
	e.POST("/internal/runs/expire", h.ExpireRuns)
	e.POST("/internal/runs/:run_id/expire", h.ExpireRun)

	// Event streaming
	e.GET("/internal/runs/:run_id/events/stream", h.StreamRunEvents)
}
