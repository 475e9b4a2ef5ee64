// Package v1 provides the public run and ledger HTTP API.
package v1

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service     *service.Service
	autoAdvance bool

	upgrader     websocket.Upgrader
	pollInterval time.Duration
	maxStream    time.Duration
}

// NewHandler creates a new handler. With autoAdvance, accepted runs are driven
// in the background right away.
func NewHandler(svc *service.Service, autoAdvance bool) *Handler {
	return &Handler{
		service:     svc,
		autoAdvance: autoAdvance,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin checks belong to the gateway in front of the engine.
				return true
			},
		},
		pollInterval: 200 * time.Millisecond,
		maxStream:    30 * time.Minute,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/runs", h.CreateRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)
	e.POST("/v1/runs/:run_id/resume", h.ResumeRun)
	e.POST("/v1/runs/:run_id/advance", h.AdvanceRun)

	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/runs/:run_id/events/ws", h.StreamRunEvents)
	e.POST("/v1/runs/:run_id/messages", h.PostMessage)
	e.GET("/v1/runs/:run_id/messages", h.GetRunMessages)

	e.GET("/v1/ledger/entries", h.ListLedgerEntries)
	e.GET("/v1/ledger/entries/count", h.CountLedgerEntries)
	e.GET("/v1/ledger/balance/:user_id", h.GetBalance)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func queryInt64(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, domainValidation(name + " must be an integer")
	}
	return v, nil
}

func queryInt(c echo.Context, name string) (int, error) {
	v, err := queryInt64(c, name)
	return int(v), err
}

func queryBool(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domainValidation(name + " must be a boolean")
	}
	return v, nil
}

func queryTime(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	v, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, domainValidation(name + " must be an RFC3339 timestamp")
	}
	return v, nil
}

func domainValidation(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
}
