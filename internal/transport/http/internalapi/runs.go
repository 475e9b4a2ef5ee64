package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/transport/http/apierr"
)

// SandboxCallback drives the run waiting on the notified task.
// POST /internal/sandbox/callback
func (h *Handler) SandboxCallback(c echo.Context) error {
	var req domain.SandboxCallbackRequest
	if err := c.Bind(&req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}
	run, err := h.service.HandleSandboxCallback(c.Request().Context(), req)
	if err != nil {
		return apierr.Write(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id": run.RunID,
		"status": run.Status,
	})
}

// ExpireRuns expires every run whose TTL elapsed.
// POST /internal/runs/expire
func (h *Handler) ExpireRuns(c echo.Context) error {
	n, err := h.service.ExpireRuns(c.Request().Context(), h.now())
	if err != nil {
		return apierr.Write(c, err)
	}
	return c.JSON(http.StatusOK, domain.ExpireRunsResponse{Expired: n})
}

// ExpireRun expires a single run when its TTL elapsed.
// POST /internal/runs/:run_id/expire
func (h *Handler) ExpireRun(c echo.Context) error {
	run, err := h.service.Expire(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return apierr.Write(c, err)
	}
	return c.JSON(http.StatusOK, run)
}
