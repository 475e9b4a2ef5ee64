package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/transport/http/apierr"
)

// CreateRun accepts a goal.
// POST /v1/runs
func (h *Handler) CreateRun(c echo.Context) error {
	var req domain.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}
	if key := c.Request().Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	run, err := h.service.CreateRun(c.Request().Context(), req)
	if err != nil {
		return apierr.Write(c, err)
	}
	if h.autoAdvance && !run.Status.IsTerminal() {
		h.service.AdvanceAsync(run.RunID)
	}
	return c.JSON(http.StatusAccepted, domain.CreateRunResponse{RunID: run.RunID, Status: run.Status})
}

// GetRun returns a run.
// GET /v1/runs/:run_id?owner_id=
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"), c.QueryParam("owner_id"))
	if err != nil {
		return apierr.Write(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// CancelRun cancels a run.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	var req domain.OwnerRequest
	if err := bindOptional(c, &req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}
	run, err := h.service.Cancel(c.Request().Context(), c.Param("run_id"), req.OwnerID)
	if err != nil {
		return apierr.Write(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ResumeRun re-arms a run's TTL and drives it.
// POST /v1/runs/:run_id/resume
func (h *Handler) ResumeRun(c echo.Context) error {
	var req domain.OwnerRequest
	if err := bindOptional(c, &req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}
	run, err := h.service.Resume(c.Request().Context(), c.Param("run_id"), req.OwnerID)
	if err != nil {
		return apierr.Write(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// AdvanceRun drives a run as far as it can go without waiting.
// POST /v1/runs/:run_id/advance
func (h *Handler) AdvanceRun(c echo.Context) error {
	var req domain.OwnerRequest
	if err := bindOptional(c, &req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}
	ctx := c.Request().Context()
	runID := c.Param("run_id")
	if _, err := h.service.GetRun(ctx, runID, req.OwnerID); err != nil {
		return apierr.Write(c, err)
	}
	run, err := h.service.Advance(ctx, runID)
	if err != nil {
		return apierr.Write(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	return c.Bind(v)
}
