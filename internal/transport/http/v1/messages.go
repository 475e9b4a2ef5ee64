package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/transport/http/apierr"
)

// PostMessage appends a follow-up message to a run.
// POST /v1/runs/:run_id/messages
func (h *Handler) PostMessage(c echo.Context) error {
	var req domain.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}
	resp, err := h.service.SendMessage(c.Request().Context(), c.Param("run_id"), req)
	if err != nil {
		return apierr.Write(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetRunMessages pages a run's conversation.
// GET /v1/runs/:run_id/messages?after_seq=&limit=&exclude_initial=
func (h *Handler) GetRunMessages(c echo.Context) error {
	afterSeq, err := queryInt64(c, "after_seq")
	if err != nil {
		return apierr.Write(c, err)
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return apierr.Write(c, err)
	}
	excludeInitial, err := queryBool(c, "exclude_initial")
	if err != nil {
		return apierr.Write(c, err)
	}

	page, err := h.service.ListMessages(c.Request().Context(), c.Param("run_id"), afterSeq, limit, excludeInitial)
	if err != nil {
		return apierr.Write(c, err)
	}
	return c.JSON(http.StatusOK, page)
}
