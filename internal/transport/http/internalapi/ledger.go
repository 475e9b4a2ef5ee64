package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/transport/http/apierr"
)

// ApplyDelta applies an idempotent credit delta.
// POST /internal/ledger/deltas
func (h *Handler) ApplyDelta(c echo.Context) error {
	var req domain.DeltaRequest
	if err := c.Bind(&req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}
	res, err := h.service.ApplyDelta(c.Request().Context(), req)
	if err != nil {
		return apierr.Write(c, err)
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

// GrantCredits performs an administrative credit grant guarded by the
// operator's idempotency key. Replays return the stored response.
// POST /internal/admin/credits/grant
func (h *Handler) GrantCredits(c echo.Context) error {
	var req domain.GrantCreditsRequest
	if err := c.Bind(&req); err != nil {
		return apierr.BadRequest(c, "invalid request body")
	}
	if key := c.Request().Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	body, replayed, err := h.service.GrantCredits(c.Request().Context(), req)
	if err != nil {
		return apierr.Write(c, err)
	}
	if replayed {
		c.Response().Header().Set("Idempotent-Replayed", "true")
	}
	return c.JSONBlob(http.StatusOK, body)
}
