package internalapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/transport/http/apierr"
)

// StreamRunEvents streams events for a specific run via SSE.
// GET /internal/runs/:run_id/events/stream?after_seq=
//
// The stream ends when the run's end event was sent, the client disconnects or
// the maximum stream duration passes.
func (h *Handler) StreamRunEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	var cursor int64
	if raw := c.QueryParam("after_seq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return apierr.BadRequest(c, "after_seq must be a non-negative integer")
		}
		cursor = v
	}
	if _, err := h.service.GetRun(ctx, runID, ""); err != nil {
		return apierr.Write(c, err)
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	deadline := time.Now().Add(h.maxStream)
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		page, err := h.service.ListEvents(ctx, runID, cursor, 100)
		if err != nil {
			slog.Warn("failed to read events for stream", "run_id", runID, "error", err)
			return nil
		}
		for _, event := range page.Items {
			if err := writeSSE(c, event); err != nil {
				return nil
			}
			cursor = event.Seq
			if isEndEvent(event.Type) {
				return nil
			}
		}
		if page.HasMore {
			continue
		}
		if time.Now().After(deadline) {
			slog.Info("event stream exceeded max duration", "run_id", runID)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func writeSSE(c echo.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

func isEndEvent(t domain.EventType) bool {
	switch t {
	case domain.EventTypeRunCompleted, domain.EventTypeRunFailed, domain.EventTypeRunCanceled, domain.EventTypeRunExpired:
		return true
	}
	return false
}
