package v1

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/transport/http/apierr"
)

const (
	streamPageSize = 100
	writeWait      = 10 * time.Second
)

// GetRunEvents pages a run's event log.
// GET /v1/runs/:run_id/events?after_seq=&limit=
func (h *Handler) GetRunEvents(c echo.Context) error {
	afterSeq, err := queryInt64(c, "after_seq")
	if err != nil {
		return apierr.Write(c, err)
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return apierr.Write(c, err)
	}

	page, err := h.service.ListEvents(c.Request().Context(), c.Param("run_id"), afterSeq, limit)
	if err != nil {
		return apierr.Write(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// StreamRunEvents pushes a run's events over a websocket as they are appended,
// starting after after_seq. The server closes the stream once the run's end
// event was sent.
// GET /v1/runs/:run_id/events/ws?after_seq=
func (h *Handler) StreamRunEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")
	cursor, err := queryInt64(c, "after_seq")
	if err != nil {
		return apierr.Write(c, err)
	}
	if cursor < 0 {
		return apierr.BadRequest(c, "after_seq must be non-negative")
	}
	if _, err := h.service.GetRun(ctx, runID, c.QueryParam("owner_id")); err != nil {
		return apierr.Write(c, err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("failed to upgrade event stream", "run_id", runID, "error", err)
		return nil
	}
	defer ws.Close()

	// The client never sends anything; reading surfaces its close frame.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	deadline := time.Now().Add(h.maxStream)
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		page, err := h.service.ListEvents(ctx, runID, cursor, streamPageSize)
		if err != nil {
			slog.Warn("event stream read failed", "run_id", runID, "error", err)
			closeStream(ws, websocket.CloseInternalServerErr, "failed to read events")
			return nil
		}
		for _, event := range page.Items {
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(event); err != nil {
				return nil
			}
			if isEndEvent(event.Type) {
				closeStream(ws, websocket.CloseNormalClosure, "run ended")
				return nil
			}
		}
		cursor = page.NextCursor
		if page.HasMore {
			continue
		}

		if time.Now().After(deadline) {
			closeStream(ws, websocket.CloseNormalClosure, "stream duration exceeded")
			return nil
		}
		select {
		case <-gone:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func isEndEvent(t domain.EventType) bool {
	switch t {
	case domain.EventTypeRunCompleted, domain.EventTypeRunFailed, domain.EventTypeRunCanceled, domain.EventTypeRunExpired:
		return true
	}
	return false
}

func closeStream(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
