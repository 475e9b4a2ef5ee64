// Package apierr maps engine errors onto HTTP responses.
package apierr

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Status returns the HTTP status for err.
func Status(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotResumable),
		errors.Is(err, domain.ErrRunTerminal),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrIdempotencyInProgress),
		errors.Is(err, domain.ErrIdempotencyKeyReuse):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// Write renders err as {"error": "..."}. Internal errors are logged and their
// detail is not echoed to the caller.
func Write(c echo.Context, err error) error {
	status := Status(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
		msg = "internal error"
	}
	return c.JSON(status, map[string]string{"error": msg})
}

// BadRequest renders a 400 with msg.
func BadRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}
