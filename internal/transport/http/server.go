// Package http provides the HTTP servers of the run engine.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/agentrun/internal/service"
	"github.com/xiaot623/agentrun/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/agentrun/internal/transport/http/v1"
)

// NewExternalServer creates and configures the external-facing HTTP server.
// This server handles the run, conversation and ledger APIs.
func NewExternalServer(svc *service.Service, autoAdvance bool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc, autoAdvance)

	// Register Routes
	v1Handler.RegisterRoutes(e)

	return e
}

// NewInternalServer creates and configures the internal-facing HTTP server.
// This server handles ledger deltas, admin grants, sandbox callbacks and maintenance.
func NewInternalServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Handlers
	internalHandler := internalapi.NewHandler(svc)

	// Register Routes
	internalHandler.RegisterRoutes(e)

	return e
}
