// Package http assembles the HTTP server for the experiment backend.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/flowlab/internal/config"
	"github.com/xiaot623/flowlab/internal/controller"
	"github.com/xiaot623/flowlab/internal/transport/http/v1"
	"github.com/xiaot623/flowlab/internal/transport/ws"
)

// NewServer creates and configures the echo server: REST control surface
// plus the two websocket log streams.
func NewServer(cfg *config.Config, ctrl *controller.Controller) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	apiHandler := v1.NewHandler(ctrl)
	wsServer := ws.NewServer(cfg, ctrl)

	// Register routes
	apiHandler.RegisterRoutes(e)
	wsServer.RegisterRoutes(e)

	return e
}
