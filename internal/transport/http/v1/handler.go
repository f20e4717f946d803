// Package v1 provides the REST handlers for run control.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/flowlab/internal/controller"
	"github.com/xiaot623/flowlab/internal/domain"
)

// Handler handles HTTP requests.
type Handler struct {
	ctrl *controller.Controller
}

// NewHandler creates a new handler.
func NewHandler(ctrl *controller.Controller) *Handler {
	return &Handler{ctrl: ctrl}
}

// RegisterRoutes registers the control routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/api/run", h.StartRun)
	e.POST("/api/stop", h.StopRun)
	e.GET("/api/status", h.GetStatus)
	e.GET("/api/capture", h.GetCapture)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// httpStatusFor maps the error taxonomy onto HTTP status codes.
func httpStatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidConfig:
		return http.StatusBadRequest
	case domain.CodeRunAlreadyActive:
		return http.StatusConflict
	case domain.CodeArtifactUnavailable:
		return http.StatusNotFound
	case domain.CodeSpawnFailed, domain.CodeCaptureSpawnFailed:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func errorJSON(c echo.Context, err error) error {
	code := domain.CodeOf(err)
	if code == "" {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(httpStatusFor(code), map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}
