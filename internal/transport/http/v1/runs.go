package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/flowlab/internal/domain"
)

// StartRun launches a new experiment run.
// POST /api/run
func (h *Handler) StartRun(c echo.Context) error {
	ctx := c.Request().Context()

	var cfg domain.RunConfig
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	runID, err := h.ctrl.Start(ctx, cfg)
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"run_id": runID,
		"status": "started",
	})
}

// StopRun stops the active run, if any. Idempotent.
// POST /api/stop
func (h *Handler) StopRun(c echo.Context) error {
	status, stopped := h.ctrl.Stop()

	result := "not_running"
	if stopped {
		result = "stopped"
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": result,
		"run_id": status.RunID,
	})
}

// GetStatus reports the controller state.
// GET /api/status
func (h *Handler) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.ctrl.Status())
}

// GetCapture streams the sealed capture artifact for a run identity.
// GET /api/capture?run_id=...
func (h *Handler) GetCapture(c echo.Context) error {
	ctx := c.Request().Context()

	runID := c.QueryParam("run_id")
	if runID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "run_id is required"})
	}

	path, err := h.ctrl.Artifact(ctx, runID)
	if err != nil {
		return errorJSON(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/vnd.tcpdump.pcap")
	return c.Attachment(path, runID+".pcap")
}
