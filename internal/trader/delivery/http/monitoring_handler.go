package http

import (
	"net/http"
	"strconv"

	"golang-hma-trader/internal/trader/dto"
	"golang-hma-trader/internal/trader/service"
	"golang-hma-trader/pkg/logger"

	"github.com/labstack/echo/v4"
)

// MonitoringHandler handles HTTP requests for watch-list and monitoring
// control.
type MonitoringHandler struct {
	monitoringService service.MonitoringService
	logger            *logger.Logger
}

// NewMonitoringHandler creates a new MonitoringHandler.
func NewMonitoringHandler(monitoringService service.MonitoringService, logger *logger.Logger) *MonitoringHandler {
	return &MonitoringHandler{monitoringService: monitoringService, logger: logger}
}

// RegisterRoutes registers the monitoring routes to the Echo group.
func (h *MonitoringHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/accounts/:id/monitoring/start", h.StartMonitoring)
	g.POST("/accounts/:id/monitoring/stop", h.StopMonitoring)
	g.POST("/accounts/:id/cycle", h.RunCycle)
	g.GET("/accounts/:id/status", h.GetStatus)
	g.POST("/instruments", h.AddInstrument)
	g.DELETE("/instruments/:id", h.RemoveInstrument)
	g.POST("/instruments/:id/reset", h.ResetInstrument)
}

// StartMonitoring enables the periodic monitoring cycle for an account.
func (h *MonitoringHandler) StartMonitoring(c echo.Context) error {
	accountID, err := parseUintParam(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid account ID"})
	}

	if err := h.monitoringService.StartMonitoring(c.Request().Context(), accountID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"monitoring": true})
}

// StopMonitoring disables the periodic monitoring cycle for an account.
func (h *MonitoringHandler) StopMonitoring(c echo.Context) error {
	accountID, err := parseUintParam(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid account ID"})
	}

	if err := h.monitoringService.StopMonitoring(c.Request().Context(), accountID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"monitoring": false})
}

// RunCycle triggers one monitoring pass immediately, outside the schedule.
func (h *MonitoringHandler) RunCycle(c echo.Context) error {
	accountID, err := parseUintParam(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid account ID"})
	}

	if err := h.monitoringService.RunMonitoringCycle(c.Request().Context(), accountID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "cycle completed"})
}

// GetStatus returns the watch list and open positions for an account.
func (h *MonitoringHandler) GetStatus(c echo.Context) error {
	accountID, err := parseUintParam(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid account ID"})
	}

	status, err := h.monitoringService.GetStatus(c.Request().Context(), accountID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, status)
}

// AddInstrument adds an instrument to the watch list.
func (h *MonitoringHandler) AddInstrument(c echo.Context) error {
	var req dto.AddInstrumentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid request payload"})
	}

	resp, err := h.monitoringService.AddInstrument(c.Request().Context(), req)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, resp)
}

// RemoveInstrument removes an instrument from the watch list.
func (h *MonitoringHandler) RemoveInstrument(c echo.Context) error {
	instrumentID, err := parseUintParam(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid instrument ID"})
	}

	if err := h.monitoringService.RemoveInstrument(c.Request().Context(), instrumentID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

// ResetInstrument is the manual path out of the rejected state.
func (h *MonitoringHandler) ResetInstrument(c echo.Context) error {
	instrumentID, err := parseUintParam(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid instrument ID"})
	}

	if err := h.monitoringService.ResetInstrument(c.Request().Context(), instrumentID); err != nil {
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "reset"})
}

func parseUintParam(c echo.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}
