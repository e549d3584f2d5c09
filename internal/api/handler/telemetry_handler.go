package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/smartsanitation/fleet-core/internal/core/ports"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/metrics"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/queue"
)

// TelemetryHandler accepts device readings over HTTP.
type TelemetryHandler struct {
	service ports.TelemetryService
}

func NewTelemetryHandler(service ports.TelemetryService) *TelemetryHandler {
	return &TelemetryHandler{service: service}
}

// Ingest handles POST /v1/telemetry.
//
// @Summary      Ingest a device reading
// @Tags         telemetry
// @Accept       json
// @Produce      json
// @Param        X-Device-Key  header    string            false  "Shared device key"
// @Param        body          body      telemetryRequest  true   "Reading"
// @Success      200           {object}  telemetryResponse
// @Failure      400           {object}  errorResponse
// @Failure      401           {object}  errorResponse
// @Failure      404           {object}  errorResponse
// @Router       /v1/telemetry [post]
func (h *TelemetryHandler) Ingest(c echo.Context) error {
	var req telemetryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	start := time.Now()
	res, err := h.service.Ingest(c.Request().Context(), req.SerialNo, ports.TelemetryReading{
		FillLevel:    *req.FillLevel,
		BatteryLevel: *req.BatteryLevel,
		Coordinates:  req.Coordinates.toDomain(),
		Timestamp:    req.Timestamp,
	})
	result := queue.ResultLabel(res, err)
	metrics.TelemetryProcessingDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	metrics.TelemetryReadingsTotal.WithLabelValues("http", result).Inc()
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, telemetryResponse{Unit: res.Unit, Applied: res.Applied})
}
