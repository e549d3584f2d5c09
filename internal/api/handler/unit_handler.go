package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
)

// UnitHandler serves the unit registry to dashboards and provisioning tools.
type UnitHandler struct {
	service ports.UnitService
}

func NewUnitHandler(service ports.UnitService) *UnitHandler {
	return &UnitHandler{service: service}
}

// List handles GET /v1/units. Clients call it after a resync notice.
//
// @Summary      List all units
// @Tags         units
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  listUnitsResponse
// @Failure      401  {object}  errorResponse
// @Router       /v1/units [get]
func (h *UnitHandler) List(c echo.Context) error {
	units, err := h.service.List(c.Request().Context())
	if err != nil {
		return err
	}
	if units == nil {
		units = []*domain.Unit{}
	}
	return c.JSON(http.StatusOK, listUnitsResponse{Items: units, Total: len(units)})
}

// Get handles GET /v1/units/:serial_no.
//
// @Summary      Get a unit
// @Tags         units
// @Produce      json
// @Security     BearerAuth
// @Param        serial_no  path      string  true  "Unit serial number"
// @Success      200        {object}  domain.Unit
// @Failure      404        {object}  errorResponse
// @Router       /v1/units/{serial_no} [get]
func (h *UnitHandler) Get(c echo.Context) error {
	unit, err := h.service.Get(c.Request().Context(), c.Param("serial_no"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, unit)
}

// Register handles POST /v1/units.
//
// @Summary      Register a unit
// @Tags         units
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body  body      registerUnitRequest  true  "Unit"
// @Success      201   {object}  domain.Unit
// @Failure      400   {object}  errorResponse
// @Failure      403   {object}  errorResponse
// @Failure      409   {object}  errorResponse
// @Router       /v1/units [post]
func (h *UnitHandler) Register(c echo.Context) error {
	var req registerUnitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	unit, err := h.service.Register(c.Request().Context(), ports.RegisterUnitInput{
		SerialNo:    req.SerialNo,
		Location:    req.Location,
		Coordinates: req.Coordinates.toDomain(),
		Status:      domain.UnitStatus(req.Status),
	})
	if err != nil {
		return err
	}

	c.Response().Header().Set(echo.HeaderLocation, "/v1/units/"+unit.SerialNo)
	return c.JSON(http.StatusCreated, unit)
}
