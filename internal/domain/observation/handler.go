package observation

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/intellisoft/digitalhealth/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the routes on api. mw runs after the role check, so
// a response cache passed here never answers a principal the route denies.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	read := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleRegistrar, auth.RoleViewer))
	read.Use(mw...)
	read.GET("/patients/:id/observations", h.ListObservations)

	write := api.Group("", auth.RequireRole(auth.RoleClinician))
	write.Use(mw...)
	write.POST("/patients/add/observations/:encounterId", h.AddObservation)
}

func (h *Handler) AddObservation(c echo.Context) error {
	encounterID, err := strconv.ParseInt(c.Param("encounterId"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := h.svc.AddObservation(c.Request().Context(), encounterID, in)
	if err != nil {
		return err
	}
	return c.JSON(resp.Status, resp)
}

func (h *Handler) ListObservations(c echo.Context) error {
	patientID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	resp, err := h.svc.ListObservations(c.Request().Context(), patientID)
	if err != nil {
		return err
	}
	return c.JSON(resp.Status, resp)
}
