package patient

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
	read.GET("/patients/:id", h.RetrievePatient)

	write := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleRegistrar))
	write.Use(mw...)
	write.POST("/patients", h.CreatePatient)
	write.PUT("/patients/:id", h.UpdatePatient)
	write.DELETE("/patients/:id", h.DeletePatient)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := h.svc.CreatePatient(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(resp.Status, resp)
}

func (h *Handler) RetrievePatient(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	resp, err := h.svc.RetrievePatient(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(resp.Status, resp)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := h.svc.UpdatePatient(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(resp.Status, resp)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	resp, err := h.svc.DeletePatient(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(resp.Status, resp)
}
