package encounter

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/intellisoft/digitalhealth/internal/platform/auth"
	"github.com/intellisoft/digitalhealth/pkg/pagination"
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
	read.GET("/patients", h.SearchPatientEncounters)
	read.GET("/patients/:id/encounters", h.ListEncounters)
	read.GET("/patients/:id/encounters/paged", h.ListEncountersPaged)

	write := api.Group("", auth.RequireRole(auth.RoleClinician))
	write.Use(mw...)
	write.POST("/patients/add-encounter/:patientId", h.AddEncounter)
	write.POST("/patients/end/encounter/:encounterId", h.EndEncounter)
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) AddEncounter(c echo.Context) error {
	patientID, err := pathID(c, "patientId")
	if err != nil {
		return err
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := h.svc.AddEncounter(c.Request().Context(), patientID, in)
	if err != nil {
		return err
	}
	return c.JSON(resp.Status, resp)
}

func (h *Handler) EndEncounter(c echo.Context) error {
	encounterID, err := pathID(c, "encounterId")
	if err != nil {
		return err
	}
	var in EndInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := h.svc.EndEncounter(c.Request().Context(), encounterID, in.EndEncounter)
	if err != nil {
		return err
	}
	return c.JSON(resp.Status, resp)
}

func (h *Handler) ListEncounters(c echo.Context) error {
	patientID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	resp, err := h.svc.ListEncounters(c.Request().Context(), patientID)
	if err != nil {
		return err
	}
	return c.JSON(resp.Status, resp)
}

func (h *Handler) ListEncountersPaged(c echo.Context) error {
	patientID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	p, err := pagination.FromContext(c)
	if err != nil {
		return pageFault(err)
	}
	resp, err := h.svc.ListEncountersPaged(c.Request().Context(), patientID, p)
	if err != nil {
		return err
	}
	return c.JSON(resp.Status, resp)
}

func (h *Handler) SearchPatientEncounters(c echo.Context) error {
	p, err := pagination.FromContext(c)
	if err != nil {
		return pageFault(err)
	}
	resp, err := h.svc.SearchPatientEncounters(c.Request().Context(), SearchQuery{
		FamilyName: c.QueryParam("family"),
		GivenName:  c.QueryParam("given"),
		Identifier: c.QueryParam("identifier"),
		BirthDate:  c.QueryParam("birthDate"),
		Page:       p,
	})
	if err != nil {
		return err
	}
	return c.JSON(resp.Status, resp)
}
