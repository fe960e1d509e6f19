package codesystem

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhirterm/fhirterm/internal/platform/fhir"
	"github.com/fhirterm/fhirterm/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/CodeSystem", h.SearchCodeSystems)
	fhirGroup.POST("/CodeSystem", h.CreateCodeSystem)
	fhirGroup.GET("/CodeSystem/:id", h.GetCodeSystem)
	fhirGroup.PUT("/CodeSystem/:id", fhir.MethodNotSupported)
	fhirGroup.DELETE("/CodeSystem/:id", fhir.MethodNotSupported)
}

func (h *Handler) SearchCodeSystems(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := fhir.ExtractSearchParams(c, "url", "version", "status", "content", "name")
	items, total, err := h.svc.SearchCodeSystems(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	bundle := fhir.NewSearchBundle(resources, total, "/fhir/CodeSystem")
	bundle["link"] = pg.FHIRLinks("/fhir/CodeSystem", total)
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) GetCodeSystem(c echo.Context) error {
	cs, err := h.svc.GetCodeSystemByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("CodeSystem", c.Param("id")))
	}
	return c.JSON(http.StatusOK, cs.ToFHIR())
}

func (h *Handler) CreateCodeSystem(c echo.Context) error {
	var res map[string]interface{}
	if err := c.Bind(&res); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	cs, err := FromResource(res)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	if err := h.svc.CreateCodeSystem(c.Request().Context(), cs); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	c.Response().Header().Set("Location", "/fhir/CodeSystem/"+cs.FHIRID)
	return c.JSON(http.StatusCreated, cs.ToFHIR())
}
