package valueset

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
	fhirGroup.GET("/ValueSet", h.SearchValueSets)
	fhirGroup.POST("/ValueSet", h.CreateValueSet)
	fhirGroup.GET("/ValueSet/:id", h.GetValueSet)
	fhirGroup.PUT("/ValueSet/:id", fhir.MethodNotSupported)
	fhirGroup.DELETE("/ValueSet/:id", fhir.MethodNotSupported)
}

func (h *Handler) SearchValueSets(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := fhir.ExtractSearchParams(c, "url", "version", "status", "name")
	items, total, err := h.svc.SearchValueSets(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	bundle := fhir.NewSearchBundle(resources, total, "/fhir/ValueSet")
	bundle["link"] = pg.FHIRLinks("/fhir/ValueSet", total)
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) GetValueSet(c echo.Context) error {
	vs, err := h.svc.GetValueSetByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("ValueSet", c.Param("id")))
	}
	return c.JSON(http.StatusOK, vs.ToFHIR())
}

func (h *Handler) CreateValueSet(c echo.Context) error {
	var res map[string]interface{}
	if err := c.Bind(&res); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	vs, err := FromResource(res)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	if err := h.svc.CreateValueSet(c.Request().Context(), vs); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	c.Response().Header().Set("Location", "/fhir/ValueSet/"+vs.FHIRID)
	return c.JSON(http.StatusCreated, vs.ToFHIR())
}
