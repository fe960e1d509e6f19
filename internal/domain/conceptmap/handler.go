package conceptmap

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
	fhirGroup.GET("/ConceptMap", h.SearchConceptMaps)
	fhirGroup.POST("/ConceptMap", h.CreateConceptMap)
	fhirGroup.GET("/ConceptMap/:id", h.GetConceptMap)
	fhirGroup.PUT("/ConceptMap/:id", fhir.MethodNotSupported)
	fhirGroup.DELETE("/ConceptMap/:id", fhir.MethodNotSupported)
}

func (h *Handler) SearchConceptMaps(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := fhir.ExtractSearchParams(c, "url", "version", "status", "source-scope", "target-scope", "name")
	items, total, err := h.svc.SearchConceptMaps(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]interface{}, len(items))
	for i, item := range items {
		resources[i] = item.ToFHIR()
	}
	bundle := fhir.NewSearchBundle(resources, total, "/fhir/ConceptMap")
	bundle["link"] = pg.FHIRLinks("/fhir/ConceptMap", total)
	return c.JSON(http.StatusOK, bundle)
}

func (h *Handler) GetConceptMap(c echo.Context) error {
	cm, err := h.svc.GetConceptMapByFHIRID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("ConceptMap", c.Param("id")))
	}
	return c.JSON(http.StatusOK, cm.ToFHIR())
}

func (h *Handler) CreateConceptMap(c echo.Context) error {
	var res map[string]interface{}
	if err := c.Bind(&res); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	cm, err := FromResource(res)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	if err := h.svc.CreateConceptMap(c.Request().Context(), cm); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	}
	c.Response().Header().Set("Location", "/fhir/ConceptMap/"+cm.FHIRID)
	return c.JSON(http.StatusCreated, cm.ToFHIR())
}
