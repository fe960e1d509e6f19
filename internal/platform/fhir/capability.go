package fhir

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// ServerVersion is reported in the capability statement and on /health.
const ServerVersion = "0.1.0"

// Metadata serves the capability statement: terminology operations only, no
// general REST interactions beyond read and search.
func (h *Handler) Metadata(c echo.Context) error {
	operation := func(name, definition string) map[string]interface{} {
		return map[string]interface{}{"name": name, "definition": definition}
	}
	resource := func(typ string, ops ...map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{
			"type": typ,
			"interaction": []map[string]interface{}{
				{"code": "read"},
				{"code": "search-type"},
				{"code": "create"},
			},
			"operation": ops,
		}
	}

	statement := map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"fhirVersion":  "5.0.0",
		"format":       []string{"json"},
		"software": map[string]interface{}{
			"name":    "fhirterm",
			"version": ServerVersion,
		},
		"rest": []map[string]interface{}{
			{
				"mode": "server",
				"resource": []map[string]interface{}{
					resource("CodeSystem",
						operation("lookup", "http://hl7.org/fhir/OperationDefinition/CodeSystem-lookup"),
						operation("validate-code", "http://hl7.org/fhir/OperationDefinition/CodeSystem-validate-code"),
						operation("subsumes", "http://hl7.org/fhir/OperationDefinition/CodeSystem-subsumes"),
					),
					resource("ValueSet",
						operation("expand", "http://hl7.org/fhir/OperationDefinition/ValueSet-expand"),
						operation("validate-code", "http://hl7.org/fhir/OperationDefinition/ValueSet-validate-code"),
					),
					resource("ConceptMap",
						operation("translate", "http://hl7.org/fhir/OperationDefinition/ConceptMap-translate"),
					),
				},
			},
		},
	}
	return c.JSON(http.StatusOK, statement)
}
