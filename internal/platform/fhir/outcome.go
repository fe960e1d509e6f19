// Package fhir is the wire layer: OperationOutcome and Parameters handling,
// search bundles, the capability statement, and the terminology operation
// endpoints.
package fhir

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhirterm/fhirterm/internal/term"
)

// Outcome builds an OperationOutcome with a single issue.
func Outcome(severity, code, text string, diagnostics []string) map[string]interface{} {
	issue := map[string]interface{}{
		"severity": severity,
		"code":     code,
	}
	if text != "" {
		issue["details"] = map[string]interface{}{"text": text}
	}
	if len(diagnostics) > 0 {
		diag := ""
		for i, d := range diagnostics {
			if i > 0 {
				diag += "\n"
			}
			diag += d
		}
		issue["diagnostics"] = diag
	}
	return map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue":        []interface{}{issue},
	}
}

// ErrorOutcome builds a generic processing-error outcome.
func ErrorOutcome(text string) map[string]interface{} {
	return Outcome("error", "processing", text, nil)
}

// NotFoundOutcome builds the outcome for a missing stored resource.
func NotFoundOutcome(resourceType, id string) map[string]interface{} {
	return Outcome("error", "not-found",
		fmt.Sprintf("%s/%s not found", resourceType, id), nil)
}

// OutcomeFromError maps any error onto an OperationOutcome and HTTP status.
// OpErrors carry their own issue code and status; anything else reads as an
// internal fault.
func OutcomeFromError(err error) (map[string]interface{}, int) {
	if oe, ok := term.AsOpError(err); ok {
		return Outcome("error", oe.IssueCode(), oe.Message, oe.Diagnostics), oe.HTTPStatus()
	}
	return Outcome("error", "exception", err.Error(), nil), http.StatusInternalServerError
}

// MethodNotSupported answers PUT and DELETE on stored resources.
func MethodNotSupported(c echo.Context) error {
	return c.JSON(http.StatusMethodNotAllowed,
		Outcome("error", "not-supported",
			fmt.Sprintf("%s is not supported on %s", c.Request().Method, c.Path()), nil))
}

// ExtractSearchParams pulls the named query parameters that are present.
func ExtractSearchParams(c echo.Context, names ...string) map[string]string {
	out := map[string]string{}
	for _, name := range names {
		if v := c.QueryParam(name); v != "" {
			out[name] = v
		}
	}
	return out
}
