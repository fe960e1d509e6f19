package fhir

import (
	"time"
)

// NewSearchBundle wraps search results as a FHIR searchset Bundle.
func NewSearchBundle(resources []interface{}, total int, basePath string) map[string]interface{} {
	entries := make([]interface{}, len(resources))
	for i, res := range resources {
		entry := map[string]interface{}{"resource": res}
		if m, ok := res.(map[string]interface{}); ok {
			if id, ok := m["id"].(string); ok && id != "" {
				entry["fullUrl"] = basePath + "/" + id
			}
		}
		entries[i] = entry
	}
	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        total,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"entry":        entries,
	}
}
