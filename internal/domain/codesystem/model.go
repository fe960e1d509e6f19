package codesystem

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CodeSystem maps to the code_system table. The indexed columns carry what
// the registry queries by; Resource holds the full FHIR JSON as submitted.
type CodeSystem struct {
	ID        uuid.UUID              `db:"id" json:"id"`
	FHIRID    string                 `db:"fhir_id" json:"fhir_id"`
	URL       string                 `db:"url" json:"url"`
	Version   string                 `db:"version" json:"version"`
	Name      string                 `db:"name" json:"name"`
	Status    string                 `db:"status" json:"status"`
	Content   string                 `db:"content" json:"content"`
	Resource  map[string]interface{} `db:"resource" json:"resource"`
	CreatedAt time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt time.Time              `db:"updated_at" json:"updated_at"`
}

// FromResource builds the stored form from a FHIR CodeSystem resource.
func FromResource(res map[string]interface{}) (*CodeSystem, error) {
	if rt, _ := res["resourceType"].(string); rt != "CodeSystem" {
		return nil, fmt.Errorf("resourceType must be CodeSystem, got %q", res["resourceType"])
	}
	url, _ := res["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	cs := &CodeSystem{URL: url, Resource: res}
	cs.Version, _ = res["version"].(string)
	cs.Name, _ = res["name"].(string)
	cs.Status, _ = res["status"].(string)
	cs.Content, _ = res["content"].(string)
	cs.FHIRID, _ = res["id"].(string)
	return cs, nil
}

// ToFHIR returns the stored resource with the server-assigned id filled in.
func (cs *CodeSystem) ToFHIR() map[string]interface{} {
	result := make(map[string]interface{}, len(cs.Resource)+2)
	for k, v := range cs.Resource {
		result[k] = v
	}
	result["resourceType"] = "CodeSystem"
	result["id"] = cs.FHIRID
	return result
}
