package valueset

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValueSet is a stored canonical ValueSet resource.
type ValueSet struct {
	ID        uuid.UUID              `db:"id" json:"id"`
	FHIRID    string                 `db:"fhir_id" json:"fhir_id"`
	URL       string                 `db:"url" json:"url"`
	Version   string                 `db:"version" json:"version"`
	Name      string                 `db:"name" json:"name"`
	Status    string                 `db:"status" json:"status"`
	Resource  map[string]interface{} `db:"resource" json:"resource"`
	CreatedAt time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt time.Time              `db:"updated_at" json:"updated_at"`
}

// FromResource builds the stored form from a FHIR ValueSet resource.
func FromResource(res map[string]interface{}) (*ValueSet, error) {
	if rt, _ := res["resourceType"].(string); rt != "ValueSet" {
		return nil, fmt.Errorf("resourceType must be ValueSet, got %q", res["resourceType"])
	}
	url, _ := res["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	vs := &ValueSet{URL: url, Resource: res}
	vs.Version, _ = res["version"].(string)
	vs.Name, _ = res["name"].(string)
	vs.Status, _ = res["status"].(string)
	vs.FHIRID, _ = res["id"].(string)
	return vs, nil
}

// ToFHIR returns the stored resource with the server-assigned id filled in.
func (vs *ValueSet) ToFHIR() map[string]interface{} {
	result := make(map[string]interface{}, len(vs.Resource)+2)
	for k, v := range vs.Resource {
		result[k] = v
	}
	result["resourceType"] = "ValueSet"
	result["id"] = vs.FHIRID
	return result
}
