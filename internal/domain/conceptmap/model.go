package conceptmap

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConceptMap is a stored canonical ConceptMap resource. SourceScope and
// TargetScope are indexed so URL-less $translate can select candidate maps.
type ConceptMap struct {
	ID          uuid.UUID              `db:"id" json:"id"`
	FHIRID      string                 `db:"fhir_id" json:"fhir_id"`
	URL         string                 `db:"url" json:"url"`
	Version     string                 `db:"version" json:"version"`
	Name        string                 `db:"name" json:"name"`
	Status      string                 `db:"status" json:"status"`
	SourceScope string                 `db:"source_scope" json:"source_scope"`
	TargetScope string                 `db:"target_scope" json:"target_scope"`
	Resource    map[string]interface{} `db:"resource" json:"resource"`
	CreatedAt   time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time              `db:"updated_at" json:"updated_at"`
}

// FromResource builds the stored form from a FHIR ConceptMap resource.
func FromResource(res map[string]interface{}) (*ConceptMap, error) {
	if rt, _ := res["resourceType"].(string); rt != "ConceptMap" {
		return nil, fmt.Errorf("resourceType must be ConceptMap, got %q", res["resourceType"])
	}
	url, _ := res["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	cm := &ConceptMap{URL: url, Resource: res}
	cm.Version, _ = res["version"].(string)
	cm.Name, _ = res["name"].(string)
	cm.Status, _ = res["status"].(string)
	cm.SourceScope, _ = res["sourceScopeUri"].(string)
	cm.TargetScope, _ = res["targetScopeUri"].(string)
	cm.FHIRID, _ = res["id"].(string)
	return cm, nil
}

// ToFHIR returns the stored resource with the server-assigned id filled in.
func (cm *ConceptMap) ToFHIR() map[string]interface{} {
	result := make(map[string]interface{}, len(cm.Resource)+2)
	for k, v := range cm.Resource {
		result[k] = v
	}
	result["resourceType"] = "ConceptMap"
	result["id"] = cm.FHIRID
	return result
}
