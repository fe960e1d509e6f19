// Package registry exposes the stored canonical resources as the read view
// the workers consume.
package registry

import (
	"context"
	"time"

	"github.com/fhirterm/fhirterm/internal/domain/codesystem"
	"github.com/fhirterm/fhirterm/internal/domain/conceptmap"
	"github.com/fhirterm/fhirterm/internal/domain/valueset"
)

// storeTimeout bounds registry lookups independently of the operation budget,
// which DeadCheck enforces around each call.
const storeTimeout = 10 * time.Second

// Source resolves canonical resources across the three domain services.
type Source struct {
	CodeSystems *codesystem.Service
	ValueSets   *valueset.Service
	ConceptMaps *conceptmap.Service
}

func (s *Source) Find(resourceType, url, version string) (map[string]interface{}, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	switch resourceType {
	case "CodeSystem":
		if cs, err := s.CodeSystems.GetCodeSystemByURL(ctx, url, version); err == nil {
			return cs.ToFHIR(), true
		}
	case "ValueSet":
		if vs, err := s.ValueSets.GetValueSetByURL(ctx, url, version); err == nil {
			return vs.ToFHIR(), true
		}
	case "ConceptMap":
		if cm, err := s.ConceptMaps.GetConceptMapByURL(ctx, url, version); err == nil {
			return cm.ToFHIR(), true
		}
	}
	return nil, false
}

// ResourceByID resolves a stored resource by its server-assigned id, for the
// instance-level operation endpoints.
func (s *Source) ResourceByID(resourceType, id string) (map[string]interface{}, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	switch resourceType {
	case "CodeSystem":
		if cs, err := s.CodeSystems.GetCodeSystemByFHIRID(ctx, id); err == nil {
			return cs.ToFHIR(), true
		}
	case "ValueSet":
		if vs, err := s.ValueSets.GetValueSetByFHIRID(ctx, id); err == nil {
			return vs.ToFHIR(), true
		}
	case "ConceptMap":
		if cm, err := s.ConceptMaps.GetConceptMapByFHIRID(ctx, id); err == nil {
			return cm.ToFHIR(), true
		}
	}
	return nil, false
}

func (s *Source) AllOf(resourceType string) []map[string]interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	var out []map[string]interface{}
	switch resourceType {
	case "CodeSystem":
		items, _ := s.CodeSystems.AllCodeSystems(ctx)
		for _, cs := range items {
			out = append(out, cs.ToFHIR())
		}
	case "ValueSet":
		items, _ := s.ValueSets.AllValueSets(ctx)
		for _, vs := range items {
			out = append(out, vs.ToFHIR())
		}
	case "ConceptMap":
		items, _ := s.ConceptMaps.AllConceptMaps(ctx)
		for _, cm := range items {
			out = append(out, cm.ToFHIR())
		}
	}
	return out
}
