package provider

import (
	"strings"

	"github.com/fhirterm/fhirterm/internal/term"
)

// Supplement is a parsed CodeSystem supplement: extra designations and
// properties for an existing code system, never new codes. The supplement set
// for a provider is fixed at construction.
type Supplement struct {
	URL         string
	Version     string
	Supplements string // base CodeSystem url, optionally |version qualified
	Language    string
	Designations map[string][]term.Designation
	Properties   map[string][]Property
}

// Identifier returns "url|version", or the bare url without a version.
func (s *Supplement) Identifier() string {
	if s.Version == "" {
		return s.URL
	}
	return s.URL + "|" + s.Version
}

// AppliesTo reports whether the supplement targets the given system and
// version. A version qualifier on the supplements pointer must agree; an
// unqualified pointer matches any version.
func (s *Supplement) AppliesTo(system, version string) bool {
	base := s.Supplements
	wantVersion := ""
	if idx := strings.Index(base, "|"); idx >= 0 {
		wantVersion = base[idx+1:]
		base = base[:idx]
	}
	if base != system {
		return false
	}
	return wantVersion == "" || version == "" || wantVersion == version
}

// ParseSupplement reads a CodeSystem resource with content=supplement.
func ParseSupplement(res map[string]interface{}) (*Supplement, error) {
	if rt, _ := res["resourceType"].(string); rt != "CodeSystem" {
		return nil, term.Invalid("Supplement must be a CodeSystem, got %q", rt)
	}
	if content, _ := res["content"].(string); content != string(term.ContentSupplement) {
		return nil, term.Invalid("CodeSystem is not a supplement (content=%q)", res["content"])
	}
	target, _ := res["supplements"].(string)
	if target == "" {
		return nil, term.Invalid("Supplement is missing the 'supplements' target")
	}
	s := &Supplement{
		Supplements:  target,
		Designations: make(map[string][]term.Designation),
		Properties:   make(map[string][]Property),
	}
	s.URL, _ = res["url"].(string)
	s.Version, _ = res["version"].(string)
	s.Language, _ = res["language"].(string)
	concepts, _ := res["concept"].([]interface{})
	if err := s.walkConcepts(concepts); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Supplement) walkConcepts(concepts []interface{}) error {
	for _, raw := range concepts {
		c, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		code, _ := c["code"].(string)
		if code == "" {
			return term.Invalid("Invalid CodeSystem supplement: code is required")
		}
		// The supplement's own display counts as a designation in the
		// supplement's language.
		if disp, _ := c["display"].(string); disp != "" {
			s.Designations[code] = append(s.Designations[code], term.Designation{
				Language: s.Language,
				Value:    disp,
			})
		}
		if desigs, ok := c["designation"].([]interface{}); ok {
			for _, dr := range desigs {
				d, ok := dr.(map[string]interface{})
				if !ok {
					continue
				}
				des := term.Designation{}
				des.Language, _ = d["language"].(string)
				des.Value, _ = d["value"].(string)
				if use, ok := d["use"].(map[string]interface{}); ok {
					des.UseCode, _ = use["code"].(string)
					des.UseSystem, _ = use["system"].(string)
				}
				if des.Value != "" {
					s.Designations[code] = append(s.Designations[code], des)
				}
			}
		}
		if props, ok := c["property"].([]interface{}); ok {
			for _, pr := range props {
				p, ok := pr.(map[string]interface{})
				if !ok {
					continue
				}
				prop := Property{}
				prop.Code, _ = p["code"].(string)
				prop.Type, prop.Value = propertyValue(p)
				if prop.Code != "" {
					s.Properties[code] = append(s.Properties[code], prop)
				}
			}
		}
		if children, ok := c["concept"].([]interface{}); ok {
			if err := s.walkConcepts(children); err != nil {
				return err
			}
		}
	}
	return nil
}

// propertyValue extracts the typed value[x] from a concept property element.
func propertyValue(p map[string]interface{}) (string, interface{}) {
	if v, ok := p["valueCode"]; ok {
		return "code", v
	}
	if v, ok := p["valueString"]; ok {
		return "string", v
	}
	if v, ok := p["valueInteger"]; ok {
		return "integer", v
	}
	if v, ok := p["valueDecimal"]; ok {
		return "decimal", v
	}
	if v, ok := p["valueBoolean"]; ok {
		return "boolean", v
	}
	if v, ok := p["valueCoding"]; ok {
		return "Coding", v
	}
	if v, ok := p["valueDateTime"]; ok {
		return "dateTime", v
	}
	return "", nil
}
