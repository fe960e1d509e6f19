package worker

import (
	"fmt"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
)

// TranslateRequest carries the $translate inputs. Without a URL the worker
// selects a ConceptMap whose groups connect the source and target scopes.
type TranslateRequest struct {
	URL               string
	ConceptMapVersion string
	SourceSystem      string
	SourceCode        string
	SourceVersion     string
	TargetSystem      string
	SourceScope       string
	TargetScope       string
}

// Match is one $translate result entry.
type Match struct {
	Relationship string
	Concept      term.Coding
	Source       string // canonical URL of the ConceptMap that produced it
}

// TranslateResult is the $translate output.
type TranslateResult struct {
	Result  bool
	Message string
	Matches []Match
}

// relationships normalizes both R5 relationship codes and R4 equivalence
// codes onto the R5 vocabulary.
var relationships = map[string]string{
	"related-to":                      "related-to",
	"equivalent":                      "equivalent",
	"equal":                           "equivalent",
	"source-is-narrower-than-target":  "source-is-narrower-than-target",
	"wider":                           "source-is-narrower-than-target",
	"subsumes":                        "source-is-narrower-than-target",
	"source-is-broader-than-target":   "source-is-broader-than-target",
	"narrower":                        "source-is-broader-than-target",
	"specializes":                     "source-is-broader-than-target",
	"not-related-to":                  "not-related-to",
	"unmatched":                       "not-related-to",
	"disjoint":                        "not-related-to",
	"inexact":                         "related-to",
	"relatedto":                       "related-to",
}

// Translate maps a source concept through a ConceptMap.
func (w *Worker) Translate(ctx *opctx.OperationContext, req TranslateRequest) (*TranslateResult, error) {
	if req.SourceCode == "" {
		return nil, term.Invalid("$translate requires a source code")
	}
	if err := ctx.DeadCheck("worker.translate"); err != nil {
		return nil, err
	}

	maps, err := w.selectConceptMaps(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &TranslateResult{}
	for _, cm := range maps {
		w.collectMatches(cm, req, result)
	}
	for _, m := range result.Matches {
		if m.Relationship != "not-related-to" {
			result.Result = true
			break
		}
	}
	if len(result.Matches) == 0 {
		result.Message = fmt.Sprintf("No mapping found for '%s' from system '%s'",
			req.SourceCode, req.SourceSystem)
	}
	return result, nil
}

// selectConceptMaps picks the maps to consult: an explicit URL names exactly
// one; otherwise every map connecting the source system (and target when
// given) participates.
func (w *Worker) selectConceptMaps(ctx *opctx.OperationContext, req TranslateRequest) ([]map[string]interface{}, error) {
	if req.URL != "" {
		cm, ok := w.resolveResource(ctx, "ConceptMap", req.URL, req.ConceptMapVersion)
		if !ok {
			return nil, term.NotFound("Unknown ConceptMap '%s'", req.URL)
		}
		return []map[string]interface{}{cm}, nil
	}

	var out []map[string]interface{}
	for _, cm := range w.allResources(ctx, "ConceptMap") {
		if w.mapConnects(cm, req) {
			out = append(out, cm)
		}
	}
	if len(out) == 0 {
		return nil, term.NotFound("No ConceptMap found from '%s' to '%s'",
			pickScope(req.SourceSystem, req.SourceScope), pickScope(req.TargetSystem, req.TargetScope))
	}
	return out, nil
}

func pickScope(system, scope string) string {
	if system != "" {
		return system
	}
	if scope != "" {
		return scope
	}
	return "<any>"
}

// mapConnects reports whether any group of the map leads from the requested
// source to the requested target.
func (w *Worker) mapConnects(cm map[string]interface{}, req TranslateRequest) bool {
	if req.SourceScope != "" && str(cm["sourceScopeUri"]) != "" && str(cm["sourceScopeUri"]) != req.SourceScope {
		return false
	}
	if req.TargetScope != "" && str(cm["targetScopeUri"]) != "" && str(cm["targetScopeUri"]) != req.TargetScope {
		return false
	}
	for _, raw := range listOf(cm["group"]) {
		g, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if req.SourceSystem != "" && str(g["source"]) != req.SourceSystem {
			continue
		}
		if req.TargetSystem != "" && str(g["target"]) != req.TargetSystem {
			continue
		}
		return true
	}
	return false
}

func (w *Worker) collectMatches(cm map[string]interface{}, req TranslateRequest, result *TranslateResult) {
	source := str(cm["url"])
	for _, raw := range listOf(cm["group"]) {
		g, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if req.SourceSystem != "" && str(g["source"]) != req.SourceSystem {
			continue
		}
		if req.TargetSystem != "" && str(g["target"]) != req.TargetSystem {
			continue
		}
		target := str(g["target"])
		for _, er := range listOf(g["element"]) {
			el, ok := er.(map[string]interface{})
			if !ok || str(el["code"]) != req.SourceCode {
				continue
			}
			for _, tr := range listOf(el["target"]) {
				t, ok := tr.(map[string]interface{})
				if !ok {
					continue
				}
				rel := str(t["relationship"])
				if rel == "" {
					rel = str(t["equivalence"])
				}
				normalized, ok := relationships[rel]
				if !ok {
					normalized = "related-to"
				}
				result.Matches = append(result.Matches, Match{
					Relationship: normalized,
					Concept: term.Coding{
						System:  target,
						Code:    str(t["code"]),
						Display: str(t["display"]),
					},
					Source: source,
				})
			}
		}
	}
}

func listOf(v interface{}) []interface{} {
	out, _ := v.([]interface{})
	return out
}
