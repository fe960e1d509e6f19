// Package worker executes terminology operations: it resolves providers and
// resources (client-submitted first, then registered, then stored), runs the
// operation, and reports results the wire layer renders into Parameters.
package worker

import (
	"github.com/rs/zerolog"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/expand"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
	"github.com/fhirterm/fhirterm/internal/term/provider/fhircs"
)

// ResourceSource is a read view over canonical resources (stored CodeSystems,
// ValueSets, ConceptMaps). The domain services implement it.
type ResourceSource interface {
	Find(resourceType, url, version string) (map[string]interface{}, bool)
	AllOf(resourceType string) []map[string]interface{}
}

// Worker binds the provider registry, the stored-resource view, and the
// logger into one operation executor. One Worker serves all requests.
type Worker struct {
	Registry *provider.Registry
	Store    ResourceSource
	Logger   zerolog.Logger
}

// resolveResource looks a resource up by canonical url: the request's own
// submitted resources win over the server's store.
func (w *Worker) resolveResource(ctx *opctx.OperationContext, resourceType, url, version string) (map[string]interface{}, bool) {
	if ctx.Resources != nil {
		if res, ok := ctx.Resources.Find(resourceType, url, version); ok {
			return res, true
		}
	}
	if w.Store != nil {
		if res, ok := w.Store.Find(resourceType, url, version); ok {
			return res, true
		}
	}
	return nil, false
}

// allResources merges the request's submitted resources with the stored ones.
func (w *Worker) allResources(ctx *opctx.OperationContext, resourceType string) []map[string]interface{} {
	var out []map[string]interface{}
	if ctx.Resources != nil {
		out = append(out, ctx.Resources.AllOf(resourceType)...)
	}
	if w.Store != nil {
		out = append(out, w.Store.AllOf(resourceType)...)
	}
	return out
}

// supplementsFor collects the parsed supplements targeting a code system.
func (w *Worker) supplementsFor(ctx *opctx.OperationContext, system, version string) []*provider.Supplement {
	var out []*provider.Supplement
	for _, res := range w.allResources(ctx, "CodeSystem") {
		if content, _ := res["content"].(string); content != string(term.ContentSupplement) {
			continue
		}
		s, err := provider.ParseSupplement(res)
		if err != nil {
			w.Logger.Warn().Err(err).Str("url", str(res["url"])).Msg("skipping malformed supplement")
			continue
		}
		if s.AppliesTo(system, version) {
			out = append(out, s)
		}
	}
	return out
}

// providerFor resolves the provider serving a system. A CodeSystem resource
// submitted with the request shadows both the native providers and the store.
func (w *Worker) providerFor(ctx *opctx.OperationContext, system, version string) (provider.Provider, error) {
	if ctx.Resources != nil {
		if res, ok := ctx.Resources.Find("CodeSystem", system, version); ok {
			if content, _ := res["content"].(string); content != string(term.ContentSupplement) {
				return fhircs.New(res, w.supplementsFor(ctx, system, version))
			}
		}
	}
	if w.Registry != nil && w.Registry.Has(system) {
		return w.Registry.Get(system, version)
	}
	if w.Store != nil {
		if res, ok := w.Store.Find("CodeSystem", system, version); ok {
			if content, _ := res["content"].(string); content != string(term.ContentSupplement) {
				return fhircs.New(res, w.supplementsFor(ctx, system, version))
			}
		}
	}
	return nil, term.NotFound("No code system provider for '%s'", system)
}

// expander builds a per-request expansion pipeline whose sources see the
// request's submitted resources.
func (w *Worker) expander(ctx *opctx.OperationContext) *expand.Expander {
	return &expand.Expander{
		Providers: providerSource{w: w, ctx: ctx},
		ValueSets: valueSetSource{w: w},
		Logger:    w.Logger,
	}
}

type providerSource struct {
	w   *Worker
	ctx *opctx.OperationContext
}

func (s providerSource) Get(system, version string) (provider.Provider, error) {
	return s.w.providerFor(s.ctx, system, version)
}

type valueSetSource struct {
	w *Worker
}

func (s valueSetSource) ValueSet(ctx *opctx.OperationContext, url string) (map[string]interface{}, error) {
	if res, ok := s.w.resolveResource(ctx, "ValueSet", url, ""); ok {
		return res, nil
	}
	return nil, term.NotFound("Unknown ValueSet '%s'", url)
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
