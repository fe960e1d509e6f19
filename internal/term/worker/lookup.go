package worker

import (
	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

// LookupRequest carries the $lookup inputs. Properties empty means the
// concept's declared properties; "*" selects everything including the
// parent/child/designation pseudo-properties.
type LookupRequest struct {
	System     string
	Code       string
	Version    string
	Properties []string
}

// LookupResult is the $lookup output.
type LookupResult struct {
	Name         string
	Version      string
	Display      string
	Properties   []provider.Property
	Designations []term.Designation
}

// Lookup resolves a concept and reports its metadata.
func (w *Worker) Lookup(ctx *opctx.OperationContext, req LookupRequest) (*LookupResult, error) {
	if req.System == "" {
		return nil, term.Invalid("A system is required for $lookup")
	}
	if req.Code == "" {
		return nil, term.Invalid("A code is required for $lookup")
	}
	if err := ctx.DeadCheck("worker.lookup"); err != nil {
		return nil, err
	}

	prov, err := w.providerFor(ctx, req.System, req.Version)
	if err != nil {
		return nil, err
	}
	loc := prov.Locate(req.Code)
	if loc.Err != nil {
		return nil, loc.Err
	}
	if !loc.Found() {
		return nil, term.NotFound("%s", loc.Message)
	}

	display, err := prov.Display(loc.Context, ctx.Languages())
	if err != nil {
		return nil, err
	}
	result := &LookupResult{
		Name:    prov.Description(),
		Version: prov.Version(),
		Display: display,
	}

	want := propertySelection(req.Properties)
	props, err := prov.Properties(loc.Context)
	if err != nil {
		return nil, err
	}
	for _, p := range props {
		if want.includes(p.Code) {
			result.Properties = append(result.Properties, p)
		}
	}
	if want.includes("parent") && prov.HasParents() {
		if parent := prov.Parent(req.Code); parent != "" {
			result.Properties = append(result.Properties,
				provider.Property{Code: "parent", Type: "code", Value: parent})
		}
	}
	if want.includes("child") && prov.HasParents() {
		children, err := childCodes(prov, loc.Context)
		if err == nil {
			for _, c := range children {
				result.Properties = append(result.Properties,
					provider.Property{Code: "child", Type: "code", Value: c})
			}
		}
	}

	if want.includes("designation") {
		set := &term.DesignationSet{}
		if err := prov.Designations(loc.Context, set); err != nil {
			return nil, err
		}
		result.Designations = set.All()
	}
	return result, nil
}

// selection decides which properties a $lookup reports.
type selection struct {
	all      bool          // "*" requested
	implicit bool          // nothing requested: declared properties only
	names    map[string]bool
}

func propertySelection(requested []string) selection {
	if len(requested) == 0 {
		return selection{implicit: true}
	}
	s := selection{names: map[string]bool{}}
	for _, r := range requested {
		if r == "*" {
			s.all = true
		}
		s.names[r] = true
	}
	return s
}

func (s selection) includes(name string) bool {
	if s.all {
		return true
	}
	if s.implicit {
		// Hierarchy pseudo-properties appear only on request; designations
		// are part of the default output.
		return name != "parent" && name != "child"
	}
	return s.names[name]
}

// childCodes lists the direct children of a concept via the provider's
// hierarchy iterator.
func childCodes(prov provider.Provider, h provider.Context) ([]string, error) {
	it, err := prov.Iterator(h)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []string
	for {
		child, ok := it.Next()
		if !ok {
			return out, nil
		}
		code, err := prov.Code(child)
		if err != nil {
			return nil, err
		}
		out = append(out, code)
	}
}
