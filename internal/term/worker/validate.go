package worker

import (
	"fmt"
	"strings"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/expand"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

// ValidateRequest carries the $validate-code inputs. Codings holds the
// candidates: a bare code+system contributes one, a codeableConcept several.
// A ValueSet context (by URL or inline) narrows validity to membership.
type ValidateRequest struct {
	Codings     []term.Coding
	Display     string
	ValueSetURL string
	ValueSet    map[string]interface{}
	ActiveOnly  bool
}

// ValidateResult is the $validate-code output.
type ValidateResult struct {
	Result  bool
	Display string
	Code    string
	System  string
	Version string
	Message string
}

// ValidateCode checks each candidate coding against its code system and,
// when a ValueSet context is present, against the expansion membership. The
// first fully valid candidate wins; otherwise the last failure is reported.
func (w *Worker) ValidateCode(ctx *opctx.OperationContext, req ValidateRequest) (*ValidateResult, error) {
	if len(req.Codings) == 0 {
		return nil, term.Invalid("$validate-code requires a code and system, a coding, or a codeableConcept")
	}
	if err := ctx.DeadCheck("worker.validate"); err != nil {
		return nil, err
	}

	membership, err := w.valueSetMembership(ctx, req)
	if err != nil {
		return nil, err
	}

	var last *ValidateResult
	for _, coding := range req.Codings {
		res, err := w.validateOne(ctx, coding, req.Display, membership)
		if err != nil {
			return nil, err
		}
		if res.Result {
			return res, nil
		}
		last = res
	}
	return last, nil
}

func (w *Worker) validateOne(ctx *opctx.OperationContext, coding term.Coding, display string, membership *vsMembership) (*ValidateResult, error) {
	if coding.System == "" {
		return &ValidateResult{
			Result:  false,
			Code:    coding.Code,
			Message: "A system is required to validate a code",
		}, nil
	}

	prov, err := w.providerFor(ctx, coding.System, coding.Version)
	if err != nil {
		if term.KindOf(err) == term.KindNotFound {
			return &ValidateResult{
				Result:  false,
				Code:    coding.Code,
				System:  coding.System,
				Message: err.Error(),
			}, nil
		}
		return nil, err
	}

	loc := prov.Locate(coding.Code)
	if loc.Err != nil {
		return nil, loc.Err
	}
	if !loc.Found() {
		return &ValidateResult{
			Result:  false,
			Code:    coding.Code,
			System:  coding.System,
			Message: loc.Message,
		}, nil
	}

	canonical, err := prov.Code(loc.Context)
	if err != nil {
		return nil, err
	}
	providerDisplay, err := prov.Display(loc.Context, ctx.Languages())
	if err != nil {
		return nil, err
	}
	result := &ValidateResult{
		Result:  true,
		Code:    canonical,
		System:  prov.System(),
		Version: prov.Version(),
		Display: providerDisplay,
	}

	if membership != nil {
		in, err := w.codeInMembership(ctx, membership, prov.System(), canonical)
		if err != nil {
			return nil, err
		}
		if !in {
			result.Result = false
			result.Message = fmt.Sprintf("The code '%s' from system '%s' is not in the value set '%s'",
				canonical, prov.System(), membership.url)
			return result, nil
		}
	}

	if display != "" && !w.displayAcceptable(prov, loc, display) {
		result.Result = false
		result.Message = fmt.Sprintf("The display '%s' is not valid for the code '%s'; a valid display is '%s'",
			display, canonical, providerDisplay)
	}
	return result, nil
}

// displayAcceptable reports whether the submitted display matches the
// concept's display or any designation, case-insensitively.
func (w *Worker) displayAcceptable(prov provider.Provider, loc provider.Located, display string) bool {
	set := &term.DesignationSet{}
	if err := prov.Designations(loc.Context, set); err != nil {
		return false
	}
	for _, d := range set.All() {
		if strings.EqualFold(d.Value, display) {
			return true
		}
	}
	if best, err := prov.Display(loc.Context, nil); err == nil && strings.EqualFold(best, display) {
		return true
	}
	return false
}

// vsMembership is the resolved ValueSet context of one $validate-code call.
// closed means the expansion enumerated every clause; an open expansion (a
// clause with a non-closed filter) keeps the compose around so membership can
// be decided per candidate.
type vsMembership struct {
	url        string
	closed     bool
	keys       map[string]bool
	vs         map[string]interface{}
	activeOnly bool
}

// valueSetMembership expands the ValueSet context, when present, into a
// (system|code) membership set, recording whether the expansion was closed.
func (w *Worker) valueSetMembership(ctx *opctx.OperationContext, req ValidateRequest) (*vsMembership, error) {
	vs := req.ValueSet
	url := req.ValueSetURL
	if vs == nil && url == "" {
		return nil, nil
	}
	if vs == nil {
		resolved, ok := w.resolveResource(ctx, "ValueSet", url, "")
		if !ok {
			return nil, term.NotFound("Unknown ValueSet '%s'", url)
		}
		vs = resolved
	}
	if url == "" {
		url = str(vs["url"])
	}

	params := expand.Parameters{Count: -1, LimitedExpansion: true, ActiveOnly: req.ActiveOnly}
	expanded, err := w.expander(ctx).Expand(ctx.Fork(), vs, params)
	if err != nil {
		return nil, err
	}
	expansion, _ := expanded["expansion"].(map[string]interface{})
	// A total is only reported when every clause enumerated fully.
	_, closed := expansion["total"]
	m := &vsMembership{
		url:        url,
		closed:     closed,
		keys:       map[string]bool{},
		vs:         vs,
		activeOnly: req.ActiveOnly,
	}
	items, _ := expansion["contains"].([]interface{})
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		key := term.Coding{System: str(item["system"]), Code: str(item["code"])}.Key()
		m.keys[key] = true
	}
	return m, nil
}

// codeInMembership tests a candidate against the ValueSet context. The
// enumerated set decides closed expansions; open ones fall back to testing
// the candidate against the compose clause by clause.
func (w *Worker) codeInMembership(ctx *opctx.OperationContext, m *vsMembership, system, code string) (bool, error) {
	if m.keys[term.Coding{System: system, Code: code}.Key()] {
		return true, nil
	}
	if m.closed {
		return false, nil
	}
	return w.codeInValueSet(ctx.Fork(), m.vs, system, code, m.activeOnly)
}

// codeInValueSet walks the compose for one candidate: any matching include
// admits it, any matching exclude removes it. Used when the expansion could
// not enumerate every clause.
func (w *Worker) codeInValueSet(ctx *opctx.OperationContext, vs map[string]interface{}, system, code string, activeOnly bool) (bool, error) {
	guard := str(vs["url"])
	if guard == "" {
		if id := str(vs["id"]); id != "" {
			guard = "ValueSet/" + id
		} else {
			guard = "<anonymous>"
		}
	}
	if err := ctx.EnterValueSet(guard); err != nil {
		return false, err
	}
	defer ctx.LeaveValueSet()

	compose, _ := vs["compose"].(map[string]interface{})
	if compose == nil {
		return false, nil
	}

	included := false
	for _, raw := range items(compose["include"]) {
		clause, ok := raw.(map[string]interface{})
		if !ok {
			return false, term.Invalid("Invalid ValueSet: include clause is not an object")
		}
		match, err := w.clauseMatches(ctx, clause, system, code, activeOnly)
		if err != nil {
			return false, err
		}
		if match {
			included = true
			break
		}
	}
	if !included {
		return false, nil
	}
	for _, raw := range items(compose["exclude"]) {
		clause, ok := raw.(map[string]interface{})
		if !ok {
			return false, term.Invalid("Invalid ValueSet: exclude clause is not an object")
		}
		match, err := w.clauseMatches(ctx, clause, system, code, activeOnly)
		if err != nil {
			return false, err
		}
		if match {
			return false, nil
		}
	}
	return true, nil
}

// clauseMatches tests one include/exclude clause against a candidate. Every
// valueSet reference must contain it (intersection), the system must agree,
// and every filter's membership check must pass.
func (w *Worker) clauseMatches(ctx *opctx.OperationContext, clause map[string]interface{}, system, code string, activeOnly bool) (bool, error) {
	if err := ctx.DeadCheck("validate.membership"); err != nil {
		return false, err
	}

	refs := items(clause["valueSet"])
	for _, raw := range refs {
		url, _ := raw.(string)
		if url == "" {
			return false, term.Invalid("Invalid ValueSet: valueSet reference is not a string")
		}
		imported, ok := w.resolveResource(ctx, "ValueSet", url, "")
		if !ok {
			return false, term.NotFound("Unknown ValueSet '%s'", url)
		}
		in, err := w.codeInValueSet(ctx, imported, system, code, activeOnly)
		if err != nil {
			return false, err
		}
		if !in {
			return false, nil
		}
	}

	clauseSystem := str(clause["system"])
	if clauseSystem == "" {
		if len(refs) == 0 {
			return false, term.Invalid("Invalid ValueSet: include clause has neither system nor valueSet")
		}
		return true, nil
	}
	if clauseSystem != system {
		return false, nil
	}

	prov, err := w.providerFor(ctx, clauseSystem, str(clause["version"]))
	if err != nil {
		return false, err
	}
	loc := prov.Locate(code)
	if loc.Err != nil {
		return false, loc.Err
	}
	if !loc.Found() {
		return false, nil
	}
	if activeOnly && prov.IsInactive(loc.Context) {
		return false, nil
	}

	if concepts := items(clause["concept"]); len(concepts) > 0 {
		canonical, err := prov.Code(loc.Context)
		if err != nil {
			return false, err
		}
		for _, raw := range concepts {
			c, ok := raw.(map[string]interface{})
			if ok && str(c["code"]) == canonical {
				return true, nil
			}
		}
		return false, nil
	}

	filterDefs := items(clause["filter"])
	if len(filterDefs) == 0 {
		return true, nil
	}
	prep := &provider.Prep{}
	for _, raw := range filterDefs {
		f, ok := raw.(map[string]interface{})
		if !ok {
			return false, term.Invalid("Invalid ValueSet: filter entry is not an object")
		}
		if err := prov.BuildFilter(prep, str(f["property"]), term.FilterOperator(str(f["op"])), str(f["value"])); err != nil {
			return false, err
		}
	}
	filters, err := prov.ExecuteFilters(ctx, prep)
	if err != nil {
		return false, err
	}
	for _, f := range filters {
		ok, err := f.Check(loc.Context)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func items(v interface{}) []interface{} {
	out, _ := v.([]interface{})
	return out
}
