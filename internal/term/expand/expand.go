// Package expand implements the ValueSet expansion pipeline: include/exclude
// clause evaluation across providers, import recursion with cycle detection,
// filter closure tracking, deterministic ordering, paging, and the expansion
// cache.
package expand

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/cache"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
	"github.com/fhirterm/fhirterm/internal/term/provider"
)

// yieldEvery bounds deadline-check latency during long enumerations.
const yieldEvery = 256

// VersionRule adjusts the code system version an expansion uses.
// Mode "override" replaces the clause version, "check" requires agreement,
// "default" fills it in when absent.
type VersionRule struct {
	System  string
	Version string
	Mode    string
}

// Parameters are the normalized expansion inputs. Offset/Count page the final
// result; Count < 0 means unlimited. Filter is the free-text designation
// match.
type Parameters struct {
	ActiveOnly          bool
	IncludeDesignations bool
	LimitedExpansion    bool
	IncompleteOK        bool
	Offset              int
	Count               int
	Filter              string
	VersionRules        []VersionRule
	// ResourceHashes feed the cache key: sorted SHA-256 hashes of the
	// additional resources in scope for this request.
	ResourceHashes []string
}

// projection renders the cache-relevant parameters. tx-resource and valueSet
// inputs are covered by ResourceHashes and the ValueSet JSON instead.
func (p Parameters) projection() map[string]string {
	out := map[string]string{}
	if p.ActiveOnly {
		out["activeOnly"] = "true"
	}
	if p.IncludeDesignations {
		out["includeDesignations"] = "true"
	}
	if p.LimitedExpansion {
		out["limitedExpansion"] = "true"
	}
	if p.IncompleteOK {
		out["incomplete-ok"] = "true"
	}
	if p.Offset > 0 {
		out["offset"] = itoa(p.Offset)
	}
	if p.Count >= 0 {
		out["count"] = itoa(p.Count)
	}
	if p.Filter != "" {
		out["filter"] = p.Filter
	}
	for _, r := range p.VersionRules {
		out[r.Mode+"-system-version:"+r.System] = r.Version
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ProviderSource resolves a provider for a system and optional version.
// *provider.Registry satisfies it; the worker layer overlays client-submitted
// code systems.
type ProviderSource interface {
	Get(system, version string) (provider.Provider, error)
}

// ValueSetSource resolves an imported ValueSet by canonical URL.
type ValueSetSource interface {
	ValueSet(ctx *opctx.OperationContext, url string) (map[string]interface{}, error)
}

// Expander runs expansions against a provider source and a ValueSet source.
type Expander struct {
	Providers ProviderSource
	ValueSets ValueSetSource
	Logger    zerolog.Logger
}

// entry is one candidate concept flowing through the pipeline.
type entry struct {
	coding   term.Coding
	prov     provider.Provider
	handle   provider.Context
	inactive bool
}

// accumulator collects entries with first-wins dedup on (system, code).
type accumulator struct {
	entries []entry
	seen    map[string]int // key -> index in entries
}

func newAccumulator() *accumulator {
	return &accumulator{seen: map[string]int{}}
}

func (a *accumulator) add(e entry) {
	key := e.coding.Key()
	if _, dup := a.seen[key]; dup {
		return
	}
	a.seen[key] = len(a.entries)
	a.entries = append(a.entries, e)
}

func (a *accumulator) remove(key string) {
	idx, ok := a.seen[key]
	if !ok {
		return
	}
	delete(a.seen, key)
	a.entries = append(a.entries[:idx], a.entries[idx+1:]...)
	for k, i := range a.seen {
		if i > idx {
			a.seen[k] = i - 1
		}
	}
}

// Expand runs the full pipeline and returns the expanded ValueSet resource.
// Cache misses run under the store's singleflight, so concurrent requests for
// the same key expand once.
func (e *Expander) Expand(ctx *opctx.OperationContext, vs map[string]interface{}, params Parameters) (map[string]interface{}, error) {
	key := cache.Key(vs, params.projection(), params.ResourceHashes)
	if ctx.Expansions == nil {
		return e.expand(ctx, vs, params, key)
	}
	if hit, ok := ctx.Expansions.Get(key); ok {
		ctx.Log("expansion cache hit %s", key[:12])
		return hit, nil
	}
	return ctx.Expansions.Do(key, func() (map[string]interface{}, error) {
		// A concurrent flight may have stored the result between the miss
		// and the flight start.
		if hit, ok := ctx.Expansions.Get(key); ok {
			ctx.Log("expansion cache hit %s", key[:12])
			return hit, nil
		}
		return e.expand(ctx, vs, params, key)
	})
}

func (e *Expander) expand(ctx *opctx.OperationContext, vs map[string]interface{}, params Parameters, key string) (map[string]interface{}, error) {
	started := time.Now()

	acc, allClosed, err := e.collect(ctx, vs, params)
	if err != nil {
		return nil, err
	}

	if !allClosed && !params.LimitedExpansion {
		return nil, term.TooCostly(
			"The value set cannot be expanded: a filter is not closed",
			ctx.Trail())
	}

	entries := acc.entries
	if params.Filter != "" {
		entries, err = e.applyTextFilter(ctx, entries, params.Filter)
		if err != nil {
			return nil, err
		}
	}

	total := len(entries)
	entries = page(entries, params.Offset, params.Count)

	contains, err := e.render(ctx, entries, params)
	if err != nil {
		return nil, err
	}

	expansion := map[string]interface{}{
		"identifier": "urn:uuid:" + uuid.NewString(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"contains":   contains,
	}
	if allClosed {
		expansion["total"] = total
	}
	if params.Offset > 0 {
		expansion["offset"] = params.Offset
	}
	if parms := expansionParameters(params); len(parms) > 0 {
		expansion["parameter"] = parms
	}

	result := map[string]interface{}{
		"resourceType": "ValueSet",
		"status":       "active",
		"expansion":    expansion,
	}
	if url, _ := vs["url"].(string); url != "" {
		result["url"] = url
	}
	if version, _ := vs["version"].(string); version != "" {
		result["version"] = version
	}

	took := time.Since(started)
	if ctx.Expansions != nil {
		ctx.Expansions.Put(key, result, took)
	}
	e.Logger.Debug().
		Str("valueset", str(vs["url"])).
		Int("concepts", len(contains)).
		Dur("took", took).
		Msg("valueset expanded")
	return result, nil
}

// collect evaluates compose.include and compose.exclude into the deduplicated
// membership, guarding against import cycles. The bool reports whether every
// filter in scope was closed.
func (e *Expander) collect(ctx *opctx.OperationContext, vs map[string]interface{}, params Parameters) (*accumulator, bool, error) {
	guard, _ := vs["url"].(string)
	if guard == "" {
		if id, _ := vs["id"].(string); id != "" {
			guard = "ValueSet/" + id
		} else {
			guard = "<anonymous>"
		}
	}
	if err := ctx.EnterValueSet(guard); err != nil {
		return nil, false, err
	}
	defer ctx.LeaveValueSet()

	acc := newAccumulator()
	allClosed := true

	compose, _ := vs["compose"].(map[string]interface{})
	if compose == nil {
		return acc, true, nil
	}

	for _, raw := range list(compose["include"]) {
		clause, ok := raw.(map[string]interface{})
		if !ok {
			return nil, false, term.Invalid("Invalid ValueSet: include clause is not an object")
		}
		closed, err := e.evalInclude(ctx, acc, clause, params)
		if err != nil {
			return nil, false, err
		}
		allClosed = allClosed && closed
	}

	for _, raw := range list(compose["exclude"]) {
		clause, ok := raw.(map[string]interface{})
		if !ok {
			return nil, false, term.Invalid("Invalid ValueSet: exclude clause is not an object")
		}
		if err := e.evalExclude(ctx, acc, clause, params); err != nil {
			return nil, false, err
		}
	}

	return acc, allClosed, nil
}

// evalInclude adds one include clause's concepts to the accumulator.
func (e *Expander) evalInclude(ctx *opctx.OperationContext, acc *accumulator, clause map[string]interface{}, params Parameters) (bool, error) {
	if err := ctx.DeadCheck("expand.include"); err != nil {
		return false, err
	}

	imports, closed, err := e.evalImports(ctx, clause, params)
	if err != nil {
		return false, err
	}

	system, _ := clause["system"].(string)
	if system == "" {
		// Pure import clause: the intersection itself is the contribution.
		if imports == nil {
			return false, term.Invalid("Invalid ValueSet: include clause has neither system nor valueSet")
		}
		for _, imp := range imports.order {
			acc.add(imp)
		}
		return closed, nil
	}

	version, err := effectiveVersion(system, str(clause["version"]), params.VersionRules)
	if err != nil {
		return false, err
	}
	prov, err := e.Providers.Get(system, version)
	if err != nil {
		return false, err
	}

	concepts := list(clause["concept"])
	filters := list(clause["filter"])

	switch {
	case len(concepts) > 0:
		err = e.includeConceptList(ctx, acc, prov, concepts, imports, params)
		return closed, err
	case len(filters) > 0:
		filterClosed, err := e.includeFiltered(ctx, acc, prov, filters, imports, params)
		return closed && filterClosed, err
	default:
		err = e.includeAll(ctx, acc, prov, imports, params)
		return closed, err
	}
}

// importSet is the intersected membership of a clause's valueSet references,
// in the first import's emission order.
type importSet struct {
	member map[string]bool
	order  []entry
}

func (s *importSet) contains(key string) bool {
	return s == nil || s.member[key]
}

// evalImports recursively expands the clause's valueSet references and
// intersects their memberships.
func (e *Expander) evalImports(ctx *opctx.OperationContext, clause map[string]interface{}, params Parameters) (*importSet, bool, error) {
	refs := list(clause["valueSet"])
	if len(refs) == 0 {
		return nil, true, nil
	}

	var set *importSet
	allClosed := true
	for _, raw := range refs {
		url, _ := raw.(string)
		if url == "" {
			return nil, false, term.Invalid("Invalid ValueSet: valueSet reference is not a string")
		}
		imported, err := e.ValueSets.ValueSet(ctx, url)
		if err != nil {
			return nil, false, err
		}
		sub, closed, err := e.collect(ctx.Fork(), imported, importParams(params))
		if err != nil {
			return nil, false, err
		}
		allClosed = allClosed && closed
		if set == nil {
			set = &importSet{member: map[string]bool{}}
			for _, en := range sub.entries {
				set.member[en.coding.Key()] = true
				set.order = append(set.order, en)
			}
			continue
		}
		// Intersect with the accumulated set.
		keep := map[string]bool{}
		for _, en := range sub.entries {
			k := en.coding.Key()
			if set.member[k] {
				keep[k] = true
			}
		}
		var order []entry
		for _, en := range set.order {
			if keep[en.coding.Key()] {
				order = append(order, en)
			}
		}
		set.member = keep
		set.order = order
	}
	return set, allClosed, nil
}

// importParams strips the result-shaping parameters for nested expansions:
// paging and text filtering apply to the outermost result only.
func importParams(p Parameters) Parameters {
	p.Offset = 0
	p.Count = -1
	p.Filter = ""
	return p
}

func (e *Expander) includeConceptList(ctx *opctx.OperationContext, acc *accumulator, prov provider.Provider, concepts []interface{}, imports *importSet, params Parameters) error {
	for i, raw := range concepts {
		if i%yieldEvery == 0 {
			if err := ctx.DeadCheck("expand.conceptList"); err != nil {
				return err
			}
		}
		c, ok := raw.(map[string]interface{})
		if !ok {
			return term.Invalid("Invalid ValueSet: concept entry is not an object")
		}
		code, _ := c["code"].(string)
		loc := prov.Locate(code)
		if loc.Err != nil {
			return loc.Err
		}
		if !loc.Found() {
			if params.IncompleteOK {
				ctx.Log("skipping unknown code '%s' (incomplete-ok)", code)
				continue
			}
			return term.Invalid("Unable to expand: %s", loc.Message)
		}
		en := entry{
			coding:   term.Coding{System: prov.System(), Version: prov.Version(), Code: code},
			prov:     prov,
			handle:   loc.Context,
			inactive: prov.IsInactive(loc.Context),
		}
		if params.ActiveOnly && en.inactive {
			continue
		}
		if !imports.contains(en.coding.Key()) {
			continue
		}
		acc.add(en)
	}
	return nil
}

func (e *Expander) includeFiltered(ctx *opctx.OperationContext, acc *accumulator, prov provider.Provider, filterDefs []interface{}, imports *importSet, params Parameters) (bool, error) {
	prep := &provider.Prep{}
	for _, raw := range filterDefs {
		f, ok := raw.(map[string]interface{})
		if !ok {
			return false, term.Invalid("Invalid ValueSet: filter entry is not an object")
		}
		property, _ := f["property"].(string)
		op, _ := f["op"].(string)
		value := str(f["value"])
		if err := prov.BuildFilter(prep, property, term.FilterOperator(op), value); err != nil {
			return false, err
		}
	}
	filters, err := prov.ExecuteFilters(ctx, prep)
	if err != nil {
		return false, err
	}

	closed := !provider.FiltersNotClosed(filters)

	// Pick the smallest closed filter as the enumeration base; every other
	// filter contributes a membership check.
	base := -1
	for i, f := range filters {
		if f.Closed() && (base < 0 || f.Size() < filters[base].Size()) {
			base = i
		}
	}
	if base < 0 {
		// Nothing enumerable. The clause contributes no entries; closure
		// tracking decides whether that is an error or an open expansion.
		return closed, nil
	}

	it, err := filters[base].Iterator()
	if err != nil {
		return false, err
	}
	defer it.Close()
	count := 0
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		count++
		if count%yieldEvery == 0 {
			if err := ctx.DeadCheck("expand.filter"); err != nil {
				return false, err
			}
		}
		match := true
		for i, f := range filters {
			if i == base {
				continue
			}
			ok, err := f.Check(h)
			if err != nil {
				return false, err
			}
			if !ok {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		code, err := prov.Code(h)
		if err != nil {
			return false, err
		}
		en := entry{
			coding:   term.Coding{System: prov.System(), Version: prov.Version(), Code: code},
			prov:     prov,
			handle:   h,
			inactive: prov.IsInactive(h),
		}
		if params.ActiveOnly && en.inactive {
			continue
		}
		if !imports.contains(en.coding.Key()) {
			continue
		}
		acc.add(en)
	}
	return closed, nil
}

func (e *Expander) includeAll(ctx *opctx.OperationContext, acc *accumulator, prov provider.Provider, imports *importSet, params Parameters) error {
	it, err := prov.IteratorAll()
	if err != nil {
		return err
	}
	defer it.Close()
	var batch []entry
	count := 0
	for {
		h, ok := it.Next()
		if !ok {
			break
		}
		count++
		if count%yieldEvery == 0 {
			if err := ctx.DeadCheck("expand.iterateAll"); err != nil {
				return err
			}
		}
		code, err := prov.Code(h)
		if err != nil {
			return err
		}
		en := entry{
			coding:   term.Coding{System: prov.System(), Version: prov.Version(), Code: code},
			prov:     prov,
			handle:   h,
			inactive: prov.IsInactive(h),
		}
		if params.ActiveOnly && en.inactive {
			continue
		}
		if !imports.contains(en.coding.Key()) {
			continue
		}
		batch = append(batch, en)
	}
	// Full enumeration carries no declared order; sort for determinism.
	sort.Slice(batch, func(a, b int) bool {
		if batch[a].coding.System != batch[b].coding.System {
			return batch[a].coding.System < batch[b].coding.System
		}
		return batch[a].coding.Code < batch[b].coding.Code
	})
	for _, en := range batch {
		acc.add(en)
	}
	return nil
}

// evalExclude removes an exclude clause's matches from the accumulator.
func (e *Expander) evalExclude(ctx *opctx.OperationContext, acc *accumulator, clause map[string]interface{}, params Parameters) error {
	if err := ctx.DeadCheck("expand.exclude"); err != nil {
		return err
	}

	imports, _, err := e.evalImports(ctx, clause, params)
	if err != nil {
		return err
	}
	system, _ := clause["system"].(string)
	if system == "" {
		if imports == nil {
			return term.Invalid("Invalid ValueSet: exclude clause has neither system nor valueSet")
		}
		for key := range imports.member {
			acc.remove(key)
		}
		return nil
	}

	version, err := effectiveVersion(system, str(clause["version"]), params.VersionRules)
	if err != nil {
		return err
	}
	prov, err := e.Providers.Get(system, version)
	if err != nil {
		return err
	}

	concepts := list(clause["concept"])
	filterDefs := list(clause["filter"])

	switch {
	case len(concepts) > 0:
		for _, raw := range concepts {
			c, ok := raw.(map[string]interface{})
			if !ok {
				return term.Invalid("Invalid ValueSet: concept entry is not an object")
			}
			code, _ := c["code"].(string)
			key := term.Coding{System: prov.System(), Code: code}.Key()
			if imports.contains(key) {
				acc.remove(key)
			}
		}
		return nil
	case len(filterDefs) > 0:
		prep := &provider.Prep{}
		for _, raw := range filterDefs {
			f, ok := raw.(map[string]interface{})
			if !ok {
				return term.Invalid("Invalid ValueSet: filter entry is not an object")
			}
			property, _ := f["property"].(string)
			op, _ := f["op"].(string)
			if err := prov.BuildFilter(prep, property, term.FilterOperator(op), str(f["value"])); err != nil {
				return err
			}
		}
		filters, err := prov.ExecuteFilters(ctx, prep)
		if err != nil {
			return err
		}
		// Excludes check the already-accumulated entries; open filters are
		// fine here since membership tests are always decidable.
		var doomed []string
		for _, en := range acc.entries {
			if en.coding.System != prov.System() {
				continue
			}
			if !imports.contains(en.coding.Key()) {
				continue
			}
			match := true
			for _, f := range filters {
				ok, err := f.Check(en.handle)
				if err != nil {
					return err
				}
				if !ok {
					match = false
					break
				}
			}
			if match {
				doomed = append(doomed, en.coding.Key())
			}
		}
		for _, key := range doomed {
			acc.remove(key)
		}
		return nil
	default:
		// Bare system exclude drops every concept of that system.
		var doomed []string
		for _, en := range acc.entries {
			if en.coding.System == prov.System() && imports.contains(en.coding.Key()) {
				doomed = append(doomed, en.coding.Key())
			}
		}
		for _, key := range doomed {
			acc.remove(key)
		}
		return nil
	}
}

// applyTextFilter keeps entries whose display or any designation contains the
// text, case-insensitively.
func (e *Expander) applyTextFilter(ctx *opctx.OperationContext, entries []entry, text string) ([]entry, error) {
	needle := strings.ToLower(text)
	var out []entry
	for i, en := range entries {
		if i%yieldEvery == 0 {
			if err := ctx.DeadCheck("expand.textFilter"); err != nil {
				return nil, err
			}
		}
		display, err := en.prov.Display(en.handle, ctx.Languages())
		if err != nil {
			return nil, err
		}
		if strings.Contains(strings.ToLower(display), needle) {
			out = append(out, en)
			continue
		}
		set := &term.DesignationSet{}
		if err := en.prov.Designations(en.handle, set); err != nil {
			return nil, err
		}
		for _, d := range set.All() {
			if strings.Contains(strings.ToLower(d.Value), needle) {
				out = append(out, en)
				break
			}
		}
	}
	return out, nil
}

func page(entries []entry, offset, count int) []entry {
	if offset > 0 {
		if offset >= len(entries) {
			return nil
		}
		entries = entries[offset:]
	}
	if count >= 0 && count < len(entries) {
		entries = entries[:count]
	}
	return entries
}

// render builds expansion.contains entries with display and designation
// selection for the working languages.
func (e *Expander) render(ctx *opctx.OperationContext, entries []entry, params Parameters) ([]interface{}, error) {
	langs := ctx.Languages()
	contains := make([]interface{}, 0, len(entries))
	for i, en := range entries {
		if i%yieldEvery == 0 {
			if err := ctx.DeadCheck("expand.render"); err != nil {
				return nil, err
			}
		}
		item := map[string]interface{}{
			"system": en.coding.System,
			"code":   en.coding.Code,
		}
		if en.coding.Version != "" {
			item["version"] = en.coding.Version
		}
		display, err := en.prov.Display(en.handle, langs)
		if err != nil {
			return nil, err
		}
		if display != "" {
			item["display"] = display
		}
		if en.inactive {
			item["inactive"] = true
		}
		if params.IncludeDesignations {
			set := &term.DesignationSet{}
			if err := en.prov.Designations(en.handle, set); err != nil {
				return nil, err
			}
			var desigs []interface{}
			for _, d := range set.All() {
				dm := map[string]interface{}{"value": d.Value}
				if d.Language != "" {
					dm["language"] = d.Language
				}
				if d.UseCode != "" {
					use := map[string]interface{}{"code": d.UseCode}
					if d.UseSystem != "" {
						use["system"] = d.UseSystem
					}
					dm["use"] = use
				}
				desigs = append(desigs, dm)
			}
			if len(desigs) > 0 {
				item["designation"] = desigs
			}
		}
		contains = append(contains, item)
	}
	return contains, nil
}

func expansionParameters(params Parameters) []interface{} {
	var out []interface{}
	add := func(name string, value interface{}, field string) {
		out = append(out, map[string]interface{}{"name": name, field: value})
	}
	if params.ActiveOnly {
		add("activeOnly", true, "valueBoolean")
	}
	if params.IncludeDesignations {
		add("includeDesignations", true, "valueBoolean")
	}
	if params.LimitedExpansion {
		add("limitedExpansion", true, "valueBoolean")
	}
	if params.Count >= 0 {
		add("count", params.Count, "valueInteger")
	}
	if params.Filter != "" {
		add("filter", params.Filter, "valueString")
	}
	return out
}

// effectiveVersion applies the version rules for one system. Override wins
// over the clause; check must agree with it; default fills an absent version.
func effectiveVersion(system, clauseVersion string, rules []VersionRule) (string, error) {
	v := clauseVersion
	for _, r := range rules {
		if r.System != system {
			continue
		}
		switch r.Mode {
		case "override":
			v = r.Version
		case "check":
			if v != "" && v != r.Version {
				return "", term.NewError(term.KindConflict,
					"Version check failed for '%s': '%s' does not match the required version '%s'",
					system, v, r.Version)
			}
			v = r.Version
		case "default":
			if v == "" {
				v = r.Version
			}
		default:
			return "", term.Invalid("Unknown version rule mode '%s'", r.Mode)
		}
	}
	return v, nil
}

func list(v interface{}) []interface{} {
	out, _ := v.([]interface{})
	return out
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
