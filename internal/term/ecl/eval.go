package ecl

import (
	"sort"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/opctx"
)

// DefaultWildcardCap bounds wildcard evaluation when no cap is configured.
const DefaultWildcardCap = 1000

// Evaluator executes a parsed constraint against a Store and returns the
// matching concept ids in ascending code order.
type Evaluator struct {
	Store Store
	// WildcardCap bounds the result of a bare wildcard; 0 means
	// DefaultWildcardCap.
	WildcardCap int
}

type conceptSet map[string]struct{}

func (s conceptSet) sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Evaluate resolves the expression to a concept set. Expected failures such
// as an over-broad wildcard surface as operation errors, not panics.
func (e *Evaluator) Evaluate(ctx *opctx.OperationContext, root Node) ([]string, error) {
	set, err := e.eval(ctx, root)
	if err != nil {
		return nil, err
	}
	return set.sorted(), nil
}

func (e *Evaluator) eval(ctx *opctx.OperationContext, n Node) (conceptSet, error) {
	if err := ctx.DeadCheck("ecl.eval"); err != nil {
		return nil, err
	}
	switch node := n.(type) {
	case *ConceptRef:
		return e.evalConceptRef(node)
	case *Wildcard:
		return e.evalWildcard()
	case *MemberOf:
		return e.evalMemberOf(ctx, node)
	case *SubExpression:
		return e.evalSubExpression(ctx, node)
	case *Compound:
		return e.evalCompound(ctx, node)
	}
	return nil, term.Invalid("unsupported expression node %T", n)
}

func (e *Evaluator) evalConceptRef(ref *ConceptRef) (conceptSet, error) {
	ok, err := e.Store.ConceptExists(ref.ID)
	if err != nil {
		return nil, err
	}
	set := conceptSet{}
	if ok {
		set[ref.ID] = struct{}{}
	}
	return set, nil
}

func (e *Evaluator) evalWildcard() (conceptSet, error) {
	limit := e.WildcardCap
	if limit <= 0 {
		limit = DefaultWildcardCap
	}
	ids, err := e.Store.AllConcepts(limit + 1)
	if err != nil {
		return nil, err
	}
	if len(ids) > limit {
		return nil, term.TooCostly("too many results", []string{"wildcard evaluation exceeded the configured cap"})
	}
	set := make(conceptSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (e *Evaluator) evalMemberOf(ctx *opctx.OperationContext, m *MemberOf) (conceptSet, error) {
	refsets, err := e.eval(ctx, m.Target)
	if err != nil {
		return nil, err
	}
	set := conceptSet{}
	for refset := range refsets {
		members, err := e.Store.RefsetMembers(refset)
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			set[id] = struct{}{}
		}
	}
	return set, nil
}

func (e *Evaluator) evalSubExpression(ctx *opctx.OperationContext, sub *SubExpression) (conceptSet, error) {
	focus, err := e.eval(ctx, sub.Focus)
	if err != nil {
		return nil, err
	}
	set, err := e.applyConstraint(ctx, sub.Op, focus)
	if err != nil {
		return nil, err
	}
	if sub.Refinement != nil {
		set, err = e.applyRefinement(ctx, set, sub.Refinement)
		if err != nil {
			return nil, err
		}
	}
	for _, dotted := range sub.Dotted {
		set, err = e.projectAttribute(ctx, set, dotted.ID)
		if err != nil {
			return nil, err
		}
	}
	return set, nil
}

// applyConstraint widens or narrows a focus set along the hierarchy.
func (e *Evaluator) applyConstraint(ctx *opctx.OperationContext, op ConstraintOp, focus conceptSet) (conceptSet, error) {
	if op == OpSelf {
		return focus, nil
	}
	out := conceptSet{}
	includeSelf := op == OpDescendantOrSelf || op == OpChildOrSelf ||
		op == OpAncestorOrSelf || op == OpParentOrSelf
	for id := range focus {
		if err := ctx.DeadCheck("ecl.constraint"); err != nil {
			return nil, err
		}
		var related []string
		var err error
		switch op {
		case OpDescendantOf, OpDescendantOrSelf:
			related, err = e.Store.Descendants(id)
		case OpChildOf, OpChildOrSelf:
			related, err = e.Store.Children(id)
		case OpAncestorOf, OpAncestorOrSelf:
			related, err = e.Store.Ancestors(id)
		case OpParentOf, OpParentOrSelf:
			related, err = e.Store.Parents(id)
		default:
			return nil, term.Invalid("unsupported constraint operator %q", string(op))
		}
		if err != nil {
			return nil, err
		}
		for _, r := range related {
			out[r] = struct{}{}
		}
		if includeSelf {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (e *Evaluator) applyRefinement(ctx *opctx.OperationContext, focus conceptSet, r *Refinement) (conceptSet, error) {
	attrs := make([]*Attribute, 0, len(r.Attributes))
	attrs = append(attrs, r.Attributes...)
	for _, g := range r.Groups {
		attrs = append(attrs, g.Attributes...)
	}
	set := focus
	for _, a := range attrs {
		matched, err := e.attributeMatches(ctx, a, set)
		if err != nil {
			return nil, err
		}
		// Cardinality [0..0] asserts the absence of a matching attribute.
		if a.Card != nil && a.Card.Min == 0 && a.Card.Max == 0 {
			set = subtract(set, matched)
		} else {
			set = intersect(set, matched)
		}
	}
	return set, nil
}

// attributeMatches returns the members of focus that carry a relationship
// satisfying the attribute comparison.
func (e *Evaluator) attributeMatches(ctx *opctx.OperationContext, a *Attribute, focus conceptSet) (conceptSet, error) {
	types, err := e.eval(ctx, a.Name)
	if err != nil {
		return nil, err
	}

	if lit, ok := a.Value.(*Literal); ok {
		out := conceptSet{}
		for typeID := range types {
			sources, err := e.Store.SourcesWithConcreteValue(typeID, a.Comparator, lit)
			if err != nil {
				return nil, err
			}
			for _, s := range sources {
				if _, in := focus[s]; in {
					out[s] = struct{}{}
				}
			}
		}
		return out, nil
	}

	values, err := e.eval(ctx, a.Value)
	if err != nil {
		return nil, err
	}
	if a.Comparator != "=" && a.Comparator != "!=" {
		return nil, term.NotSupported("comparator %q requires a concrete value", a.Comparator)
	}

	out := conceptSet{}
	if a.Reverse {
		// R swaps roles: keep focus concepts that are the destination of a
		// relationship whose source lies in the value set.
		for source := range values {
			for typeID := range types {
				targets, err := e.Store.TargetsOf(source, typeID)
				if err != nil {
					return nil, err
				}
				for _, t := range targets {
					if _, in := focus[t]; in {
						out[t] = struct{}{}
					}
				}
			}
		}
	} else {
		for typeID := range types {
			if err := ctx.DeadCheck("ecl.attribute"); err != nil {
				return nil, err
			}
			for target := range values {
				sources, err := e.Store.SourcesWithTarget(typeID, target)
				if err != nil {
					return nil, err
				}
				for _, s := range sources {
					if _, in := focus[s]; in {
						out[s] = struct{}{}
					}
				}
			}
		}
	}
	if a.Comparator == "!=" {
		return subtract(focus, out), nil
	}
	return out, nil
}

// projectAttribute replaces a set by the attribute values of its members.
func (e *Evaluator) projectAttribute(ctx *opctx.OperationContext, focus conceptSet, typeID string) (conceptSet, error) {
	out := conceptSet{}
	for id := range focus {
		if err := ctx.DeadCheck("ecl.dotted"); err != nil {
			return nil, err
		}
		targets, err := e.Store.TargetsOf(id, typeID)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			out[t] = struct{}{}
		}
	}
	return out, nil
}

func (e *Evaluator) evalCompound(ctx *opctx.OperationContext, c *Compound) (conceptSet, error) {
	set, err := e.eval(ctx, c.Operands[0])
	if err != nil {
		return nil, err
	}
	for _, operand := range c.Operands[1:] {
		next, err := e.eval(ctx, operand)
		if err != nil {
			return nil, err
		}
		switch c.Op {
		case Conjunction:
			set = intersect(set, next)
		case Disjunction:
			for id := range next {
				set[id] = struct{}{}
			}
		case Exclusion:
			set = subtract(set, next)
		}
	}
	return set, nil
}

func intersect(a, b conceptSet) conceptSet {
	out := conceptSet{}
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func subtract(a, b conceptSet) conceptSet {
	out := conceptSet{}
	for id := range a {
		if _, ok := b[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}
