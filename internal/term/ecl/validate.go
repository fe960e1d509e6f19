package ecl

import (
	"fmt"
	"strings"
)

// conceptModelAttributeRoot anchors the attribute-type check: every concept
// used as an attribute name must descend from it.
const conceptModelAttributeRoot = "410662002"

// Store is the terminology surface the validator and evaluator need. The
// SNOMED provider implements it over its precompiled cache.
type Store interface {
	// ConceptExists reports whether the concept id is known.
	ConceptExists(id string) (bool, error)
	// ActiveDescriptions returns the active description terms of a concept.
	ActiveDescriptions(id string) ([]string, error)

	Parents(id string) ([]string, error)
	Children(id string) ([]string, error)
	Descendants(id string) ([]string, error)
	Ancestors(id string) ([]string, error)
	// IsA reports whether child is id or a descendant of ancestor.
	IsA(child, ancestor string) (bool, error)

	// RefsetMembers returns the referenced components of a reference set.
	RefsetMembers(refsetID string) ([]string, error)

	// TargetsOf returns destination concepts of active relationships with the
	// given source and type.
	TargetsOf(sourceID, typeID string) ([]string, error)
	// SourcesWithTarget returns source concepts of active relationships with
	// the given type and destination.
	SourcesWithTarget(typeID, targetID string) ([]string, error)
	// SourcesWithConcreteValue returns sources whose concrete relationship
	// value of the given type satisfies the comparison.
	SourcesWithConcreteValue(typeID, comparator string, value *Literal) ([]string, error)

	// AttributeDomain and AttributeRange return the MRCM domain and range
	// constraint concepts declared for an attribute type, or nil when none
	// are recorded.
	AttributeDomain(typeID string) ([]string, error)
	AttributeRange(typeID string) ([]string, error)

	// AllConcepts returns up to limit concept ids, used only for bounded
	// wildcard evaluation.
	AllConcepts(limit int) ([]string, error)
}

// ValidateTerms checks every |term| annotation in the AST against the active
// descriptions of its concept. Errors accumulate; the AST is not modified.
func ValidateTerms(store Store, root Node) ([]string, error) {
	var problems []string
	err := walkConceptRefs(root, func(ref *ConceptRef) error {
		if ref.Term == "" {
			return nil
		}
		descs, err := store.ActiveDescriptions(ref.ID)
		if err != nil {
			return err
		}
		for _, d := range descs {
			if strings.EqualFold(strings.TrimSpace(d), ref.Term) {
				return nil
			}
		}
		expected := "?"
		if len(descs) > 0 {
			expected = descs[0]
		}
		problems = append(problems, fmt.Sprintf(
			"Term %q does not match any active description for concept %s. Expected term like '%s'",
			ref.Term, ref.ID, expected))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return problems, nil
}

// ValidateSemantics checks attribute types, domains and ranges. Each check is
// independent and failures accumulate. Wildcard names and values skip their
// checks.
func ValidateSemantics(store Store, root Node) ([]string, error) {
	v := &semanticValidator{store: store}
	if err := v.walk(root); err != nil {
		return nil, err
	}
	return v.problems, nil
}

type semanticValidator struct {
	store    Store
	problems []string
}

func (v *semanticValidator) walk(n Node) error {
	switch node := n.(type) {
	case *SubExpression:
		if err := v.walk(node.Focus); err != nil {
			return err
		}
		if node.Refinement != nil {
			return v.walkRefinement(node, node.Refinement)
		}
	case *Compound:
		for _, op := range node.Operands {
			if err := v.walk(op); err != nil {
				return err
			}
		}
	case *MemberOf:
		return v.walk(node.Target)
	}
	return nil
}

func (v *semanticValidator) walkRefinement(owner *SubExpression, r *Refinement) error {
	for _, g := range r.Groups {
		for _, a := range g.Attributes {
			if err := v.checkAttribute(owner, a); err != nil {
				return err
			}
		}
	}
	for _, a := range r.Attributes {
		if err := v.checkAttribute(owner, a); err != nil {
			return err
		}
	}
	return nil
}

func (v *semanticValidator) checkAttribute(owner *SubExpression, a *Attribute) error {
	typeRef, ok := a.Name.Focus.(*ConceptRef)
	if !ok {
		// Wildcard or nested attribute names skip the checks.
		return nil
	}

	isAttr, err := v.store.IsA(typeRef.ID, conceptModelAttributeRoot)
	if err != nil {
		return err
	}
	if !isAttr {
		v.problems = append(v.problems, fmt.Sprintf(
			"Concept %s is not a concept model attribute", typeRef.ID))
	}

	if focus, ok := owner.Focus.(*ConceptRef); ok {
		domain, err := v.store.AttributeDomain(typeRef.ID)
		if err != nil {
			return err
		}
		if len(domain) > 0 {
			in, err := v.withinAny(focus.ID, domain)
			if err != nil {
				return err
			}
			if !in {
				v.problems = append(v.problems, fmt.Sprintf(
					"Concept %s is outside the declared domain of attribute %s", focus.ID, typeRef.ID))
			}
		}
	}

	if value, ok := a.Value.(*SubExpression); ok {
		if valueRef, ok := value.Focus.(*ConceptRef); ok {
			rng, err := v.store.AttributeRange(typeRef.ID)
			if err != nil {
				return err
			}
			if len(rng) > 0 {
				in, err := v.withinAny(valueRef.ID, rng)
				if err != nil {
					return err
				}
				if !in {
					v.problems = append(v.problems, fmt.Sprintf(
						"Concept %s is outside the declared range of attribute %s", valueRef.ID, typeRef.ID))
				}
			}
		}
		if err := v.walk(value); err != nil {
			return err
		}
	}
	return nil
}

func (v *semanticValidator) withinAny(id string, constraints []string) (bool, error) {
	for _, c := range constraints {
		ok, err := v.store.IsA(id, c)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func walkConceptRefs(n Node, fn func(*ConceptRef) error) error {
	switch node := n.(type) {
	case *ConceptRef:
		return fn(node)
	case *SubExpression:
		if err := walkConceptRefs(node.Focus, fn); err != nil {
			return err
		}
		if node.Refinement != nil {
			for _, g := range node.Refinement.Groups {
				for _, a := range g.Attributes {
					if err := walkAttributeRefs(a, fn); err != nil {
						return err
					}
				}
			}
			for _, a := range node.Refinement.Attributes {
				if err := walkAttributeRefs(a, fn); err != nil {
					return err
				}
			}
		}
		for _, d := range node.Dotted {
			if err := fn(d); err != nil {
				return err
			}
		}
	case *Compound:
		for _, op := range node.Operands {
			if err := walkConceptRefs(op, fn); err != nil {
				return err
			}
		}
	case *MemberOf:
		return walkConceptRefs(node.Target, fn)
	}
	return nil
}

func walkAttributeRefs(a *Attribute, fn func(*ConceptRef) error) error {
	if err := walkConceptRefs(a.Name, fn); err != nil {
		return err
	}
	if a.Value != nil {
		if err := walkConceptRefs(a.Value, fn); err != nil {
			return err
		}
	}
	return nil
}
