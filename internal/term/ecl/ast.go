// Package ecl implements the SNOMED CT Expression Constraint Language:
// lexing, parsing, term and semantic validation, and evaluation against a
// concept store. Parsing never touches the terminology; validation and
// evaluation are separate passes so untrusted input can be parsed cheaply.
package ecl

import "fmt"

// ConstraintOp is the hierarchy operator prefixed to a focus concept.
type ConstraintOp string

const (
	OpSelf             ConstraintOp = ""
	OpDescendantOf     ConstraintOp = "<"
	OpDescendantOrSelf ConstraintOp = "<<"
	OpChildOf          ConstraintOp = "<!"
	OpChildOrSelf      ConstraintOp = "<<!"
	OpAncestorOf       ConstraintOp = ">"
	OpAncestorOrSelf   ConstraintOp = ">>"
	OpParentOf         ConstraintOp = ">!"
	OpParentOrSelf     ConstraintOp = ">>!"
)

// BoolOp joins sub-expressions in a compound constraint.
type BoolOp string

const (
	Conjunction BoolOp = "AND"
	Disjunction BoolOp = "OR"
	Exclusion   BoolOp = "MINUS"
)

// Node is any ECL AST node.
type Node interface {
	String() string
}

// ConceptRef is an SCTID with an optional |term| annotation.
type ConceptRef struct {
	ID   string
	Term string
}

func (c *ConceptRef) String() string {
	if c.Term != "" {
		return fmt.Sprintf("%s |%s|", c.ID, c.Term)
	}
	return c.ID
}

// Wildcard matches any concept.
type Wildcard struct{}

func (w *Wildcard) String() string { return "*" }

// MemberOf selects the members of a reference set.
type MemberOf struct {
	Target Node // ConceptRef, Wildcard, or nested expression
}

func (m *MemberOf) String() string { return "^ " + m.Target.String() }

// SubExpression is a constrained focus with optional refinement and dotted
// attribute projection.
type SubExpression struct {
	Op         ConstraintOp
	Focus      Node
	Refinement *Refinement
	Dotted     []*ConceptRef
}

func (s *SubExpression) String() string {
	out := ""
	if s.Op != OpSelf {
		out = string(s.Op) + " "
	}
	out += s.Focus.String()
	if s.Refinement != nil {
		out += " : " + s.Refinement.String()
	}
	for _, d := range s.Dotted {
		out += " . " + d.String()
	}
	return out
}

// Compound joins two or more operands with a single boolean operator.
type Compound struct {
	Op       BoolOp
	Operands []Node
}

func (c *Compound) String() string {
	out := ""
	for i, op := range c.Operands {
		if i > 0 {
			out += " " + string(c.Op) + " "
		}
		out += op.String()
	}
	return "(" + out + ")"
}

// Refinement is the attribute part after ':'.
type Refinement struct {
	Groups     []*AttributeGroup
	Attributes []*Attribute
}

func (r *Refinement) String() string {
	out := ""
	for i, g := range r.Groups {
		if i > 0 {
			out += ", "
		}
		out += g.String()
	}
	for i, a := range r.Attributes {
		if i > 0 || len(r.Groups) > 0 {
			out += ", "
		}
		out += a.String()
	}
	return out
}

// AttributeGroup is a braced attribute set with optional cardinality.
type AttributeGroup struct {
	Card       *Cardinality
	Attributes []*Attribute
}

func (g *AttributeGroup) String() string {
	out := ""
	if g.Card != nil {
		out += g.Card.String() + " "
	}
	out += "{"
	for i, a := range g.Attributes {
		if i > 0 {
			out += ", "
		}
		out += a.String()
	}
	return out + "}"
}

// Attribute is one attribute comparison within a refinement.
type Attribute struct {
	Card       *Cardinality
	Reverse    bool
	Name       *SubExpression
	Comparator string // = != < > <= >=
	Value      Node   // SubExpression or Literal
}

func (a *Attribute) String() string {
	out := ""
	if a.Card != nil {
		out += a.Card.String() + " "
	}
	if a.Reverse {
		out += "R "
	}
	return out + a.Name.String() + " " + a.Comparator + " " + a.Value.String()
}

// Cardinality bounds attribute occurrences; Max of -1 means unbounded.
type Cardinality struct {
	Min int
	Max int
}

func (c *Cardinality) String() string {
	max := "*"
	if c.Max >= 0 {
		max = fmt.Sprintf("%d", c.Max)
	}
	return fmt.Sprintf("[%d..%s]", c.Min, max)
}

// LiteralKind discriminates concrete attribute values.
type LiteralKind int

const (
	LitInteger LiteralKind = iota
	LitDecimal
	LitString
)

// Literal is a concrete value on the right side of an attribute comparison.
type Literal struct {
	Kind LiteralKind
	Text string
}

func (l *Literal) String() string {
	if l.Kind == LitString {
		return "\"" + l.Text + "\""
	}
	return l.Text
}

// ParseError carries a message with the offending position.
type ParseError struct {
	Pos     int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("at position %d: %s", e.Pos, e.Message)
}

// Result is the outcome of a parse: the AST on success, otherwise errors.
type Result struct {
	Success bool
	AST     Node
	Errors  []*ParseError
}
