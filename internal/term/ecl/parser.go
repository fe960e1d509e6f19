package ecl

import (
	"strconv"
	"strings"
)

// Parse runs the lexer and parser over an expression. It never queries the
// terminology; term and semantic validation are separate passes.
func Parse(expression string) *Result {
	tokens, lexErr := lex(expression)
	if lexErr != nil {
		return &Result{Errors: []*ParseError{lexErr}}
	}
	p := &parser{tokens: tokens}
	ast := p.parseExpression()
	if p.err == nil && p.current().kind != tokEOF {
		p.fail("unexpected trailing input " + p.current().describe())
	}
	if p.err != nil {
		return &Result{Errors: []*ParseError{p.err}}
	}
	return &Result{Success: true, AST: ast}
}

type parser struct {
	tokens []token
	pos    int
	err    *ParseError
}

func (p *parser) current() token { return p.tokens[p.pos] }

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) fail(message string) {
	if p.err == nil {
		p.err = &ParseError{Pos: p.current().pos, Message: message}
	}
}

func (p *parser) expect(kind tokenKind, what string) token {
	if p.current().kind != kind {
		p.fail("expected " + what + ", found " + p.current().describe())
		return token{}
	}
	return p.advance()
}

// Expression := SubExpr ( (AND|OR|MINUS) SubExpr )*
// Mixed operators at one level require parentheses; a chain must repeat one
// operator.
func (p *parser) parseExpression() Node {
	first := p.parseSubExpression()
	if p.err != nil {
		return nil
	}
	k := p.current().kind
	if k != tokAnd && k != tokOr && k != tokMinus {
		return first
	}
	var op BoolOp
	switch k {
	case tokAnd:
		op = Conjunction
	case tokOr:
		op = Disjunction
	case tokMinus:
		op = Exclusion
	}
	compound := &Compound{Op: op, Operands: []Node{first}}
	for {
		cur := p.current().kind
		if cur != tokAnd && cur != tokOr && cur != tokMinus {
			break
		}
		if (cur == tokAnd && op != Conjunction) ||
			(cur == tokOr && op != Disjunction) ||
			(cur == tokMinus && op != Exclusion) {
			p.fail("mixed boolean operators require parentheses")
			return nil
		}
		p.advance()
		operand := p.parseSubExpression()
		if p.err != nil {
			return nil
		}
		compound.Operands = append(compound.Operands, operand)
	}
	return compound
}

// SubExpr := [ConstraintOp] Focus [Refinement] [DottedSuffix]
func (p *parser) parseSubExpression() *SubExpression {
	sub := &SubExpression{Op: OpSelf}
	if p.current().kind == tokConstraint {
		sub.Op = ConstraintOp(p.advance().text)
	}
	sub.Focus = p.parseFocus()
	if p.err != nil {
		return nil
	}
	if p.current().kind == tokColon {
		p.advance()
		sub.Refinement = p.parseRefinement()
		if p.err != nil {
			return nil
		}
	}
	for p.current().kind == tokDot {
		p.advance()
		ref := p.parseConceptRef()
		if p.err != nil {
			return nil
		}
		sub.Dotted = append(sub.Dotted, ref)
	}
	return sub
}

// Focus := SCTID [TERM] | '*' | '^' SubExpr | '(' Expression ')'
func (p *parser) parseFocus() Node {
	switch p.current().kind {
	case tokSCTID, tokInteger:
		return p.parseConceptRef()
	case tokWildcard:
		p.advance()
		return &Wildcard{}
	case tokMemberOf:
		p.advance()
		target := p.parseSubExpression()
		if p.err != nil {
			return nil
		}
		return &MemberOf{Target: target}
	case tokLParen:
		p.advance()
		inner := p.parseExpression()
		if p.err != nil {
			return nil
		}
		p.expect(tokRParen, "')'")
		return inner
	}
	p.fail("expected a concept reference, '*', '^', or '(', found " + p.current().describe())
	return nil
}

func (p *parser) parseConceptRef() *ConceptRef {
	t := p.current()
	if t.kind != tokSCTID && t.kind != tokInteger {
		p.fail("expected a concept identifier, found " + t.describe())
		return nil
	}
	if strings.HasPrefix(t.text, "-") || strings.HasPrefix(t.text, "+") {
		p.fail("concept identifiers must be positive digit sequences")
		return nil
	}
	p.advance()
	ref := &ConceptRef{ID: t.text}
	if p.current().kind == tokTerm {
		ref.Term = p.advance().text
	}
	return ref
}

// Refinement := AttrGroup+ | AttrSet, with groups and loose attributes
// separable by commas.
func (p *parser) parseRefinement() *Refinement {
	r := &Refinement{}
	for {
		// A cardinality may precede either a group or an attribute.
		var card *Cardinality
		if p.current().kind == tokLBracket {
			card = p.parseCardinality()
			if p.err != nil {
				return nil
			}
		}
		if p.current().kind == tokLBrace {
			group := p.parseAttributeGroup()
			if p.err != nil {
				return nil
			}
			group.Card = card
			r.Groups = append(r.Groups, group)
		} else {
			attr := p.parseAttribute()
			if p.err != nil {
				return nil
			}
			attr.Card = card
			r.Attributes = append(r.Attributes, attr)
		}
		if p.current().kind != tokComma {
			break
		}
		p.advance()
	}
	if len(r.Groups) == 0 && len(r.Attributes) == 0 {
		p.fail("empty refinement")
		return nil
	}
	return r
}

func (p *parser) parseAttributeGroup() *AttributeGroup {
	p.expect(tokLBrace, "'{'")
	if p.err != nil {
		return nil
	}
	g := &AttributeGroup{}
	for {
		var card *Cardinality
		if p.current().kind == tokLBracket {
			card = p.parseCardinality()
			if p.err != nil {
				return nil
			}
		}
		attr := p.parseAttribute()
		if p.err != nil {
			return nil
		}
		attr.Card = card
		g.Attributes = append(g.Attributes, attr)
		if p.current().kind != tokComma {
			break
		}
		p.advance()
	}
	p.expect(tokRBrace, "'}'")
	if p.err != nil {
		return nil
	}
	return g
}

// AttrExpr := [R] SubExpr CompOp (SubExpr | Numeric | String)
func (p *parser) parseAttribute() *Attribute {
	a := &Attribute{}
	if p.current().kind == tokReverse {
		p.advance()
		a.Reverse = true
	}
	a.Name = p.parseSubExpression()
	if p.err != nil {
		return nil
	}
	switch p.current().kind {
	case tokEquals:
		a.Comparator = "="
	case tokNotEquals:
		a.Comparator = "!="
	case tokConstraint:
		// Bare < and > double as comparison operators on concrete values.
		t := p.current().text
		if t != "<" && t != ">" {
			p.fail("expected a comparison operator, found " + p.current().describe())
			return nil
		}
		a.Comparator = t
	case tokLessEq:
		a.Comparator = "<="
	case tokGreaterEq:
		a.Comparator = ">="
	default:
		p.fail("expected a comparison operator, found " + p.current().describe())
		return nil
	}
	p.advance()

	switch p.current().kind {
	case tokString:
		a.Value = &Literal{Kind: LitString, Text: p.advance().text}
	case tokDecimal:
		a.Value = &Literal{Kind: LitDecimal, Text: p.advance().text}
	case tokInteger:
		t := p.current()
		// Unsigned digit runs are ambiguous between an integer literal and a
		// short concept id; numeric comparators force the literal reading.
		if a.Comparator != "=" && a.Comparator != "!=" {
			p.advance()
			a.Value = &Literal{Kind: LitInteger, Text: t.text}
		} else if strings.HasPrefix(t.text, "-") || strings.HasPrefix(t.text, "+") {
			p.advance()
			a.Value = &Literal{Kind: LitInteger, Text: t.text}
		} else {
			a.Value = p.parseSubExpression()
		}
	default:
		a.Value = p.parseSubExpression()
	}
	if p.err != nil {
		return nil
	}
	return a
}

// Cardinality := '[' (Int|'*') '..' (Int|'*') ']'
func (p *parser) parseCardinality() *Cardinality {
	p.expect(tokLBracket, "'['")
	if p.err != nil {
		return nil
	}
	c := &Cardinality{}
	switch p.current().kind {
	case tokInteger, tokSCTID:
		v, err := strconv.Atoi(p.advance().text)
		if err != nil || v < 0 {
			p.fail("invalid cardinality lower bound")
			return nil
		}
		c.Min = v
	case tokWildcard:
		p.advance()
		c.Min = 0
	default:
		p.fail("expected an integer or '*' in cardinality")
		return nil
	}
	p.expect(tokDotDot, "'..'")
	if p.err != nil {
		return nil
	}
	switch p.current().kind {
	case tokInteger, tokSCTID:
		v, err := strconv.Atoi(p.advance().text)
		if err != nil || v < 0 {
			p.fail("invalid cardinality upper bound")
			return nil
		}
		c.Max = v
	case tokWildcard:
		p.advance()
		c.Max = -1
	default:
		p.fail("expected an integer or '*' in cardinality")
		return nil
	}
	p.expect(tokRBracket, "']'")
	if p.err != nil {
		return nil
	}
	return c
}
