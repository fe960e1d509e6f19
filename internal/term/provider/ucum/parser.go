package ucum

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// resolver maps a unit symbol (with any prefix already attached, e.g. "mg")
// to its canonical dimension and magnitude.
type resolver func(symbol string) (Dimension, float64, bool)

// parseExpression parses a UCUM unit expression against a symbol resolver.
// Returns a human-readable reason when the expression is not valid UCUM.
func parseExpression(expression string, resolve resolver) (*Analysis, error) {
	p := &exprParser{input: expression, resolve: resolve}
	dim, mag, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected %q at position %d", p.input[p.pos:], p.pos)
	}
	return &Analysis{Expression: expression, Dimension: dim, Magnitude: mag}, nil
}

type exprParser struct {
	input   string
	pos     int
	resolve resolver
}

func (p *exprParser) parseTerm() (Dimension, float64, error) {
	dim, mag, err := p.parseComponent()
	if err != nil {
		return nil, 0, err
	}
	for p.pos < len(p.input) {
		op := p.input[p.pos]
		if op != '.' && op != '/' {
			break
		}
		p.pos++
		rdim, rmag, err := p.parseComponent()
		if err != nil {
			return nil, 0, err
		}
		if op == '.' {
			dim.mergeScaled(rdim, 1)
			mag *= rmag
		} else {
			dim.mergeScaled(rdim, -1)
			mag /= rmag
		}
	}
	return dim, mag, nil
}

func (p *exprParser) parseComponent() (Dimension, float64, error) {
	if p.pos >= len(p.input) {
		return nil, 0, fmt.Errorf("unexpected end of expression")
	}
	c := p.input[p.pos]

	if c == '(' {
		p.pos++
		dim, mag, err := p.parseTerm()
		if err != nil {
			return nil, 0, err
		}
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return nil, 0, fmt.Errorf("missing ')' at position %d", p.pos)
		}
		p.pos++
		if exp, ok := p.parseExponent(); ok {
			scaled := Dimension{}
			for unit, e := range dim {
				scaled[unit] = e * exp
			}
			return scaled, math.Pow(mag, float64(exp)), nil
		}
		return dim, mag, nil
	}

	if c == '{' {
		// Bare annotation: dimensionless.
		if err := p.skipAnnotation(); err != nil {
			return nil, 0, err
		}
		return Dimension{}, 1, nil
	}

	if c >= '0' && c <= '9' {
		start := p.pos
		for p.pos < len(p.input) && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
			p.pos++
		}
		n, err := strconv.ParseFloat(p.input[start:p.pos], 64)
		if err != nil || n == 0 {
			return nil, 0, fmt.Errorf("invalid factor %q", p.input[start:p.pos])
		}
		return Dimension{}, n, nil
	}

	// Unit symbol: everything up to an operator, a digit run used as an
	// exponent, or an annotation. Square-bracketed atoms ("[in_i]", "m[H2O]")
	// consume through the closing bracket, digits included.
	start := p.pos
	for p.pos < len(p.input) {
		if p.input[p.pos] == '[' {
			for p.pos < len(p.input) && p.input[p.pos] != ']' {
				p.pos++
			}
			if p.pos >= len(p.input) {
				return nil, 0, fmt.Errorf("unterminated '[' at position %d", start)
			}
			p.pos++
			continue
		}
		if strings.ContainsRune("./(){}", rune(p.input[p.pos])) || isExponentStart(p.input, p.pos) {
			break
		}
		p.pos++
	}
	symbol := p.input[start:p.pos]
	if symbol == "" {
		return nil, 0, fmt.Errorf("expected a unit at position %d", p.pos)
	}
	dim, mag, ok := p.resolve(symbol)
	if !ok {
		return nil, 0, fmt.Errorf("unknown unit %q", symbol)
	}
	exp, hasExp := p.parseExponent()
	if p.pos < len(p.input) && p.input[p.pos] == '{' {
		if err := p.skipAnnotation(); err != nil {
			return nil, 0, err
		}
	}
	if hasExp {
		scaled := Dimension{}
		for unit, e := range dim {
			scaled[unit] = e * exp
		}
		return scaled, math.Pow(mag, float64(exp)), nil
	}
	out := Dimension{}
	for unit, e := range dim {
		out[unit] = e
	}
	return out, mag, nil
}

// isExponentStart reports whether the character at pos begins an exponent
// suffix: a digit run, or a sign followed by a digit.
func isExponentStart(input string, pos int) bool {
	c := input[pos]
	if c >= '0' && c <= '9' {
		return true
	}
	if (c == '+' || c == '-') && pos+1 < len(input) {
		next := input[pos+1]
		return next >= '0' && next <= '9'
	}
	return false
}

func (p *exprParser) parseExponent() (int, bool) {
	if p.pos >= len(p.input) || !isExponentStart(p.input, p.pos) {
		return 0, false
	}
	start := p.pos
	if p.input[p.pos] == '+' || p.input[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.input) && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
		p.pos++
	}
	n, err := strconv.Atoi(p.input[start:p.pos])
	if err != nil {
		return 0, false
	}
	return n, true
}

func (p *exprParser) skipAnnotation() error {
	start := p.pos
	for p.pos < len(p.input) {
		if p.input[p.pos] == '}' {
			p.pos++
			return nil
		}
		p.pos++
	}
	return fmt.Errorf("unterminated annotation at position %d", start)
}
