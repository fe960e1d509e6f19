package ucum

import (
	"fmt"
	"sort"
	"strings"
)

// Dimension is a unit's canonical decomposition: base-unit code to exponent.
// Two units are comparable iff their dimensions are equal.
type Dimension map[string]int

// Equal reports dimensional equality; zero exponents are insignificant.
func (d Dimension) Equal(other Dimension) bool {
	for unit, exp := range d {
		if exp != 0 && other[unit] != exp {
			return false
		}
	}
	for unit, exp := range other {
		if exp != 0 && d[unit] != exp {
			return false
		}
	}
	return true
}

// String renders the canonical form: base units ascending, exponent suffixes,
// "1" for the dimensionless unit. "g", "m.s-1", "kg" never appears because
// prefixes are folded into the magnitude.
func (d Dimension) String() string {
	var parts []string
	units := make([]string, 0, len(d))
	for unit, exp := range d {
		if exp != 0 {
			units = append(units, unit)
		}
	}
	sort.Strings(units)
	for _, unit := range units {
		exp := d[unit]
		if exp == 1 {
			parts = append(parts, unit)
		} else {
			parts = append(parts, fmt.Sprintf("%s%d", unit, exp))
		}
	}
	if len(parts) == 0 {
		return "1"
	}
	return strings.Join(parts, ".")
}

func (d Dimension) mergeScaled(other Dimension, sign int) {
	for unit, exp := range other {
		d[unit] += sign * exp
	}
}

// Analysis is the outcome of parsing a unit expression.
type Analysis struct {
	Expression string
	Dimension  Dimension
	// Magnitude is the factor relating the expression to its canonical form.
	Magnitude float64
}

// Canonical renders the canonical units of the expression.
func (a *Analysis) Canonical() string { return a.Dimension.String() }
