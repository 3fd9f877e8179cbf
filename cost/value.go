// Package cost prices actions. A cost is either a fixed number or a formula
// evaluated against caller-supplied variables; the Resolver picks the value
// for an action and tier, evaluates it, and applies the floor and rounding
// policy.
package cost

import (
	"strconv"

	"github.com/xraph/credits/expr"
)

// Kind discriminates a Value.
type Kind uint8

const (
	KindFixed Kind = iota + 1
	KindFormula
)

func (k Kind) String() string {
	switch k {
	case KindFixed:
		return "fixed"
	case KindFormula:
		return "formula"
	}
	return "unknown"
}

// Value is a compiled cost: Fixed(n) or Formula(expression).
type Value struct {
	kind    Kind
	fixed   float64
	formula *expr.Expression
}

// Fixed returns a constant cost.
func Fixed(n float64) Value {
	return Value{kind: KindFixed, fixed: n}
}

// Formula returns a cost computed by x.
func Formula(x *expr.Expression) Value {
	return Value{kind: KindFormula, formula: x}
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// IsFormula reports whether v is computed from variables.
func (v Value) IsFormula() bool { return v.kind == KindFormula }

// Amount returns the fixed amount. It is zero for formulas.
func (v Value) Amount() float64 { return v.fixed }

// Expression returns the compiled formula, or nil for fixed costs.
func (v Value) Expression() *expr.Expression { return v.formula }

func (v Value) String() string {
	if v.kind == KindFormula {
		return v.formula.String()
	}
	return strconv.FormatFloat(v.fixed, 'f', -1, 64)
}
