// Package expr implements the cost formula language: numeric literals,
// {name} variables, + - * /, comparisons (< > <= >= == !=) yielding 1 or 0,
// a right-associative ternary cond ? a : b, and parentheses.
//
// Formulas are parsed once into a restricted AST and evaluated many times.
// Unary minus and plus are accepted on any operand. Logical && and || are not
// part of the language; combine conditions with nested ternaries instead.
package expr

import (
	"maps"
	"math"
	"slices"
	"sort"
)

// Expression is a compiled formula. It is immutable and safe for
// concurrent use.
type Expression struct {
	text string
	root node
	vars []string
}

// Parse compiles text into an Expression.
func Parse(text string) (*Expression, error) {
	lx := &lexer{src: text}
	toks, err := lx.all()
	if err != nil {
		return nil, err
	}

	p := &parser{src: text, toks: toks, vars: make(map[string]struct{})}
	root, err := p.parse()
	if err != nil {
		return nil, err
	}

	vars := make([]string, 0, len(p.vars))
	for name := range p.vars {
		vars = append(vars, name)
	}
	sort.Strings(vars)

	return &Expression{text: text, root: root, vars: vars}, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded formulas.
func MustParse(text string) *Expression {
	x, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return x
}

// Validate reports whether text is a well-formed formula without keeping
// the compiled form.
func Validate(text string) error {
	_, err := Parse(text)
	return err
}

// String returns the original formula text.
func (x *Expression) String() string { return x.text }

// Variables returns the sorted, de-duplicated variable names the formula
// references.
func (x *Expression) Variables() []string {
	return slices.Clone(x.vars)
}

// Evaluate computes the formula against vars. Every referenced variable must
// be present and finite; extra entries are ignored.
func (x *Expression) Evaluate(vars map[string]float64) (float64, error) {
	for _, name := range x.vars {
		v, ok := vars[name]
		if !ok {
			return 0, x.missing(vars)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, x.evalError(vars, CauseInvalidOperand)
		}
	}

	out, err := x.root.eval(&env{expr: x, vars: vars})
	if err != nil {
		return 0, err
	}
	return x.checkResult(vars, out)
}

// MissingAll returns the error reported when no variables were supplied to a
// formula that needs them: every referenced name is missing.
func (x *Expression) MissingAll() *MissingVariableError {
	return &MissingVariableError{
		Formula:  x.text,
		Missing:  x.Variables(),
		Provided: []string{},
	}
}

func (x *Expression) missing(vars map[string]float64) *MissingVariableError {
	var missing []string
	for _, name := range x.vars {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	provided := slices.Sorted(maps.Keys(vars))
	if provided == nil {
		provided = []string{}
	}
	return &MissingVariableError{
		Formula:  x.text,
		Missing:  missing,
		Provided: provided,
	}
}

func (x *Expression) evalError(vars map[string]float64, cause Cause) *EvaluationError {
	return &EvaluationError{
		Formula:   x.text,
		Variables: maps.Clone(vars),
		Cause:     cause,
	}
}
