package expr

import (
	"math"
)

// node is the closed set of AST node types a formula can compile to.
// Nothing outside these five types is reachable from formula text.
type node interface {
	eval(e *env) (float64, error)
}

type numberNode struct {
	value float64
}

type variableNode struct {
	name string
}

type unaryNode struct {
	op      tokenKind
	operand node
}

type binaryNode struct {
	op          tokenKind
	left, right node
}

type conditionalNode struct {
	cond, then, otherwise node
}

// env carries one evaluation's variable bindings.
type env struct {
	expr *Expression
	vars map[string]float64
}

func (n *numberNode) eval(*env) (float64, error) {
	return n.value, nil
}

func (n *variableNode) eval(e *env) (float64, error) {
	v, ok := e.vars[n.name]
	if !ok {
		// Evaluate checks presence up front; this guards direct node use.
		return 0, e.expr.missing(e.vars)
	}
	return v, nil
}

func (n *unaryNode) eval(e *env) (float64, error) {
	v, err := n.operand.eval(e)
	if err != nil {
		return 0, err
	}
	if n.op == tokMinus {
		return -v, nil
	}
	return v, nil
}

func (n *binaryNode) eval(e *env) (float64, error) {
	l, err := n.left.eval(e)
	if err != nil {
		return 0, err
	}
	r, err := n.right.eval(e)
	if err != nil {
		return 0, err
	}

	var out float64
	switch n.op {
	case tokPlus:
		out = l + r
	case tokMinus:
		out = l - r
	case tokStar:
		out = l * r
	case tokSlash:
		if r == 0 {
			return 0, e.expr.evalError(e.vars, CauseDivisionByZero)
		}
		out = l / r
	case tokLess:
		out = boolValue(l < r)
	case tokLessEq:
		out = boolValue(l <= r)
	case tokGreater:
		out = boolValue(l > r)
	case tokGreaterEq:
		out = boolValue(l >= r)
	case tokEqual:
		out = boolValue(l == r)
	case tokNotEqual:
		out = boolValue(l != r)
	}
	return e.expr.checkResult(e.vars, out)
}

// eval only visits the selected branch.
func (n *conditionalNode) eval(e *env) (float64, error) {
	c, err := n.cond.eval(e)
	if err != nil {
		return 0, err
	}
	if c != 0 {
		return n.then.eval(e)
	}
	return n.otherwise.eval(e)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (x *Expression) checkResult(vars map[string]float64, v float64) (float64, error) {
	switch {
	case math.IsNaN(v):
		return 0, x.evalError(vars, CauseNaNResult)
	case math.IsInf(v, 0):
		return 0, x.evalError(vars, CauseInfiniteResult)
	}
	return v, nil
}
