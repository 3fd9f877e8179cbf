package expr

import (
	"fmt"
	"strings"
)

// Cause names the specific reason an evaluation failed.
type Cause string

const (
	CauseDivisionByZero Cause = "division-by-zero"
	CauseNaNResult      Cause = "nan-result"
	CauseInfiniteResult Cause = "infinite-result"
	CauseInvalidOperand Cause = "invalid-operand"
)

// SyntaxError reports malformed formula text. Pos is the byte offset of
// the offending token.
type SyntaxError struct {
	Formula string
	Pos     int
	Msg     string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expr: syntax error at position %d in %q: %s", e.Pos, e.Formula, e.Msg)
}

// MissingVariableError is returned when a formula references variables the
// caller did not supply. Missing and Provided are sorted.
type MissingVariableError struct {
	Formula  string
	Missing  []string
	Provided []string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("expr: formula %q is missing variable %s (provided: [%s])",
		e.Formula, strings.Join(e.Missing, ", "), strings.Join(e.Provided, ", "))
}

// MissingName returns the first missing variable.
func (e *MissingVariableError) MissingName() string {
	if len(e.Missing) == 0 {
		return ""
	}
	return e.Missing[0]
}

// EvaluationError is returned when a well-formed formula cannot produce a
// finite number for the supplied variables.
type EvaluationError struct {
	Formula   string
	Variables map[string]float64
	Cause     Cause
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("expr: evaluating %q failed: %s", e.Formula, e.Cause)
}
