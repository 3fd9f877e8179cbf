package cost

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/expr"
	"github.com/xraph/credits/types"
)

// ErrUndefinedAction is returned when an action has no pricing entry.
var ErrUndefinedAction = errors.New("credits: undefined action")

// ConfigError describes an invalid pricing entry found while building a
// Resolver.
type ConfigError struct {
	Action string
	Tier   string // empty for the default entry
	Text   string // offending formula or value
	Err    error
}

func (e *ConfigError) Error() string {
	where := e.Action + ".default"
	if e.Tier != "" {
		where = e.Action + "." + e.Tier
	}
	if e.Text != "" {
		return fmt.Sprintf("cost: %s: %q: %v", where, e.Text, e.Err)
	}
	return fmt.Sprintf("cost: %s: %v", where, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// CalculationDetails records how a cost was derived. Formula and Variables
// are set only when IsDynamic is true.
type CalculationDetails struct {
	Formula   string             `json:"formula,omitempty"`
	Variables map[string]float64 `json:"variables,omitempty"`
	RawCost   float64            `json:"raw_cost"`
	FinalCost decimal.Decimal    `json:"final_cost"`
	IsDynamic bool               `json:"is_dynamic"`
}

type action struct {
	name    string
	def     Value
	tiers   map[string]Value
	minTier string
}

// Resolver prices actions. It is built once from configuration and is
// immutable and safe for concurrent use afterwards.
type Resolver struct {
	actions map[string]*action
	// compiled holds one Expression per distinct formula text, so identical
	// formulas across tiers and actions share a compiled form.
	compiled map[string]*expr.Expression
}

// NewResolver compiles every formula in table. Any malformed entry fails
// the whole table with a *ConfigError.
func NewResolver(table map[string]ActionSpec) (*Resolver, error) {
	r := &Resolver{
		actions:  make(map[string]*action, len(table)),
		compiled: make(map[string]*expr.Expression),
	}

	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := table[name]
		if name == "" {
			return nil, &ConfigError{Err: errors.New("empty action name")}
		}
		if spec.Default.IsZero() {
			return nil, &ConfigError{Action: name, Err: errors.New("missing default cost")}
		}

		a := &action{name: name, tiers: make(map[string]Value, len(spec.Tiers)), minTier: spec.MinTier}

		def, err := r.compile(spec.Default)
		if err != nil {
			return nil, &ConfigError{Action: name, Text: spec.Default.String(), Err: err}
		}
		a.def = def

		for _, tier := range spec.TierNames() {
			tspec := spec.Tiers[tier]
			if tspec.IsZero() {
				return nil, &ConfigError{Action: name, Tier: tier, Err: errors.New("empty cost")}
			}
			v, err := r.compile(tspec)
			if err != nil {
				return nil, &ConfigError{Action: name, Tier: tier, Text: tspec.String(), Err: err}
			}
			a.tiers[tier] = v
		}

		r.actions[name] = a
	}

	return r, nil
}

func (r *Resolver) compile(s Spec) (Value, error) {
	if s.Fixed != nil {
		if !types.Finite(*s.Fixed) {
			return Value{}, errors.New("fixed cost must be a finite number")
		}
		return Fixed(*s.Fixed), nil
	}

	if x, ok := r.compiled[s.Formula]; ok {
		return Formula(x), nil
	}
	x, err := expr.Parse(s.Formula)
	if err != nil {
		return Value{}, err
	}
	r.compiled[s.Formula] = x
	return Formula(x), nil
}

// Resolve prices action for tier. A tier without its own entry, including
// the empty tier, uses the action's default. A nil vars map means the caller
// supplied no variables; a formula cost then falls back to the default when
// the default is fixed.
func (r *Resolver) Resolve(actionName, tier string, vars map[string]float64) (*CalculationDetails, error) {
	a, ok := r.actions[actionName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUndefinedAction, actionName)
	}

	v := a.def
	if tier != "" {
		if tv, ok := a.tiers[tier]; ok {
			v = tv
		}
	}

	if !v.IsFormula() {
		return finalize(&CalculationDetails{RawCost: v.Amount()}), nil
	}

	x := v.Expression()
	if vars == nil && len(x.Variables()) > 0 {
		if !a.def.IsFormula() {
			return finalize(&CalculationDetails{RawCost: a.def.Amount()}), nil
		}
		return nil, x.MissingAll()
	}

	raw, err := x.Evaluate(vars)
	if err != nil {
		return nil, err
	}

	return finalize(&CalculationDetails{
		Formula:   x.String(),
		Variables: maps.Clone(vars),
		RawCost:   raw,
		IsDynamic: true,
	}), nil
}

func finalize(d *CalculationDetails) *CalculationDetails {
	d.FinalCost = types.Amount(math.Max(0, d.RawCost))
	return d
}

// Has reports whether action is priced.
func (r *Resolver) Has(actionName string) bool {
	_, ok := r.actions[actionName]
	return ok
}

// MinTier returns the minimum tier configured for action, or "".
func (r *Resolver) MinTier(actionName string) (string, error) {
	a, ok := r.actions[actionName]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUndefinedAction, actionName)
	}
	return a.minTier, nil
}

// Actions returns every priced action name in sorted order.
func (r *Resolver) Actions() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TierOverrides returns the tiers action overrides, sorted.
func (r *Resolver) TierOverrides(actionName string) []string {
	a, ok := r.actions[actionName]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(a.tiers))
	for name := range a.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Formulas returns the number of distinct compiled formulas.
func (r *Resolver) Formulas() int {
	return len(r.compiled)
}
