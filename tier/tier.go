// Package tier models membership tiers: named levels with a rank and a
// credit cap. It answers whether an account's tier satisfies an action's
// minimum requirement.
package tier

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/types"
)

// ErrUndefined is returned when a tier name is not in the table.
var ErrUndefined = errors.New("credits: undefined tier")

// Spec is the configuration form of a tier.
type Spec struct {
	Rank      int     `json:"rank" yaml:"rank" mapstructure:"rank"`
	CreditCap float64 `json:"credit_cap" yaml:"credit_cap" mapstructure:"credit_cap"`
}

// Tier is a membership level. Higher Rank is a higher tier. CreditCap is the
// balance an account is reset to when it moves onto the tier.
type Tier struct {
	Name      string          `json:"name"`
	Rank      int             `json:"rank"`
	CreditCap decimal.Decimal `json:"credit_cap"`
}

// Table is an immutable set of tiers.
type Table struct {
	tiers map[string]Tier
}

// NewTable validates specs and builds a Table.
func NewTable(specs map[string]Spec) (*Table, error) {
	t := &Table{tiers: make(map[string]Tier, len(specs))}
	for name, s := range specs {
		if name == "" {
			return nil, errors.New("tier: empty tier name")
		}
		if !types.Finite(s.CreditCap) || s.CreditCap < 0 {
			return nil, fmt.Errorf("tier: %s: credit cap must be a non-negative number", name)
		}
		t.tiers[name] = Tier{Name: name, Rank: s.Rank, CreditCap: types.Amount(s.CreditCap)}
	}
	return t, nil
}

// Get looks up a tier by name.
func (t *Table) Get(name string) (Tier, error) {
	tr, ok := t.tiers[name]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q", ErrUndefined, name)
	}
	return tr, nil
}

// Has reports whether name is a defined tier.
func (t *Table) Has(name string) bool {
	_, ok := t.tiers[name]
	return ok
}

// All returns every tier ordered by rank, then name.
func (t *Table) All() []Tier {
	out := make([]Tier, 0, len(t.tiers))
	for _, tr := range t.tiers {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Active returns current unless it has expired at now, in which case it
// returns "".
func Active(current string, expiresAt *time.Time, now time.Time) string {
	if current == "" || Expired(expiresAt, now) {
		return ""
	}
	return current
}

// Expired reports whether a tier with the given expiry has lapsed at now.
// A nil expiry never lapses.
func Expired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !now.Before(*expiresAt)
}
