package cost

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Spec is the uncompiled form of a Value as it appears in configuration:
// a number is a fixed cost, a string is a formula.
type Spec struct {
	Fixed   *float64
	Formula string
}

// FixedSpec builds a fixed-cost Spec.
func FixedSpec(n float64) Spec { return Spec{Fixed: &n} }

// FormulaSpec builds a formula Spec.
func FormulaSpec(text string) Spec { return Spec{Formula: text} }

// IsZero reports whether s holds neither variant.
func (s Spec) IsZero() bool { return s.Fixed == nil && s.Formula == "" }

func (s Spec) String() string {
	if s.Fixed != nil {
		return strconv.FormatFloat(*s.Fixed, 'f', -1, 64)
	}
	return s.Formula
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("cost: line %d: expected a number or a formula string", node.Line)
	}

	switch node.ShortTag() {
	case "!!int", "!!float":
		var n float64
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("cost: line %d: %w", node.Line, err)
		}
		*s = FixedSpec(n)
	case "!!str":
		*s = FormulaSpec(node.Value)
	default:
		return fmt.Errorf("cost: line %d: expected a number or a formula string, got %s", node.Line, node.ShortTag())
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Spec) MarshalYAML() (any, error) {
	if s.Fixed != nil {
		return *s.Fixed, nil
	}
	return s.Formula, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Spec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = FormulaSpec(text)
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("cost: expected a number or a formula string: %w", err)
	}
	*s = FixedSpec(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (s Spec) MarshalJSON() ([]byte, error) {
	if s.Fixed != nil {
		return json.Marshal(*s.Fixed)
	}
	return json.Marshal(s.Formula)
}

// ActionSpec configures one action. In YAML and JSON it is written either
// as a bare cost (the default) or as a mapping:
//
//	generate-video:
//	  default: 10
//	  pro: "{seconds} * 0.5"
//	  min_tier: basic
//
// Keys other than "default", "min_tier" and "tiers" name tiers. Tier
// entries may also be nested under "tiers".
type ActionSpec struct {
	Default Spec
	Tiers   map[string]Spec
	MinTier string
}

// TierNames returns the configured tier overrides in sorted order.
func (a ActionSpec) TierNames() []string {
	names := make([]string, 0, len(a.Tiers))
	for name := range a.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *ActionSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*a = ActionSpec{}
		return a.Default.UnmarshalYAML(node)
	}

	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return err
	}

	out := ActionSpec{Tiers: map[string]Spec{}}
	for key, child := range raw {
		switch key {
		case "default":
			if err := out.Default.UnmarshalYAML(&child); err != nil {
				return err
			}
		case "min_tier":
			if err := child.Decode(&out.MinTier); err != nil {
				return err
			}
		case "tiers":
			var nested map[string]Spec
			if err := child.Decode(&nested); err != nil {
				return err
			}
			for name, spec := range nested {
				out.Tiers[name] = spec
			}
		default:
			var spec Spec
			if err := spec.UnmarshalYAML(&child); err != nil {
				return err
			}
			out.Tiers[key] = spec
		}
	}

	*a = out
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (a ActionSpec) MarshalYAML() (any, error) {
	out := map[string]any{"default": a.Default}
	if a.MinTier != "" {
		out["min_tier"] = a.MinTier
	}
	if len(a.Tiers) > 0 {
		out["tiers"] = a.Tiers
	}
	return out, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *ActionSpec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '{' {
		*a = ActionSpec{}
		return a.Default.UnmarshalJSON(data)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := ActionSpec{Tiers: map[string]Spec{}}
	for key, child := range raw {
		switch key {
		case "default":
			if err := out.Default.UnmarshalJSON(child); err != nil {
				return err
			}
		case "min_tier":
			if err := json.Unmarshal(child, &out.MinTier); err != nil {
				return err
			}
		case "tiers":
			var nested map[string]Spec
			if err := json.Unmarshal(child, &nested); err != nil {
				return err
			}
			for name, spec := range nested {
				out.Tiers[name] = spec
			}
		default:
			var spec Spec
			if err := spec.UnmarshalJSON(child); err != nil {
				return err
			}
			out.Tiers[key] = spec
		}
	}

	*a = out
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a ActionSpec) MarshalJSON() ([]byte, error) {
	out := map[string]any{"default": a.Default}
	if a.MinTier != "" {
		out["min_tier"] = a.MinTier
	}
	if len(a.Tiers) > 0 {
		out["tiers"] = a.Tiers
	}
	return json.Marshal(out)
}
