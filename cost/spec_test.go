package cost_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/xraph/credits/cost"
)

func TestActionSpecYAML(t *testing.T) {
	src := `
send-email: 1
generate-post:
  default: 5
  pro: "{token} * 0.001 + 10"
  min_tier: basic
export-rows:
  default: "{rows} * 0.1"
  tiers:
    enterprise: 0.5
`
	var table map[string]cost.ActionSpec
	require.NoError(t, yaml.Unmarshal([]byte(src), &table))

	email := table["send-email"]
	require.NotNil(t, email.Default.Fixed)
	assert.Equal(t, 1.0, *email.Default.Fixed)
	assert.Empty(t, email.Tiers)

	post := table["generate-post"]
	require.NotNil(t, post.Default.Fixed)
	assert.Equal(t, 5.0, *post.Default.Fixed)
	assert.Equal(t, "basic", post.MinTier)
	assert.Equal(t, "{token} * 0.001 + 10", post.Tiers["pro"].Formula)
	assert.Nil(t, post.Tiers["pro"].Fixed)

	rows := table["export-rows"]
	assert.Equal(t, "{rows} * 0.1", rows.Default.Formula)
	require.NotNil(t, rows.Tiers["enterprise"].Fixed)
	assert.Equal(t, 0.5, *rows.Tiers["enterprise"].Fixed)
	assert.Equal(t, []string{"enterprise"}, rows.TierNames())
}

func TestActionSpecYAMLRejectsNonScalarCost(t *testing.T) {
	var table map[string]cost.ActionSpec
	err := yaml.Unmarshal([]byte("x:\n  default: [1, 2]\n"), &table)
	assert.Error(t, err)

	err = yaml.Unmarshal([]byte("x:\n  default: true\n"), &table)
	assert.Error(t, err)
}

func TestActionSpecJSON(t *testing.T) {
	src := `{
		"send-email": 1,
		"generate-post": {"default": 5, "pro": "{token} * 0.001 + 10", "min_tier": "basic"},
		"export-rows": {"default": "{rows} * 0.1", "tiers": {"enterprise": 0.5}}
	}`

	var table map[string]cost.ActionSpec
	require.NoError(t, json.Unmarshal([]byte(src), &table))

	require.NotNil(t, table["send-email"].Default.Fixed)
	assert.Equal(t, "basic", table["generate-post"].MinTier)
	assert.Equal(t, "{token} * 0.001 + 10", table["generate-post"].Tiers["pro"].Formula)
	assert.Equal(t, 0.5, *table["export-rows"].Tiers["enterprise"].Fixed)

	// Round trip through the nested form.
	data, err := json.Marshal(table)
	require.NoError(t, err)

	var again map[string]cost.ActionSpec
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, table["generate-post"].Tiers["pro"].Formula, again["generate-post"].Tiers["pro"].Formula)
	assert.Equal(t, "basic", again["generate-post"].MinTier)
}

func TestActionSpecJSONRejectsGarbage(t *testing.T) {
	var s cost.Spec
	assert.Error(t, json.Unmarshal([]byte(`{"a": 1}`), &s))
	assert.Error(t, json.Unmarshal([]byte(`true`), &s))
}

func TestValue(t *testing.T) {
	f := cost.Fixed(2.5)
	assert.Equal(t, cost.KindFixed, f.Kind())
	assert.False(t, f.IsFormula())
	assert.Equal(t, "2.5", f.String())
	assert.Nil(t, f.Expression())
	assert.Equal(t, "fixed", f.Kind().String())
}
