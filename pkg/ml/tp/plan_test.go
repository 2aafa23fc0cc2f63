// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestPlanMerge(t *testing.T) {
	base := NewPlan(
		Entry{"embed", distributed.Colwise},
		Entry{"layers.*.attn.q", distributed.Rowwise},
		Entry{"lm_head", distributed.Colwise})
	override := NewPlan(
		Entry{"lm_head", distributed.ColwiseReplicatedOutput},
		Entry{"layers.*.mlp.up", distributed.Colwise})
	merged := base.Merge(override)

	wantKeys := []string{"embed", "layers.*.attn.q", "lm_head", "layers.*.mlp.up"}
	if diff := cmp.Diff(wantKeys, merged.Patterns()); diff != "" {
		t.Errorf("merged patterns mismatch (-want +got):\n%s", diff)
	}
	s, found := merged.Get("lm_head")
	require.True(t, found)
	assert.Equal(t, distributed.ColwiseReplicatedOutput, s)

	// Inputs are not modified.
	assert.Equal(t, 3, base.Len())
	s, _ = base.Get("lm_head")
	assert.Equal(t, distributed.Colwise, s)

	// Merging with nil plans.
	var nilPlan *Plan
	assert.Equal(t, 0, nilPlan.Len())
	assert.Equal(t, base.Patterns(), base.Merge(nil).Patterns())
	assert.Equal(t, override.Patterns(), nilPlan.Merge(override).Patterns())
	assert.Equal(t, `Plan{"lm_head": colwise_rep, "layers.*.mlp.up": colwise}`, override.String())
}

func TestRawPlanYAML(t *testing.T) {
	const doc = `
zeta: rowwise
alpha: colwise
layers.*.attn.q: colwise_rep
middle: sequence
`
	var plan RawPlan
	require.NoError(t, yaml.Unmarshal([]byte(doc), &plan))
	var keys, names []string
	for k, name := range plan.All() {
		keys = append(keys, k)
		names = append(names, name)
	}
	assert.Equal(t, []string{"zeta", "alpha", "layers.*.attn.q", "middle"}, keys)
	assert.Equal(t, []string{"rowwise", "colwise", "colwise_rep", "sequence"}, names)

	// Marshal keeps the order.
	out, err := yaml.Marshal(&plan)
	require.NoError(t, err)
	var again RawPlan
	require.NoError(t, yaml.Unmarshal(out, &again))
	var againKeys []string
	for k := range again.All() {
		againKeys = append(againKeys, k)
	}
	assert.Equal(t, keys, againKeys)

	for name, bad := range map[string]string{
		"duplicate": "a: rowwise\na: colwise\n",
		"sequence":  "- a\n- b\n",
		"nested":    "a:\n  b: rowwise\n",
	} {
		t.Run(name, func(t *testing.T) {
			var p RawPlan
			assert.Error(t, yaml.Unmarshal([]byte(bad), &p))
		})
	}
}

func TestRawPlanJSON(t *testing.T) {
	var plan RawPlan
	require.NoError(t, json.Unmarshal([]byte(`{"zeta": "rowwise", "alpha": "colwise", "m": "sequence"}`), &plan))
	var keys []string
	for k := range plan.All() {
		keys = append(keys, k)
	}
	assert.Equal(t, []string{"zeta", "alpha", "m"}, keys)
	name, found := plan.Get("alpha")
	assert.True(t, found)
	assert.Equal(t, "colwise", name)

	out, err := json.Marshal(&plan)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"rowwise","alpha":"colwise","m":"sequence"}`, string(out))

	for name, bad := range map[string]string{
		"duplicate":  `{"a": "rowwise", "a": "colwise"}`,
		"array":      `["a", "b"]`,
		"non-string": `{"a": 1}`,
	} {
		t.Run(name, func(t *testing.T) {
			var p RawPlan
			assert.Error(t, json.Unmarshal([]byte(bad), &p))
		})
	}
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()
	assert.Equal(t, []string{"rowwise", "colwise", "colwise_rep", "sequence"}, reg.Names())

	s, err := reg.Parse("embed", "colwise_rep")
	require.NoError(t, err)
	assert.Equal(t, distributed.ColwiseReplicatedOutput, s)

	style, found := reg.Style(distributed.Rowwise)
	require.True(t, found)
	assert.Equal(t, distributed.Sharded(0, "tp"), style.ParamLayout("tp"))
	style, _ = reg.Style(distributed.Sequence)
	assert.True(t, style.ParamLayout("tp").IsReplicated())

	// A registry without the sequence strategy rejects it.
	restricted, err := NewRegistry(map[distributed.Strategy]Style{
		distributed.Rowwise: {ShardParams: true, ParamDim: 0},
	})
	require.NoError(t, err)
	_, err = restricted.Parse("x", "sequence")
	var unknown *UnknownStrategyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "x", unknown.Path)
	assert.Equal(t, []string{"rowwise"}, unknown.Known)

	_, err = NewRegistry(map[distributed.Strategy]Style{distributed.Strategy(17): {}})
	assert.Error(t, err)
}
