// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp_test

import (
	"slices"
	"testing"

	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/ml/module"
	"github.com/gomlx/tparallel/pkg/ml/tp"
	"github.com/gomlx/tparallel/pkg/support/sets"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSplitsPlans(t *testing.T) {
	base := tp.NewRawPlan(
		"embed", "colwise",
		"layers.*.attn.q", "rowwise",
		"layers.*.mlp", "colwise",
		"lm_head", "colwise")
	override := tp.NewRawPlan(
		"lm_head", "colwise_rep",
		"layers.*.attn.q", "colwise")
	resolver := tp.NewResolver(tp.DefaultRegistry()).
		WithTied([]module.Alias{{Alias: "lm_head.weight", Canonical: "embed.weight"}})
	resolved, err := resolver.Resolve(base, override)
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"embed"}, resolved.Model.Patterns()); diff != "" {
		t.Errorf("model plan mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"attn.q", "mlp"}, resolved.Layer.Patterns()); diff != "" {
		t.Errorf("layer plan mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"lm_head"}, resolved.Tied.Patterns()); diff != "" {
		t.Errorf("tied plan mismatch (-want +got):\n%s", diff)
	}
	s, _ := resolved.Layer.Get("attn.q")
	assert.Equal(t, distributed.Colwise, s)
	s, _ = resolved.Tied.Get("lm_head")
	assert.Equal(t, distributed.ColwiseReplicatedOutput, s)
	assert.False(t, resolved.IsEmpty())
}

// The merged key set is the union of both plans, and the override wins for common keys.
func TestResolveOverridePrecedence(t *testing.T) {
	names := distributed.StrategyStrings()
	paths := []string{"embed", "norm", "lm_head", "layers.*.attn.q", "layers.*.attn.o", "layers.*.mlp.up"}
	for seed := range 32 {
		base, override := tp.NewRawPlan(), tp.NewRawPlan()
		for i, path := range paths {
			// Deterministic pseudo-random membership and strategies.
			h := (seed*7 + i*13) % 5
			if h != 0 {
				base.Set(path, names[(seed+i)%len(names)])
			}
			if h >= 3 || (h == 0 && seed%2 == 0) {
				override.Set(path, names[(seed+2*i+1)%len(names)])
			}
		}
		if base.Len()+override.Len() == 0 {
			continue
		}
		resolved, err := tp.NewResolver(tp.DefaultRegistry()).Resolve(base, override)
		require.NoError(t, err)

		union := sets.Make[string]()
		for k := range base.All() {
			union.Insert(k)
		}
		for k := range override.All() {
			union.Insert(k)
		}
		merged := sets.MakeWith(resolved.Merged.Patterns()...)
		assert.Equal(t, sets.Sorted(union), sets.Sorted(merged), "seed %d: merged keys", seed)

		for k, s := range resolved.Merged.All() {
			want, inOverride := override.Get(k)
			if !inOverride {
				want, _ = base.Get(k)
			}
			assert.Equal(t, want, s.String(), "seed %d, key %q", seed, k)
		}
		// Every merged entry ends up in exactly one of the split plans.
		assert.Equal(t, resolved.Merged.Len(), resolved.Model.Len()+resolved.Layer.Len()+resolved.Tied.Len())
	}
}

func TestResolveErrors(t *testing.T) {
	resolver := tp.NewResolver(tp.DefaultRegistry())

	t.Run("UnknownStrategy", func(t *testing.T) {
		_, err := resolver.Resolve(tp.NewRawPlan("embed", "colwise", "layers.*.attn.q", "diagonal"), nil)
		var unknown *tp.UnknownStrategyError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "layers.*.attn.q", unknown.Path)
		assert.Equal(t, "diagonal", unknown.Name)
		assert.Contains(t, err.Error(), "diagonal")

		// Also in the override plan, and names are case-sensitive.
		_, err = resolver.Resolve(tp.NewRawPlan("embed", "colwise"), tp.NewRawPlan("embed", "Colwise"))
		require.ErrorAs(t, err, &unknown)
	})

	t.Run("EmptyPlan", func(t *testing.T) {
		_, err := resolver.Resolve(tp.NewRawPlan(), tp.NewRawPlan())
		var empty *tp.EmptyPlanError
		require.ErrorAs(t, err, &empty)
		_, err = resolver.Resolve(tp.NewRawPlan(), nil)
		require.ErrorAs(t, err, &empty)
	})

	t.Run("NoPlanConfigured", func(t *testing.T) {
		resolved, err := resolver.Resolve(nil, nil)
		require.NoError(t, err)
		assert.True(t, resolved.IsEmpty())
		assert.Equal(t, 0, resolved.Model.Len())
		assert.Equal(t, 0, resolved.Layer.Len())
	})

	t.Run("MisplacedWildcard", func(t *testing.T) {
		for _, path := range []string{"blocks.*.attn", "layers.*.", "layers.*.heads.*.q", "*"} {
			_, err := resolver.Resolve(tp.NewRawPlan(path, "colwise"), nil)
			var notFound *module.PathNotFoundError
			require.ErrorAs(t, err, &notFound, "path %q", path)
			assert.Equal(t, path, notFound.Path)
		}
	})

	t.Run("CustomLayersPrefix", func(t *testing.T) {
		resolved, err := tp.NewResolver(tp.DefaultRegistry()).
			WithLayersPrefix("blocks.*.").
			Resolve(tp.NewRawPlan("blocks.*.attn", "colwise"), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"attn"}, resolved.Layer.Patterns())

		_, err = tp.NewResolver(tp.DefaultRegistry()).WithLayersPrefix("blocks").
			Resolve(tp.NewRawPlan("embed", "colwise"), nil)
		assert.Error(t, err)
	})
}

func TestResolveTiedByParameterPath(t *testing.T) {
	aliases := []module.Alias{{Alias: "head.proj.weight", Canonical: "embed.weight"}}
	resolved, err := tp.NewResolver(tp.DefaultRegistry()).WithTied(aliases).
		Resolve(tp.NewRawPlan("head.proj.weight", "rowwise", "head", "colwise"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"head.proj.weight"}, resolved.Tied.Patterns())
	assert.True(t, slices.Equal([]string{"head"}, resolved.Model.Patterns()))
}
