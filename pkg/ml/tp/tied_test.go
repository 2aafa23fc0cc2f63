// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp_test

import (
	"context"
	"testing"

	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/core/tensors"
	"github.com/gomlx/tparallel/pkg/ml/module"
	"github.com/gomlx/tparallel/pkg/ml/tp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTiedTree() *module.Tree {
	tree := newTestTree(2, 8)
	if err := tree.Tie("lm_head.weight", "embed.weight"); err != nil {
		panic(err)
	}
	return tree
}

func TestFixTiedParameters(t *testing.T) {
	defer goleak.VerifyNone(t)
	mesh := tpMesh(4)

	testCases := []struct {
		name       string
		headEntry  string
		wantLayout distributed.Layout
		wantShared bool
		wantStages []string
	}{
		{"same layout shares storage", "colwise", distributed.Sharded(1, "tp"), true, nil},
		{"replicated output", "colwise_rep", distributed.Sharded(1, "tp"), true, []string{tp.ReplicateOutputStage}},
		{"different layout", "rowwise", distributed.Sharded(0, "tp"), false, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := runDevices(t, mesh, func(ctx context.Context, p *distributed.Participant) error {
				tree := newTiedTree()
				embedFull := tree.Root().Child("embed").Param("weight").Local()
				base := tp.NewRawPlan("embed", "colwise", "layers.*.attn.q", "rowwise", "lm_head", tc.headEntry)
				resolved, err := resolveAndApply(ctx, p, tree, base)
				if err != nil {
					return err
				}
				assert.Equal(t, []string{"lm_head"}, resolved.Tied.Patterns())

				// The main traversal doesn't visit the tied head.
				head := tree.Root().Child("lm_head").Param("weight")
				assert.False(t, head.IsDistributed())

				applier := tp.NewApplier(tp.DefaultRegistry())
				if err := applier.FixTiedParameters(ctx, p, tree, resolved.Tied); err != nil {
					return err
				}
				if !assert.True(t, head.IsDistributed()) {
					return nil
				}
				assert.Equal(t, tc.wantLayout, head.Distributed().Layout())
				embed := tree.Root().Child("embed").Param("weight")
				assert.Equal(t, tc.wantShared, head.Distributed() == embed.Distributed())
				assert.Equal(t, tc.wantStages, stagesOrNil(tree.Root().Child("lm_head")))

				want, err := embedFull.Split(tc.wantLayout.Dim(), 4, p.Device())
				if err != nil {
					return err
				}
				assert.True(t, want.Equal(head.Distributed().Local()), "device %d head shard", p.Device())

				// Re-applying keeps the state.
				dt := head.Distributed()
				if tc.wantShared {
					if err := applier.FixTiedParameters(ctx, p, tree, resolved.Tied); err != nil {
						return err
					}
					assert.Same(t, dt, head.Distributed())
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func stagesOrNil(n *module.Node) []string {
	names := n.StageNames()
	if len(names) == 0 {
		return nil
	}
	return names
}

func TestFixTiedParametersEntryByParameterPath(t *testing.T) {
	defer goleak.VerifyNone(t)
	err := runDevices(t, tpMesh(2), func(ctx context.Context, p *distributed.Participant) error {
		tree := newTiedTree()
		resolved, err := resolveAndApply(ctx, p, tree, tp.NewRawPlan("embed", "rowwise", "lm_head.weight", "rowwise"))
		if err != nil {
			return err
		}
		if err := tp.NewApplier(tp.DefaultRegistry()).FixTiedParameters(ctx, p, tree, resolved.Tied); err != nil {
			return err
		}
		head := tree.Root().Child("lm_head").Param("weight")
		assert.Same(t, tree.Root().Child("embed").Param("weight").Distributed(), head.Distributed())
		return nil
	})
	require.NoError(t, err)
}

func TestFixTiedParametersMissingEntry(t *testing.T) {
	defer goleak.VerifyNone(t)
	err := runDevices(t, tpMesh(2), func(ctx context.Context, p *distributed.Participant) error {
		tree := newTiedTree()
		resolved, err := resolveAndApply(ctx, p, tree, tp.NewRawPlan("embed", "colwise"))
		if err != nil {
			return err
		}
		err = tp.NewApplier(tp.DefaultRegistry()).FixTiedParameters(ctx, p, tree, resolved.Tied)
		var missing *tp.MissingTiedPlanEntryError
		if assert.ErrorAs(t, err, &missing) {
			assert.Equal(t, "lm_head.weight", missing.Alias)
			assert.Equal(t, "embed.weight", missing.Canonical)
			assert.Equal(t, []string{"lm_head.weight", "lm_head"}, missing.Tried)
			assert.Equal(t, "tp", missing.Axis)
		}
		assert.False(t, tree.Root().Child("lm_head").Param("weight").IsDistributed())
		return nil
	})
	require.NoError(t, err)
}

func TestFixTiedParametersModuleEntry(t *testing.T) {
	defer goleak.VerifyNone(t)
	testCases := []struct {
		name           string
		base           *tp.RawPlan
		wantBiasLayout distributed.Layout
		wantStrategy   string
	}{
		{"module entry covers the bias", tp.NewRawPlan("embed", "colwise", "lm_head", "colwise"),
			distributed.Sharded(0, "tp"), "colwise"},
		{"more specific entry wins", tp.NewRawPlan("embed", "colwise", "lm_head", "colwise", "lm_head.bias", "rowwise"),
			distributed.Sharded(0, "tp"), "rowwise"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := runDevices(t, tpMesh(2), func(ctx context.Context, p *distributed.Participant) error {
				tree := newTiedTree()
				tree.Root().Child("lm_head").AddParam("bias", tensors.FromFlatDataAndDimensions(iota32(8), 8))
				resolved, err := tp.Parallelize(ctx, p, tree, tc.base, nil, tp.DefaultConfig())
				if err != nil {
					return err
				}
				head := tree.Root().Child("lm_head")
				assert.True(t, head.Param("weight").IsDistributed())
				bias := head.Param("bias")
				if !assert.True(t, bias.IsDistributed(), "lm_head.bias left local") {
					return nil
				}
				assert.Equal(t, tc.wantBiasLayout, bias.Distributed().Layout())
				want, err := tensors.FromFlatDataAndDimensions(iota32(8), 8).Split(0, 2, p.Device())
				if err != nil {
					return err
				}
				assert.True(t, want.Equal(bias.Distributed().Local()))

				for _, row := range tp.Report(tree, resolved) {
					if row.Path == "lm_head.bias" {
						assert.Equal(t, tc.wantStrategy, row.Strategy)
					}
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}
