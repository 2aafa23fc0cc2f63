// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/ml/models/decoder"
	"github.com/gomlx/tparallel/pkg/ml/tp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestParallelizeDecoder(t *testing.T) {
	defer goleak.VerifyNone(t)
	mesh := must.M1(distributed.NewDeviceMesh([]int{2, 2}, []string{"dp", "tp"}))
	modelConfig := decoder.DefaultConfig()
	var layersDone atomic.Int32

	err := runDevices(t, mesh, func(ctx context.Context, p *distributed.Participant) error {
		tree, err := decoder.Build(modelConfig)
		if err != nil {
			return err
		}
		config := tp.DefaultConfig()
		config.Progress = func(layer, numLayers int) { layersDone.Add(1) }
		resolved, err := tp.Parallelize(ctx, p, tree, decoder.DefaultPlan(), tp.NewRawPlan("lm_head", "colwise"), config)
		if err != nil {
			return err
		}
		s, _ := resolved.Tied.Get("lm_head")
		assert.Equal(t, distributed.Colwise, s)
		assert.Equal(t, []string{tp.GatherOutputStage}, tree.Root().Child("norm").StageNames())

		rows := tp.Report(tree, resolved)
		byPath := make(map[string]tp.ReportRow, len(rows))
		for _, row := range rows {
			byPath[row.Path] = row
		}
		assert.Equal(t, "embed.weight", rows[0].Path)
		assert.Equal(t, "lm_head.weight", rows[len(rows)-1].Path)

		head := byPath["lm_head.weight"]
		assert.Equal(t, "colwise", head.Strategy)
		assert.Equal(t, "embed.weight", head.TiedTo)
		assert.True(t, head.Shared)
		assert.Equal(t, []int{256, 32}, head.ShardShape.Dimensions)
		assert.Equal(t, uint64(256*32*4), head.ShardBytes)

		o := byPath["layers.3.attn.o.weight"]
		assert.Equal(t, "rowwise", o.Strategy)
		assert.Equal(t, distributed.Sharded(0, "tp").String(), o.Layout)
		assert.Equal(t, []int{32, 64}, o.ShardShape.Dimensions)
		assert.Equal(t, "[S(tp), R]", o.ShardSpec.String())

		up := byPath["layers.0.mlp.up.weight"]
		assert.Equal(t, "colwise", up.Strategy)
		assert.Equal(t, []int{64, 64}, up.ShardShape.Dimensions)

		norm := byPath["norm.weight"]
		assert.Equal(t, "", norm.Strategy)
		assert.Equal(t, "Local", norm.Layout)
		assert.Equal(t, []int{64}, norm.ShardShape.Dimensions)
		assert.True(t, norm.ShardSpec.IsReplicated())
		assert.Len(t, norm.ShardSpec, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4*modelConfig.NumLayers), layersDone.Load())
}

func TestParallelizeNoPlan(t *testing.T) {
	defer goleak.VerifyNone(t)
	err := runDevices(t, tpMesh(2), func(ctx context.Context, p *distributed.Participant) error {
		tree := newTiedTree()
		resolved, err := tp.Parallelize(ctx, p, tree, nil, nil, tp.DefaultConfig())
		if err != nil {
			return err
		}
		assert.True(t, resolved.IsEmpty())
		for param := range tree.Parameters() {
			assert.False(t, param.IsDistributed(), param.Path())
		}
		assert.Empty(t, tree.Root().Child("norm").StageNames())
		return nil
	})
	require.NoError(t, err)
}

func TestParallelizeErrors(t *testing.T) {
	defer goleak.VerifyNone(t)
	err := runDevices(t, tpMesh(2), func(ctx context.Context, p *distributed.Participant) error {
		// Unknown strategy: nothing is touched.
		tree := newTiedTree()
		_, err := tp.Parallelize(ctx, p, tree, tp.NewRawPlan("embed", "colwise", "layers.*.attn.q", "diagonal"), nil, tp.DefaultConfig())
		var unknown *tp.UnknownStrategyError
		assert.ErrorAs(t, err, &unknown)
		for param := range tree.Parameters() {
			assert.False(t, param.IsDistributed(), param.Path())
		}

		// The final norm doesn't exist.
		config := tp.DefaultConfig()
		config.FinalNorm = "final_norm"
		_, err = tp.Parallelize(ctx, p, newTestTree(1, 8), tp.NewRawPlan("embed", "colwise"), nil, config)
		assert.Error(t, err)

		// Missing tied entry.
		_, err = tp.Parallelize(ctx, p, newTiedTree(), tp.NewRawPlan("embed", "colwise"), nil, tp.DefaultConfig())
		var missing *tp.MissingTiedPlanEntryError
		assert.ErrorAs(t, err, &missing)
		return nil
	})
	require.NoError(t, err)
}
