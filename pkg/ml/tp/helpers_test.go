// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp_test

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/core/distributed/inprocess"
	"github.com/gomlx/tparallel/pkg/core/tensors"
	"github.com/gomlx/tparallel/pkg/ml/module"
	"github.com/gomlx/tparallel/pkg/ml/models/decoder"
	"github.com/janpfeifer/must"
)

func iota32(n int) []float32 {
	flat := make([]float32, n)
	for i := range flat {
		flat[i] = float32(i)
	}
	return flat
}

// runDevices runs fn on every device of a fresh in-process hub, with a timeout so a mismatched collective
// fails the test instead of hanging it.
func runDevices(t *testing.T, mesh *distributed.DeviceMesh, fn inprocess.DeviceFn) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return inprocess.Run(ctx, inprocess.New(mesh.NumDevices()), mesh, fn)
}

func tpMesh(size int) *distributed.DeviceMesh {
	return must.M1(distributed.NewDeviceMesh([]int{size}, []string{"tp"}))
}

// newTestTree builds a small model:
//
//	embed.weight [8, embedCols]
//	layers.<i>.attn.q.weight [8, 8]
//	layers.<i>.attn.scale [] (scalar)
//	norm.weight [8]
//	lm_head.weight [8, embedCols]
//
// Each device must build its own tree, since applying a plan mutates it.
func newTestTree(numLayers, embedCols int) *module.Tree {
	tree := module.NewTree()
	root := tree.Root()
	root.AddChild("embed").AddParam("weight", tensors.FromFlatDataAndDimensions(iota32(8*embedCols), 8, embedCols))
	root.AddLayers("layers", numLayers, func(i int, layer *module.Node) {
		attn := layer.AddChild("attn")
		attn.AddChild("q").AddParam("weight", tensors.FromFlatDataAndDimensions(iota32(64), 8, 8))
		attn.AddParam("scale", tensors.FromFlatDataAndDimensions([]float32{float32(i)}))
	})
	root.AddChild("norm").SetForward(decoder.Identity).AddParam("weight", tensors.FromFlatDataAndDimensions(iota32(8), 8))
	root.AddChild("lm_head").AddParam("weight", tensors.FromFlatDataAndDimensions(iota32(8*embedCols), 8, embedCols))
	return tree
}
