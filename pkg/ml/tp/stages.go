// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp

import (
	"context"

	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/ml/module"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// GatherOutputStage is the name of the stage added by AttachGatherHook.
	GatherOutputStage = "tp_gather_output"

	// ReplicateOutputStage is the name of the stage added to modules with the colwise_rep strategy.
	ReplicateOutputStage = "tp_replicate_output"
)

// ReplicateOutput is the post-processing stage of colwise_rep modules: a distributed output is
// redistributed to Replicated (an all-gather over its sharded mesh axis), but stays distributed.
// Local outputs are returned unchanged.
func ReplicateOutput(ctx context.Context, n *module.Node, output module.Activation) (module.Activation, error) {
	if !output.IsDistributed() {
		return output, nil
	}
	replicated, err := output.Distributed.Redistribute(ctx, distributed.Replicated())
	if err != nil {
		return module.Activation{}, err
	}
	return module.DistributedActivation(replicated), nil
}

// GatherOutput returns the stage that takes a node's output out of the parallel region: a distributed
// output is redistributed to Replicated and materialized as a plain local tensor.
//
// It fails with a *distributed.LayoutMismatchError if the output was distributed on a different mesh,
// or if the materialized tensor doesn't have the output's logical shape. Local outputs are returned
// unchanged, and a replicated output is materialized without any communication.
func GatherOutput(mesh *distributed.DeviceMesh) module.Stage {
	return func(ctx context.Context, n *module.Node, output module.Activation) (module.Activation, error) {
		if !output.IsDistributed() {
			return output, nil
		}
		dt := output.Distributed
		if !dt.Mesh().Equal(mesh) {
			return module.Activation{}, errors.WithStack(&distributed.LayoutMismatchError{
				Path: n.Path(), Axis: dt.Layout().Axis(), Want: mesh.String(), Got: dt.Mesh().String(),
				Reason: "output distributed on a different mesh"})
		}
		replicated, err := dt.Redistribute(ctx, distributed.Replicated())
		if err != nil {
			return module.Activation{}, err
		}
		local, err := replicated.MaterializeLocal()
		if err != nil {
			return module.Activation{}, err
		}
		if !local.Shape().Equal(dt.Shape()) {
			return module.Activation{}, errors.WithStack(&distributed.LayoutMismatchError{
				Path: n.Path(), Axis: dt.Layout().Axis(), Want: dt.Shape().String(), Got: local.Shape().String(),
				Reason: "materialized output doesn't have the replicated shape"})
		}
		klog.V(2).Infof("module %q: gathered output %s from %s", n.Path(), local.Shape(), dt.Layout())
		return module.LocalActivation(local), nil
	}
}

// AttachGatherHook adds the GatherOutput stage to node, so that its outputs are plain local tensors.
// Attaching it more than once has no effect.
func AttachGatherHook(node *module.Node, mesh *distributed.DeviceMesh) {
	if node.HasStage(GatherOutputStage) {
		return
	}
	node.AddStage(GatherOutputStage, GatherOutput(mesh))
	klog.V(1).Infof("module %q: attached output gather stage for %s", node.Path(), mesh)
}

// attachReplicateOutput adds the ReplicateOutput stage to node, at most once.
func attachReplicateOutput(node *module.Node) {
	if node.HasStage(ReplicateOutputStage) {
		return
	}
	node.AddStage(ReplicateOutputStage, ReplicateOutput)
}
