// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"context"

	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/core/shapes"
	"github.com/gomlx/tparallel/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Activation is the value flowing between nodes: either a plain local tensor or a distributed one.
type Activation struct {
	Local       *tensors.Tensor
	Distributed *distributed.Tensor
}

// LocalActivation wraps a local tensor.
func LocalActivation(t *tensors.Tensor) Activation { return Activation{Local: t} }

// DistributedActivation wraps a distributed tensor.
func DistributedActivation(dt *distributed.Tensor) Activation { return Activation{Distributed: dt} }

// IsDistributed returns whether the activation holds a distributed tensor.
func (a Activation) IsDistributed() bool { return a.Distributed != nil }

// Shape returns the logical shape of the activation.
func (a Activation) Shape() shapes.Shape {
	if a.Distributed != nil {
		return a.Distributed.Shape()
	}
	if a.Local != nil {
		return a.Local.Shape()
	}
	return shapes.Invalid()
}

// Run executes the node: it adapts the input to the node's activation layout (if set), calls the forward
// function, adapts the output, and then passes it through each post-processing stage in order.
//
// The participant p may be nil for single-device execution, in which case activation layouts are ignored.
func (n *Node) Run(ctx context.Context, p *distributed.Participant, input Activation) (Activation, error) {
	if n.forward == nil {
		return Activation{}, errors.Errorf("module %q has no forward function", n.path)
	}
	input, err := n.conform(ctx, p, input, "input")
	if err != nil {
		return Activation{}, err
	}
	output, err := n.forward(ctx, p, n, input)
	if err != nil {
		return Activation{}, errors.WithMessagef(err, "module %q forward", n.path)
	}
	output, err = n.conform(ctx, p, output, "output")
	if err != nil {
		return Activation{}, err
	}
	for _, s := range n.stages {
		klog.V(2).Infof("module %q: running stage %q", n.path, s.name)
		output, err = s.stage(ctx, n, output)
		if err != nil {
			return Activation{}, errors.WithMessagef(err, "module %q stage %q", n.path, s.name)
		}
	}
	return output, nil
}

// conform makes the activation follow the node's activation layout: local values are taken as already laid out
// (e.g. this device's slice of the sequence), distributed values are redistributed.
func (n *Node) conform(ctx context.Context, p *distributed.Participant, a Activation, which string) (Activation, error) {
	layout, found := n.ActivationLayout()
	if !found || p == nil {
		return a, nil
	}
	name := JoinPath(n.path, which)
	if a.Distributed != nil {
		dt, err := a.Distributed.Redistribute(ctx, layout)
		if err != nil {
			return Activation{}, err
		}
		return DistributedActivation(dt), nil
	}
	if a.Local == nil {
		return a, nil
	}
	dt, err := distributed.FromShard(p, name, a.Local, layout)
	if err != nil {
		return Activation{}, err
	}
	return DistributedActivation(dt), nil
}
