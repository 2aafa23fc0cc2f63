// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the following objects related to tensor-parallel execution:
//
//   - DeviceMesh: expresses the topology of a set of devices, in terms of named axes and their sizes.
//   - Layout: how a tensor is distributed over one mesh axis: Replicated or Sharded(dim, axis).
//   - Strategy: the closed set of sharding behaviors a plan can assign to a module.
//   - Communicator and Participant: the collective substrate, as seen by one device.
//   - Tensor: the local shard of a logical tensor distributed over a DeviceMesh.
package distributed

import (
	"context"
	"fmt"

	"github.com/gomlx/tparallel/pkg/core/shapes"
	"github.com/gomlx/tparallel/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Tensor is the local view of a logical tensor distributed over a DeviceMesh: this device's shard plus the
// Layout that says how the shards of all devices compose the logical tensor.
//
// The local shard is exclusively owned by the Tensor. Redistribute returns new Tensors, it never modifies
// the receiver.
type Tensor struct {
	participant *Participant

	// name identifies the tensor across devices (usually the parameter path), it is used to tag collectives.
	name string

	layout Layout

	// shape is the logical (unsharded) shape.
	shape shapes.Shape

	// local is this device's shard.
	local *tensors.Tensor
}

// Distribute creates a Tensor with the given layout from the full (logical) value of the tensor, available
// on every device. Sharding takes the slice of the device's index along the layout's mesh axis, no
// communication is needed.
//
// It returns a *ShardIndivisibleError if the sharded dimension is not divisible by the mesh axis size, and
// a *MeshAxisNotFoundError if the layout's axis is not part of the mesh.
func Distribute(p *Participant, name string, full *tensors.Tensor, layout Layout) (*Tensor, error) {
	layout, err := normalizeLayout(p, name, full.Shape(), layout)
	if err != nil {
		return nil, err
	}
	local := full
	if !layout.IsReplicated() {
		local, err = shardOf(p, name, full, layout)
		if err != nil {
			return nil, err
		}
	}
	return &Tensor{participant: p, name: name, layout: layout, shape: full.Shape().Clone(), local: local}, nil
}

// FromShard wraps a shard that is already laid out according to layout, for instance an activation
// computed by a sequence-parallel module. No data is moved.
func FromShard(p *Participant, name string, shard *tensors.Tensor, layout Layout) (*Tensor, error) {
	layout, err := layout.Normalize(shard.Shape().Rank())
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}
	shape := shard.Shape().Clone()
	if !layout.IsReplicated() {
		axisSize, err := p.AxisSize(layout.axis)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", name)
		}
		shape = shape.WithDim(layout.dim, shape.Dimensions[layout.dim]*axisSize)
	}
	return &Tensor{participant: p, name: name, layout: layout, shape: shape, local: shard}, nil
}

// normalizeLayout validates the layout against the mesh and the tensor shape, and returns it with a
// non-negative dim.
func normalizeLayout(p *Participant, name string, shape shapes.Shape, layout Layout) (Layout, error) {
	if layout.IsReplicated() {
		return layout, nil
	}
	axisSize, err := p.AxisSize(layout.axis)
	if err != nil {
		return layout, errors.Wrapf(err, "%s", name)
	}
	normalized, err := layout.Normalize(shape.Rank())
	if err != nil {
		return layout, errors.WithStack(&ShardIndivisibleError{
			Path: name, Axis: layout.axis, AxisSize: axisSize, Shape: shape.String(), Dim: -1})
	}
	if shape.Dimensions[normalized.dim]%axisSize != 0 {
		return layout, errors.WithStack(&ShardIndivisibleError{
			Path: name, Axis: layout.axis, AxisSize: axisSize, Shape: shape.String(), Dim: normalized.dim})
	}
	return normalized, nil
}

// shardOf returns this participant's slice of full for the (normalized) sharded layout.
func shardOf(p *Participant, name string, full *tensors.Tensor, layout Layout) (*tensors.Tensor, error) {
	axisSize, err := p.AxisSize(layout.axis)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}
	index, err := p.AxisIndex(layout.axis)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}
	shard, err := full.Split(layout.dim, axisSize, index)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: sharding as %s", name, layout)
	}
	return shard, nil
}

// Name of the tensor, used to identify it in collectives and error messages.
func (dt *Tensor) Name() string { return dt.name }

// Participant returns the device view this tensor belongs to.
func (dt *Tensor) Participant() *Participant { return dt.participant }

// Mesh returns the DeviceMesh for this tensor.
func (dt *Tensor) Mesh() *DeviceMesh { return dt.participant.mesh }

// Layout returns how the tensor is distributed.
func (dt *Tensor) Layout() Layout { return dt.layout }

// Shape returns the logical, unsharded shape of the tensor.
func (dt *Tensor) Shape() shapes.Shape { return dt.shape }

// ShardShape returns the shape of the local shard.
func (dt *Tensor) ShardShape() shapes.Shape { return dt.local.Shape() }

// Local returns the local shard. It should not be modified.
func (dt *Tensor) Local() *tensors.Tensor { return dt.local }

// String implements fmt.Stringer.
func (dt *Tensor) String() string {
	return fmt.Sprintf("distributed.Tensor(%s: shape=%s, shard=%s, %s)", dt.name, dt.shape, dt.local.Shape(), dt.layout)
}

// Redistribute moves the data into the new layout, and returns a new Tensor.
//
// Going from Sharded to Replicated (or to a different sharding) issues an all-gather over the mesh axis
// of the current layout, so every device along that axis must call Redistribute in the same order.
// Going from Replicated to Sharded only slices the local data.
// Redistributing to the current layout returns the tensor itself.
func (dt *Tensor) Redistribute(ctx context.Context, layout Layout) (*Tensor, error) {
	layout, err := normalizeLayout(dt.participant, dt.name, dt.shape, layout)
	if err != nil {
		return nil, err
	}
	if layout == dt.layout {
		return dt, nil
	}
	full := dt.local
	if !dt.layout.IsReplicated() {
		full, err = dt.gather(ctx, layout)
		if err != nil {
			return nil, err
		}
	}
	local := full
	if !layout.IsReplicated() {
		local, err = shardOf(dt.participant, dt.name, full, layout)
		if err != nil {
			return nil, err
		}
	}
	return &Tensor{participant: dt.participant, name: dt.name, layout: layout, shape: dt.shape, local: local}, nil
}

// gather all-gathers the shards over the current layout's mesh axis and returns the full tensor.
func (dt *Tensor) gather(ctx context.Context, target Layout) (*tensors.Tensor, error) {
	tag := fmt.Sprintf("redistribute:%s:%s->%s", dt.name, dt.layout, target)
	parts, err := dt.participant.AllGather(ctx, dt.layout.axis, tag, dt.local.Bytes())
	if err != nil {
		return nil, err
	}
	shardShape := dt.local.Shape()
	shards := make([]*tensors.Tensor, len(parts))
	for i, part := range parts {
		shards[i], err = tensors.FromBytes(shardShape, part)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: shard #%d received during %q", dt.name, i, tag)
		}
	}
	full, err := tensors.Concatenate(dt.layout.dim, shards...)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: concatenating shards during %q", dt.name, tag)
	}
	if !full.Shape().Equal(dt.shape) {
		return nil, errors.WithStack(&LayoutMismatchError{
			Path: dt.name, Axis: dt.layout.axis, Want: dt.shape.String(), Got: full.Shape().String(),
			Reason: "gathered shards don't compose the logical shape"})
	}
	return full, nil
}

// MaterializeLocal returns the full tensor as a plain local tensor. It requires the layout to be Replicated,
// otherwise it returns a *LayoutMismatchError: use Redistribute(ctx, Replicated()) first.
func (dt *Tensor) MaterializeLocal() (*tensors.Tensor, error) {
	if !dt.layout.IsReplicated() {
		return nil, errors.WithStack(&LayoutMismatchError{
			Path: dt.name, Axis: dt.layout.axis, Want: Replicated().String(), Got: dt.layout.String(),
			Reason: "only replicated tensors can be materialized locally"})
	}
	return dt.local, nil
}
