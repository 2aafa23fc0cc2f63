// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"

	"github.com/pkg/errors"
)

// Layout describes how a tensor's data is distributed over one mesh axis: either Replicated (every device
// along the axis holds a full copy) or Sharded(dim, axis) (tensor dimension dim is split evenly across
// the devices of the mesh axis).
//
// Layout is a comparable value type: two layouts are the same iff they are ==.
type Layout struct {
	dim  int
	axis string
}

// Replicated returns the layout of a tensor fully copied on every device.
func Replicated() Layout {
	return Layout{}
}

// Sharded returns the layout of a tensor with dimension dim split across the devices of the mesh axis.
// A negative dim counts from the end, and is normalized by Normalize once the tensor rank is known.
func Sharded(dim int, axis string) Layout {
	return Layout{dim: dim, axis: axis}
}

// IsReplicated returns whether the layout is Replicated.
func (l Layout) IsReplicated() bool { return l.axis == "" }

// Dim returns the sharded tensor dimension. Only meaningful if the layout is sharded.
func (l Layout) Dim() int { return l.dim }

// Axis returns the mesh axis the tensor is sharded over, or "" if replicated.
func (l Layout) Axis() string { return l.axis }

// Normalize returns the layout with a non-negative dim for a tensor of the given rank.
func (l Layout) Normalize(rank int) (Layout, error) {
	if l.IsReplicated() {
		return l, nil
	}
	dim := l.dim
	if dim < 0 {
		dim += rank
	}
	if dim < 0 || dim >= rank {
		return l, errors.Errorf("layout %s is out-of-bounds for a tensor of rank %d", l, rank)
	}
	return Layout{dim: dim, axis: l.axis}, nil
}

// ShardSpec converts the layout to the per-tensor-axis ShardSpec representation of a tensor with the given rank.
func (l Layout) ShardSpec(rank int) ShardSpec {
	spec := make(ShardSpec, rank)
	if !l.IsReplicated() {
		if normalized, err := l.Normalize(rank); err == nil {
			spec[normalized.dim] = l.axis
		}
	}
	return spec
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	if l.IsReplicated() {
		return "Replicated"
	}
	return fmt.Sprintf("Sharded(dim=%d, axis=%s)", l.dim, l.axis)
}
