// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import "fmt"

// MeshAxisNotFoundError is returned when a mesh axis required by a layout or by a plan is not part of the DeviceMesh.
type MeshAxisNotFoundError struct {
	Axis string
	Mesh string
}

func (e *MeshAxisNotFoundError) Error() string {
	return fmt.Sprintf("mesh axis %q not found in %s", e.Axis, e.Mesh)
}

// ShardIndivisibleError is returned when a tensor dimension can't be evenly sharded over a mesh axis.
// The tensor involved is left untouched.
type ShardIndivisibleError struct {
	Path     string
	Axis     string
	AxisSize int
	Shape    string
	Dim      int
}

func (e *ShardIndivisibleError) Error() string {
	if e.Dim < 0 {
		return fmt.Sprintf("%s: tensor of shape %s has no dimension to shard over mesh axis %q",
			e.Path, e.Shape, e.Axis)
	}
	return fmt.Sprintf("%s: dimension %d of shape %s is not divisible by the size %d of mesh axis %q",
		e.Path, e.Dim, e.Shape, e.AxisSize, e.Axis)
}

// LayoutMismatchError is returned when a tensor doesn't have the layout (or shape) an operation requires,
// or when devices disagree on the layout of the same tensor.
type LayoutMismatchError struct {
	Path   string
	Axis   string
	Want   string
	Got    string
	Reason string
}

func (e *LayoutMismatchError) Error() string {
	msg := fmt.Sprintf("%s: layout mismatch on mesh axis %q, wanted %s, got %s", e.Path, e.Axis, e.Want, e.Got)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// AlreadyDistributedError is returned when distributing a tensor that is already distributed with a
// different mesh or layout.
type AlreadyDistributedError struct {
	Path      string
	Axis      string
	Current   Layout
	Requested Layout
	Mesh      string
}

func (e *AlreadyDistributedError) Error() string {
	return fmt.Sprintf("%s: already distributed as %s on %s, can't redistribute as %s on mesh axis %q",
		e.Path, e.Current, e.Mesh, e.Requested, e.Axis)
}
