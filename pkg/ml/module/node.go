// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package module defines the hierarchy of a layered model as seen by tensor parallelism: a Tree of Nodes,
// each with named Parameters and named children, where one child may be the ordered sequence of
// structurally identical layers.
//
// Paths are the names from the root joined by ".", e.g. "layers.3.attn.q.weight".
//
// Execution is explicit: Node.Run calls the node's forward function and then each of its post-processing
// stages in order. Tensor parallelism uses stages to change the layout of a module's output (see package tp).
package module

import (
	"context"
	"iter"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/core/shapes"
	"github.com/gomlx/tparallel/pkg/core/tensors"
	"github.com/pkg/errors"
)

// PathSeparator separates the names in a path.
const PathSeparator = "."

// JoinPath joins path elements, ignoring empty ones.
func JoinPath(elements ...string) string {
	parts := make([]string, 0, len(elements))
	for _, e := range elements {
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, PathSeparator)
}

// Parameter is a named tensor of a Node. Before tensor parallelism is applied it holds a local tensor,
// afterward a distributed.Tensor.
type Parameter struct {
	name, path string
	owner      *Node
	local      *tensors.Tensor
	dist       *distributed.Tensor
}

// Name of the parameter within its node.
func (p *Parameter) Name() string { return p.name }

// Path of the parameter from the root.
func (p *Parameter) Path() string { return p.path }

// Owner returns the node holding the parameter.
func (p *Parameter) Owner() *Node { return p.owner }

// Local returns the local tensor, or nil if the parameter is distributed.
func (p *Parameter) Local() *tensors.Tensor { return p.local }

// Distributed returns the distributed tensor, or nil if the parameter is still local.
func (p *Parameter) Distributed() *distributed.Tensor { return p.dist }

// IsDistributed returns whether the parameter has been converted to a distributed.Tensor.
func (p *Parameter) IsDistributed() bool { return p.dist != nil }

// Shape returns the logical shape of the parameter.
func (p *Parameter) Shape() shapes.Shape {
	if p.dist != nil {
		return p.dist.Shape()
	}
	return p.local.Shape()
}

// SetDistributed replaces the parameter's storage by dt. The local tensor is released.
func (p *Parameter) SetDistributed(dt *distributed.Tensor) {
	p.dist = dt
	p.local = nil
}

// ForwardFn computes the output of a node. The participant is nil for single-device execution.
type ForwardFn func(ctx context.Context, p *distributed.Participant, n *Node, input Activation) (Activation, error)

// Stage is a post-processing transformation applied to a node's output by Node.Run, after its forward function.
type Stage func(ctx context.Context, n *Node, output Activation) (Activation, error)

type namedStage struct {
	name  string
	stage Stage
}

// Node is a module of the model.
type Node struct {
	name, path string
	parent     *Node

	params   []*Parameter
	children []*Node

	// repeated marks the node holding the sequence of layers: its children are named "0", "1", ...
	repeated bool

	forward ForwardFn
	stages  []namedStage

	// activationLayout, if set, is the layout of the node's inputs and outputs (e.g. sequence sharded).
	activationLayout *distributed.Layout
}

// Name of the node within its parent.
func (n *Node) Name() string { return n.name }

// Path of the node from the root. The root's path is "".
func (n *Node) Path() string { return n.path }

// Parent of the node, nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// IsRepeated returns whether this node holds the sequence of repeated layers.
func (n *Node) IsRepeated() bool { return n.repeated }

// Children returns the child nodes in creation order.
func (n *Node) Children() []*Node { return n.children }

// Params returns the node's own parameters in creation order.
func (n *Node) Params() []*Parameter { return n.params }

// Child returns the child with the given name, or nil.
func (n *Node) Child(name string) *Node {
	for _, child := range n.children {
		if child.name == name {
			return child
		}
	}
	return nil
}

// Param returns the node's parameter with the given name, or nil.
func (n *Node) Param(name string) *Parameter {
	for _, param := range n.params {
		if param.name == name {
			return param
		}
	}
	return nil
}

func validName(name string) bool {
	return name != "" && !strings.Contains(name, PathSeparator) && name != "*"
}

// AddChild creates a new child node. It panics if the name is invalid or already used, since that is a
// bug in the model construction.
func (n *Node) AddChild(name string) *Node {
	if !validName(name) {
		exceptions.Panicf("module %q: invalid child name %q", n.path, name)
	}
	if n.Child(name) != nil || n.Param(name) != nil {
		exceptions.Panicf("module %q: name %q already used", n.path, name)
	}
	child := &Node{name: name, path: JoinPath(n.path, name), parent: n}
	n.children = append(n.children, child)
	return child
}

// AddLayers creates the child holding the sequence of numLayers repeated layers, named "0" to
// "numLayers-1". build is called for each layer, in order, to populate it.
func (n *Node) AddLayers(name string, numLayers int, build func(index int, layer *Node)) *Node {
	seq := n.AddChild(name)
	seq.repeated = true
	for i := range numLayers {
		layer := seq.AddChild(strconv.Itoa(i))
		if build != nil {
			build(i, layer)
		}
	}
	return seq
}

// AddParam adds a parameter holding the local tensor value.
func (n *Node) AddParam(name string, value *tensors.Tensor) *Parameter {
	if !validName(name) {
		exceptions.Panicf("module %q: invalid parameter name %q", n.path, name)
	}
	if n.Child(name) != nil || n.Param(name) != nil {
		exceptions.Panicf("module %q: name %q already used", n.path, name)
	}
	p := &Parameter{name: name, path: JoinPath(n.path, name), owner: n, local: value}
	n.params = append(n.params, p)
	return p
}

// Parameters iterates over all parameters under the node (including its own), depth-first in creation order.
// The order is deterministic.
func (n *Node) Parameters() iter.Seq[*Parameter] {
	return func(yield func(*Parameter) bool) {
		n.walkParams(yield)
	}
}

func (n *Node) walkParams(yield func(*Parameter) bool) bool {
	for _, p := range n.params {
		if !yield(p) {
			return false
		}
	}
	for _, child := range n.children {
		if !child.walkParams(yield) {
			return false
		}
	}
	return true
}

// Find the node or parameter at the path relative to n. Exactly one of the returned values is non-nil on success.
// It returns a *PathNotFoundError if nothing exists at the path.
func (n *Node) Find(path string) (*Node, *Parameter, error) {
	if path == "" {
		return n, nil, nil
	}
	current := n
	names := strings.Split(path, PathSeparator)
	for i, name := range names {
		if i == len(names)-1 {
			if param := current.Param(name); param != nil {
				return nil, param, nil
			}
		}
		next := current.Child(name)
		if next == nil {
			return nil, nil, errors.WithStack(&PathNotFoundError{
				Path: JoinPath(n.path, path), Missing: JoinPath(current.path, name)})
		}
		current = next
	}
	return current, nil, nil
}

// SetForward sets the function that computes the node's output.
func (n *Node) SetForward(fn ForwardFn) *Node {
	n.forward = fn
	return n
}

// AddStage appends a named post-processing stage, executed by Run after the forward function,
// in the order they were added.
func (n *Node) AddStage(name string, stage Stage) {
	n.stages = append(n.stages, namedStage{name: name, stage: stage})
}

// HasStage returns whether a stage with the given name was added.
func (n *Node) HasStage(name string) bool {
	for _, s := range n.stages {
		if s.name == name {
			return true
		}
	}
	return false
}

// StageNames returns the names of the post-processing stages, in execution order.
func (n *Node) StageNames() []string {
	names := make([]string, len(n.stages))
	for i, s := range n.stages {
		names[i] = s.name
	}
	return names
}

// SetActivationLayout sets the layout the node's inputs and outputs are in.
func (n *Node) SetActivationLayout(layout distributed.Layout) {
	n.activationLayout = &layout
}

// ActivationLayout returns the layout of the node's inputs and outputs, if one was set.
func (n *Node) ActivationLayout() (distributed.Layout, bool) {
	if n.activationLayout == nil {
		return distributed.Replicated(), false
	}
	return *n.activationLayout, true
}
