// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tp implements tensor parallelism for layered models: a sharding plan (path patterns mapped to
// strategies) is resolved and applied to a module.Tree, converting its parameters to distributed tensors
// over one axis of a distributed.DeviceMesh.
//
// The steps, all run identically on every device, are:
//
//  1. Resolver.Resolve merges the base and override plans and splits them into model, layer and tied plans.
//  2. Applier.Apply distributes the parameters named by the model plan, and then by the layer plan on
//     every layer instance, in order.
//  3. Applier.FixTiedParameters applies the tied plan to the parameters in the tree's alias table.
//  4. AttachGatherHook makes the final module's output a plain local tensor again.
//
// Parallelize runs them all.
package tp

import (
	"context"

	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/ml/module"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultFinalNorm is the path of the module whose output leaves the parallel region.
const DefaultFinalNorm = "norm"

// Config of Parallelize.
type Config struct {
	// Registry of strategies. If nil, DefaultRegistry() is used.
	Registry *Registry

	// Axis of the mesh used for tensor parallelism. If empty, DefaultAxis is used.
	Axis string

	// LayersPrefix of plan entries applied to every layer. If empty, DefaultLayersPrefix is used.
	LayersPrefix string

	// SequenceDim is the activation dimension sharded by the sequence strategy.
	SequenceDim int

	// FinalNorm is the path of the module to attach the output gather stage to. If empty, no stage is attached.
	FinalNorm string

	// SkipVerification disables the cross-device layout agreement check.
	SkipVerification bool

	// Progress, if set, is called after each layer is processed.
	Progress ProgressFn
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Axis:         DefaultAxis,
		LayersPrefix: DefaultLayersPrefix,
		SequenceDim:  1,
		FinalNorm:    DefaultFinalNorm,
	}
}

// Parallelize resolves the base and override plans, applies them to tree, fixes the tied parameters and
// attaches the output gather stage to the final norm module.
//
// If no plan is configured (base and override are nil) it does nothing. It returns the resolved plans.
func Parallelize(ctx context.Context, p *distributed.Participant, tree *module.Tree, base, override *RawPlan,
	config Config) (*Resolved, error) {
	registry := config.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	axis := config.Axis
	if axis == "" {
		axis = DefaultAxis
	}
	layersPrefix := config.LayersPrefix
	if layersPrefix == "" {
		layersPrefix = DefaultLayersPrefix
	}
	resolver := NewResolver(registry).WithTied(tree.Aliases()).WithLayersPrefix(layersPrefix)
	resolved, err := resolver.Resolve(base, override)
	if err != nil {
		return nil, err
	}
	if resolved.IsEmpty() {
		return resolved, nil
	}

	applier := NewApplier(registry).
		WithAxis(axis).
		WithLayersPrefix(layersPrefix).
		WithSequenceDim(config.SequenceDim).
		WithVerification(!config.SkipVerification).
		WithProgress(config.Progress)
	if _, err = applier.Apply(ctx, p, tree, resolved.Model, resolved.Layer); err != nil {
		return nil, err
	}
	if err = applier.FixTiedParameters(ctx, p, tree, resolved.Tied); err != nil {
		return nil, err
	}
	if config.FinalNorm != "" {
		node, _, err := tree.Find(config.FinalNorm)
		if err != nil {
			return nil, errors.WithMessage(err, "attaching output gather stage")
		}
		if node == nil {
			return nil, errors.Errorf("final norm %q is a parameter, not a module", config.FinalNorm)
		}
		AttachGatherHook(node, p.Mesh())
	}
	klog.V(1).Infof("tp: device #%d parallelized %d entries over mesh axis %q", p.Device(), resolved.Merged.Len(), axis)
	return resolved, nil
}
