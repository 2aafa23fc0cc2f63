// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp

import (
	"slices"
	"strings"

	"github.com/gomlx/tparallel/pkg/ml/module"
	"github.com/gomlx/tparallel/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// LayerWildcard is the path element standing for "every instance of the repeated layers".
	LayerWildcard = "*"

	// DefaultLayersPrefix is the prefix of plan entries applied to each repeated layer.
	DefaultLayersPrefix = "layers.*."
)

// Resolved holds the plans derived by the Resolver. They are immutable once resolved.
type Resolved struct {
	// Merged is the base plan overridden by the override plan, before splitting.
	Merged *Plan

	// Model holds the entries keyed by a literal path from the root of the tree.
	Model *Plan

	// Layer holds the entries applied to every layer instance, keyed by the path relative to the layer.
	Layer *Plan

	// Tied holds the entries for tied (aliased) parameters, applied by FixTiedParameters.
	Tied *Plan

	// LayersPrefix is the prefix stripped from the keys of Layer, e.g. "layers.*.".
	LayersPrefix string
}

// IsEmpty returns whether there is nothing to apply.
func (r *Resolved) IsEmpty() bool {
	return r.Model.Len() == 0 && r.Layer.Len() == 0 && r.Tied.Len() == 0
}

// Resolver merges a base plan with an override plan, and splits the result into model, layer and tied plans.
type Resolver struct {
	registry     *Registry
	layersPrefix string
	tiedKeys     sets.Set[string]
}

// NewResolver creates a Resolver that validates strategies against registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry, layersPrefix: DefaultLayersPrefix}
}

// WithLayersPrefix sets the prefix of the entries applied to every layer instance. It must end with
// the wildcard element followed by the path separator, e.g. "blocks.*.". Default is "layers.*.".
func (r *Resolver) WithLayersPrefix(prefix string) *Resolver {
	r.layersPrefix = prefix
	return r
}

// WithTied sets the alias table of the model: entries keyed by an alias path, or by the path of the
// module owning it, go to the tied plan.
func (r *Resolver) WithTied(aliases []module.Alias) *Resolver {
	keys := make([]string, 0, 2*len(aliases))
	for _, a := range aliases {
		keys = append(keys, a.Alias)
		if owner := ownerPath(a.Alias); owner != "" {
			keys = append(keys, owner)
		}
	}
	r.tiedKeys = sets.MakeWith(keys...)
	return r
}

// ownerPath returns the path of the module owning the parameter at path.
func ownerPath(path string) string {
	idx := strings.LastIndex(path, module.PathSeparator)
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func (r *Resolver) isTied(path string) bool {
	return r.tiedKeys.Has(path)
}

func hasWildcard(path string) bool {
	return slices.Contains(strings.Split(path, module.PathSeparator), LayerWildcard)
}

// Resolve merges base and override (override wins) and splits the merged plan.
//
// If both base and override are nil (no plan configured) it returns empty plans. Otherwise, a merged
// plan with no entries is an *EmptyPlanError. Every strategy name is validated (*UnknownStrategyError)
// before anything is returned, so no tensor is touched with an invalid plan.
func (r *Resolver) Resolve(base, override *RawPlan) (*Resolved, error) {
	resolved := &Resolved{Merged: NewPlan(), Model: NewPlan(), Layer: NewPlan(), Tied: NewPlan(), LayersPrefix: r.layersPrefix}
	if base == nil && override == nil {
		klog.V(1).Infof("no tensor-parallel plan configured")
		return resolved, nil
	}
	if !strings.HasSuffix(r.layersPrefix, module.PathSeparator+LayerWildcard+module.PathSeparator) {
		return nil, errors.Errorf("invalid layers prefix %q, it must end with %q",
			r.layersPrefix, module.PathSeparator+LayerWildcard+module.PathSeparator)
	}
	basePlan, err := r.registry.ParsePlan(base)
	if err != nil {
		return nil, errors.WithMessage(err, "base plan")
	}
	overridePlan, err := r.registry.ParsePlan(override)
	if err != nil {
		return nil, errors.WithMessage(err, "override plan")
	}
	resolved.Merged = basePlan.Merge(overridePlan)
	if resolved.Merged.Len() == 0 {
		return nil, errors.WithStack(&EmptyPlanError{})
	}

	for path, s := range resolved.Merged.All() {
		switch {
		case strings.HasPrefix(path, r.layersPrefix):
			relative := strings.TrimPrefix(path, r.layersPrefix)
			if relative == "" || hasWildcard(relative) {
				return nil, errors.WithStack(&module.PathNotFoundError{Path: path})
			}
			resolved.Layer.Set(relative, s)
		case hasWildcard(path):
			// Wildcards are only supported as the layers prefix.
			return nil, errors.WithStack(&module.PathNotFoundError{Path: path})
		case r.isTied(path):
			resolved.Tied.Set(path, s)
		default:
			resolved.Model.Set(path, s)
		}
	}
	klog.V(1).Infof("resolved tensor-parallel plan: %d model entries, %d layer entries, %d tied entries",
		resolved.Model.Len(), resolved.Layer.Len(), resolved.Tied.Len())
	if klog.V(2).Enabled() && len(r.tiedKeys) > 0 {
		klog.Infof("tied plan keys looked up: %v", sets.Sorted(r.tiedKeys))
	}
	return resolved, nil
}
