// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp

import (
	"maps"
	"slices"

	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/pkg/errors"
)

// Style is the behavior of a Strategy. It holds no mutable state.
type Style struct {
	// ShardParams indicates parameters are sharded along ParamDim. Negative values count from the end.
	ShardParams bool
	ParamDim    int

	// ReplicateOutput adds a post-processing stage that redistributes the module output to Replicated.
	ReplicateOutput bool

	// ShardActivations marks the module's inputs and outputs as sharded along the sequence dimension.
	ShardActivations bool
}

// ParamLayout returns the layout of the parameters under this style, for the given mesh axis.
func (s Style) ParamLayout(axis string) distributed.Layout {
	if !s.ShardParams {
		return distributed.Replicated()
	}
	return distributed.Sharded(s.ParamDim, axis)
}

// Registry maps each Strategy to its Style. It is immutable once created, and is passed explicitly to
// the Resolver and Applier.
type Registry struct {
	styles map[distributed.Strategy]Style
}

// NewRegistry creates a Registry from the given styles. Every key must be a valid Strategy.
func NewRegistry(styles map[distributed.Strategy]Style) (*Registry, error) {
	for s := range styles {
		if !s.IsAStrategy() {
			return nil, errors.Errorf("invalid strategy value %d", int(s))
		}
	}
	return &Registry{styles: maps.Clone(styles)}, nil
}

// DefaultRegistry returns a new Registry with the default style of each strategy:
//
//   - rowwise: parameters sharded along their leading dimension.
//   - colwise: parameters sharded along their trailing dimension.
//   - colwise_rep: like colwise, and the module's output is replicated.
//   - sequence: activations sharded along the sequence dimension, parameters replicated.
func DefaultRegistry() *Registry {
	return &Registry{styles: map[distributed.Strategy]Style{
		distributed.Rowwise:                 {ShardParams: true, ParamDim: 0},
		distributed.Colwise:                 {ShardParams: true, ParamDim: -1},
		distributed.ColwiseReplicatedOutput: {ShardParams: true, ParamDim: -1, ReplicateOutput: true},
		distributed.Sequence:                {ShardActivations: true},
	}}
}

// Style returns the style of the strategy.
func (r *Registry) Style(s distributed.Strategy) (Style, bool) {
	style, found := r.styles[s]
	return style, found
}

// Names returns the plan names of the registered strategies, in Strategy order.
func (r *Registry) Names() []string {
	strategies := slices.Sorted(maps.Keys(r.styles))
	names := make([]string, len(strategies))
	for i, s := range strategies {
		names[i] = s.String()
	}
	return names
}

// Parse converts a plan strategy name to a Strategy registered in r.
// It returns an *UnknownStrategyError (with path set to the given plan path) otherwise.
func (r *Registry) Parse(path, name string) (distributed.Strategy, error) {
	s, err := distributed.ParseStrategy(name)
	if err == nil {
		if _, found := r.styles[s]; found {
			return s, nil
		}
	}
	return 0, errors.WithStack(&UnknownStrategyError{Path: path, Name: name, Known: r.Names()})
}

// ParsePlan converts a RawPlan to a Plan, validating every strategy name.
func (r *Registry) ParsePlan(raw *RawPlan) (*Plan, error) {
	plan := NewPlan()
	for path, name := range raw.All() {
		s, err := r.Parse(path, name)
		if err != nil {
			return nil, err
		}
		plan.Set(path, s)
	}
	return plan, nil
}
