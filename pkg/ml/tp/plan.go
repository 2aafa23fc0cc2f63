// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/gomlx/tparallel/pkg/core/distributed"
)

// Plan is an ordered mapping from path pattern to Strategy. Iteration follows insertion order, so that every
// device applies the plan in the same order.
//
// A path pattern is either the literal path of a module or parameter (e.g. "embed") or, in a layer plan
// before resolution, a path starting with the layer wildcard prefix (e.g. "layers.*.attn.q").
type Plan struct {
	keys   []string
	values map[string]distributed.Strategy
}

// Entry of a Plan.
type Entry struct {
	Pattern  string
	Strategy distributed.Strategy
}

// NewPlan creates a plan with the given entries. Later entries override earlier ones with the same pattern.
func NewPlan(entries ...Entry) *Plan {
	p := &Plan{values: make(map[string]distributed.Strategy, len(entries))}
	for _, e := range entries {
		p.Set(e.Pattern, e.Strategy)
	}
	return p
}

// Set the strategy for pattern. If the pattern is already in the plan, it keeps its position.
func (p *Plan) Set(pattern string, strategy distributed.Strategy) {
	if p.values == nil {
		p.values = make(map[string]distributed.Strategy)
	}
	if _, found := p.values[pattern]; !found {
		p.keys = append(p.keys, pattern)
	}
	p.values[pattern] = strategy
}

// Get the strategy for pattern.
func (p *Plan) Get(pattern string) (distributed.Strategy, bool) {
	if p == nil {
		return 0, false
	}
	s, found := p.values[pattern]
	return s, found
}

// Len returns the number of entries. A nil plan has 0 entries.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Patterns returns the patterns in order.
func (p *Plan) Patterns() []string {
	if p == nil {
		return nil
	}
	return slices.Clone(p.keys)
}

// All iterates over the entries in order.
func (p *Plan) All() iter.Seq2[string, distributed.Strategy] {
	return func(yield func(string, distributed.Strategy) bool) {
		if p == nil {
			return
		}
		for _, k := range p.keys {
			if !yield(k, p.values[k]) {
				return
			}
		}
	}
}

// Merge returns a new plan with the entries of p overridden by those of override: entries with the same
// pattern take the override's strategy (keeping p's position), and entries only in override are appended.
func (p *Plan) Merge(override *Plan) *Plan {
	merged := NewPlan()
	for k, s := range p.All() {
		merged.Set(k, s)
	}
	for k, s := range override.All() {
		merged.Set(k, s)
	}
	return merged
}

// String implements fmt.Stringer.
func (p *Plan) String() string {
	parts := make([]string, 0, p.Len())
	for k, s := range p.All() {
		parts = append(parts, fmt.Sprintf("%q: %s", k, s))
	}
	return "Plan{" + strings.Join(parts, ", ") + "}"
}
