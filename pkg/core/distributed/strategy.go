// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import "github.com/pkg/errors"

// Strategy is the closed set of tensor-parallel sharding behaviors a module (its parameters or its
// activations) can be assigned in a plan.
//
// The String() value of each strategy is its name in plan files: "rowwise", "colwise", "colwise_rep"
// and "sequence".
type Strategy int

//go:generate go tool enumer -type Strategy -linecomment -text -output=gen_strategy_enumer.go strategy.go

const (
	// Rowwise shards parameters along their leading (row) dimension.
	Rowwise Strategy = iota // rowwise

	// Colwise shards parameters along their trailing (column) dimension.
	Colwise // colwise

	// ColwiseReplicatedOutput shards parameters like Colwise, but the output of the module is
	// redistributed to Replicated right after it is computed (an all-gather).
	ColwiseReplicatedOutput // colwise_rep

	// Sequence shards the module's activations along the sequence dimension. Parameters are left replicated.
	Sequence // sequence
)

// ParseStrategy converts the plan name of a strategy to its Strategy value.
// Names are matched exactly, e.g. "colwise_rep".
func ParseStrategy(name string) (Strategy, error) {
	s, err := StrategyString(name)
	if err != nil || s.String() != name {
		return 0, errors.Errorf("unknown strategy %q, valid strategies are %q", name, StrategyStrings())
	}
	return s, nil
}
