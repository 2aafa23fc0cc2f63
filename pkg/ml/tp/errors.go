// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp

import (
	"fmt"
	"strings"
)

// UnknownStrategyError is returned when a plan entry names a strategy that is not in the Registry.
type UnknownStrategyError struct {
	Path  string
	Name  string
	Known []string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("plan entry %q: unknown strategy %q (known strategies: %s)",
		e.Path, e.Name, strings.Join(e.Known, ", "))
}

// EmptyPlanError is returned when a plan was configured but merging base and override plans yields no entries.
type EmptyPlanError struct{}

func (e *EmptyPlanError) Error() string {
	return "tensor-parallel plan is empty: nothing to parallelize"
}

// MissingTiedPlanEntryError is returned when a tied (aliased) parameter has no plan entry, neither for its
// own path nor for its module's path.
type MissingTiedPlanEntryError struct {
	Alias     string
	Canonical string
	Tried     []string
	Axis      string
}

func (e *MissingTiedPlanEntryError) Error() string {
	return fmt.Sprintf("tied parameter %q (alias of %q) has no plan entry for mesh axis %q, tried %q",
		e.Alias, e.Canonical, e.Axis, e.Tried)
}
