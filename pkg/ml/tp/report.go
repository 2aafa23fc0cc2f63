// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp

import (
	"strings"

	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/core/shapes"
	"github.com/gomlx/tparallel/pkg/ml/module"
)

// ReportRow describes how one parameter is distributed.
type ReportRow struct {
	Path string

	// Strategy is the name of the strategy of the plan entry governing the parameter, or "" if none.
	Strategy string

	// Layout is the parameter's layout, "Local" if it was not distributed.
	Layout string

	// ShardSpec gives, per parameter axis, the mesh axis it is sharded over. Local parameters are fully replicated.
	ShardSpec distributed.ShardSpec

	Shape, ShardShape shapes.Shape

	// ShardBytes is the memory held by this device for the parameter.
	ShardBytes uint64

	// TiedTo is the canonical path, if the parameter is a tied alias.
	TiedTo string

	// Shared indicates the alias shares the distributed tensor of its canonical parameter.
	Shared bool
}

// Report lists the distribution of every parameter of tree, in the tree's parameter order.
// The resolved plans, if not nil, are used to find the strategy governing each parameter.
func Report(tree *module.Tree, resolved *Resolved) []ReportRow {
	var layersPath string
	if resolved != nil {
		if layers := layersNode(tree, resolved.LayersPrefix); layers != nil {
			layersPath = layers.Path()
		}
	}
	var rows []ReportRow
	for param := range tree.Parameters() {
		row := ReportRow{Path: param.Path(), Shape: param.Shape(), Layout: "Local"}
		if dt := param.Distributed(); dt != nil {
			row.Layout = dt.Layout().String()
			row.ShardSpec = dt.Layout().ShardSpec(param.Shape().Rank())
			row.ShardShape = dt.ShardShape()
			row.ShardBytes = uint64(dt.Local().Memory())
		} else {
			row.ShardSpec = distributed.Replicated().ShardSpec(param.Shape().Rank())
			row.ShardShape = param.Shape()
			row.ShardBytes = uint64(param.Local().Memory())
		}
		if canonical, found := tree.CanonicalOf(param.Path()); found {
			row.TiedTo = canonical
			if cp, err := tree.FindParam(canonical); err == nil && cp.IsDistributed() {
				row.Shared = cp.Distributed() == param.Distributed()
			}
		}
		if resolved != nil {
			row.Strategy = governingStrategy(resolved, param.Path(), row.TiedTo != "", layersPath)
		}
		rows = append(rows, row)
	}
	return rows
}

// governingStrategy returns the name of the strategy of the most specific entry covering path.
func governingStrategy(resolved *Resolved, path string, tied bool, layersPath string) string {
	if tied {
		for _, key := range []string{path, ownerPath(path)} {
			if s, found := resolved.Tied.Get(key); found {
				return s.String()
			}
		}
		return ""
	}
	if layersPath != "" && strings.HasPrefix(path, layersPath+module.PathSeparator) {
		// Strip "<layers>.<index>." to get the path relative to the layer instance.
		rest := strings.TrimPrefix(path, layersPath+module.PathSeparator)
		if idx := strings.Index(rest, module.PathSeparator); idx >= 0 {
			if name := longestMatch(resolved.Layer, rest[idx+1:]); name != "" {
				return name
			}
		}
	}
	if name := longestMatch(resolved.Model, path); name != "" {
		return name
	}
	// Module-level entries of tied modules also govern the module's other parameters.
	return longestMatch(resolved.Tied, path)
}

// longestMatch returns the strategy name of the longest key of plan equal to path or to one of its
// module prefixes.
func longestMatch(plan *Plan, path string) string {
	best, bestLen := "", -1
	for key, s := range plan.All() {
		if (key == path || strings.HasPrefix(path, key+module.PathSeparator)) && len(key) > bestLen {
			best, bestLen = s.String(), len(key)
		}
	}
	return best
}
