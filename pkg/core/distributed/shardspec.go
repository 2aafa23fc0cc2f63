// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"strings"
)

// ShardSpec (also known as PartitionSpec in JAX) describes, per axis of a tensor, the mesh axis it is sharded
// across. An empty string ("") means the corresponding tensor axis is replicated.
//
// It is the per-tensor-axis view of a Layout (see Layout.ShardSpec), used in sharding reports.
type ShardSpec []string

// IsReplicated returns true if the tensor is fully replicated
// (i.e., not sharded along any axis).
func (s ShardSpec) IsReplicated() bool {
	for _, axisName := range s {
		if axisName != "" {
			return false
		}
	}
	return true
}

// String returns a compact representation, e.g. "[R, S(tp)]".
func (s ShardSpec) String() string {
	parts := make([]string, len(s))
	for i, axisName := range s {
		if axisName == "" {
			parts[i] = "R"
		} else {
			parts[i] = "S(" + axisName + ")"
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
