// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import "fmt"

// PathNotFoundError is returned when a path doesn't name a node or parameter of the tree.
type PathNotFoundError struct {
	Path string

	// Missing is the prefix of Path where the lookup failed.
	Missing string
}

func (e *PathNotFoundError) Error() string {
	if e.Missing != "" && e.Missing != e.Path {
		return fmt.Sprintf("path %q not found: %q doesn't exist", e.Path, e.Missing)
	}
	return fmt.Sprintf("path %q not found", e.Path)
}
