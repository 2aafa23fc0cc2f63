// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package module

import (
	"iter"
	"slices"

	"github.com/pkg/errors"
)

// Alias records that the parameter at path Alias shares the storage of the parameter at Canonical
// (tied weights, e.g. an output projection tied to the input embedding).
type Alias struct {
	Alias, Canonical string
}

// Tree is a model's module hierarchy plus its explicit table of tied parameters.
type Tree struct {
	root    *Node
	aliases []Alias
}

// NewTree creates an empty tree. Populate it from Root.
func NewTree() *Tree {
	return &Tree{root: &Node{}}
}

// Root node, with path "".
func (t *Tree) Root() *Node { return t.root }

// Find the node or parameter at path. See Node.Find.
func (t *Tree) Find(path string) (*Node, *Parameter, error) {
	return t.root.Find(path)
}

// FindParam returns the parameter at path, or a *PathNotFoundError.
func (t *Tree) FindParam(path string) (*Parameter, error) {
	_, param, err := t.root.Find(path)
	if err != nil {
		return nil, err
	}
	if param == nil {
		return nil, errors.WithStack(&PathNotFoundError{Path: path})
	}
	return param, nil
}

// Parameters iterates over all parameters of the tree in deterministic order.
func (t *Tree) Parameters() iter.Seq[*Parameter] { return t.root.Parameters() }

// Layers returns the node holding the repeated layers, or nil if the model has none.
// It is searched breadth-first, so the outermost sequence is returned.
func (t *Tree) Layers() *Node {
	queue := []*Node{t.root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n.repeated {
			return n
		}
		queue = append(queue, n.children...)
	}
	return nil
}

// Tie makes the parameter at aliasPath share the storage of the parameter at canonicalPath, and records it
// in the alias table. Both must exist and have the same shape.
func (t *Tree) Tie(aliasPath, canonicalPath string) error {
	alias, err := t.FindParam(aliasPath)
	if err != nil {
		return errors.WithMessage(err, "tying parameters")
	}
	canonical, err := t.FindParam(canonicalPath)
	if err != nil {
		return errors.WithMessage(err, "tying parameters")
	}
	if alias == canonical {
		return errors.Errorf("can't tie parameter %q to itself", aliasPath)
	}
	if alias.IsDistributed() || canonical.IsDistributed() {
		return errors.Errorf("can't tie %q to %q: parameters must be tied before being distributed", aliasPath, canonicalPath)
	}
	if !alias.Shape().Equal(canonical.Shape()) {
		return errors.Errorf("can't tie %q (shape %s) to %q (shape %s)",
			aliasPath, alias.Shape(), canonicalPath, canonical.Shape())
	}
	if _, found := t.CanonicalOf(aliasPath); found {
		return errors.Errorf("parameter %q is already tied", aliasPath)
	}
	alias.local = canonical.local
	t.aliases = append(t.aliases, Alias{Alias: aliasPath, Canonical: canonicalPath})
	return nil
}

// Aliases returns the alias table, in the order the ties were made.
func (t *Tree) Aliases() []Alias {
	return slices.Clone(t.aliases)
}

// CanonicalOf returns the canonical path of a tied alias.
func (t *Tree) CanonicalOf(aliasPath string) (string, bool) {
	for _, a := range t.aliases {
		if a.Alias == aliasPath {
			return a.Canonical, true
		}
	}
	return "", false
}
