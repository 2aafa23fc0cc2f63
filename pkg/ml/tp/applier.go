// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/ml/module"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultAxis is the default name of the tensor-parallel mesh axis.
const DefaultAxis = "tp"

// ProgressFn is called by the Applier after each layer instance is processed.
type ProgressFn func(layer, numLayers int)

// Applier converts the parameters of a module tree to distributed tensors according to resolved plans.
//
// Every device must call Apply (and FixTiedParameters) with the same tree structure and plans:
// entries are applied in plan order, and layers in their structural order (0, 1, 2, ...), so that
// the collectives issued along the way match across devices.
type Applier struct {
	registry     *Registry
	axis         string
	layersPrefix string
	sequenceDim  int
	verify       bool
	progress     ProgressFn
}

// NewApplier creates an Applier with the strategies in registry, for the DefaultAxis mesh axis.
func NewApplier(registry *Registry) *Applier {
	return &Applier{registry: registry, axis: DefaultAxis, layersPrefix: DefaultLayersPrefix, sequenceDim: 1, verify: true}
}

// WithAxis sets the mesh axis parameters are sharded over. Default is "tp".
func (a *Applier) WithAxis(axis string) *Applier {
	a.axis = axis
	return a
}

// Axis returns the mesh axis parameters are sharded over.
func (a *Applier) Axis() string { return a.axis }

// WithLayersPrefix sets the prefix the layer plan entries were resolved with, e.g. "blocks.*.".
// The layer plan is applied to the instances of the repeated node it names. Default is DefaultLayersPrefix.
func (a *Applier) WithLayersPrefix(prefix string) *Applier {
	a.layersPrefix = prefix
	return a
}

// WithSequenceDim sets the activation dimension sharded by the sequence strategy. Default is 1,
// for activations shaped [batch, sequence, ...].
func (a *Applier) WithSequenceDim(dim int) *Applier {
	a.sequenceDim = dim
	return a
}

// WithVerification enables or disables the cross-device agreement check of each distributed
// parameter's layout. It is enabled by default, and costs one all-gather of a short fingerprint per
// parameter.
func (a *Applier) WithVerification(verify bool) *Applier {
	a.verify = verify
	return a
}

// WithProgress sets a function called after each layer instance is processed.
func (a *Applier) WithProgress(fn ProgressFn) *Applier {
	a.progress = fn
	return a
}

// Apply distributes the parameters of tree: first the entries of modelPlan, resolved from the root,
// then the entries of layerPlan, resolved from each layer instance in order.
//
// Apply mutates the tree in place and returns it. On error the tree is left partially distributed:
// there is no rollback, and the error should abort the distributed initialization.
func (a *Applier) Apply(ctx context.Context, p *distributed.Participant, tree *module.Tree,
	modelPlan, layerPlan *Plan) (*module.Tree, error) {
	if _, err := p.AxisSize(a.axis); err != nil {
		return nil, err
	}
	for path, s := range modelPlan.All() {
		if err := a.applyEntry(ctx, p, tree.Root(), path, s); err != nil {
			return nil, err
		}
	}
	if layerPlan.Len() == 0 {
		return tree, nil
	}
	layers := layersNode(tree, a.layersPrefix)
	if layers == nil {
		return nil, errors.WithStack(&module.PathNotFoundError{
			Path:    a.layersPrefix + layerPlan.Patterns()[0],
			Missing: layersPath(a.layersPrefix),
		})
	}
	numLayers := len(layers.Children())
	for i, layer := range layers.Children() {
		for path, s := range layerPlan.All() {
			if err := a.applyEntry(ctx, p, layer, path, s); err != nil {
				return nil, errors.WithMessagef(err, "layer #%d", i)
			}
		}
		if a.progress != nil {
			a.progress(i+1, numLayers)
		}
	}
	return tree, nil
}

// layersPath returns the path of the repeated node named by a layers prefix: "blocks.*." -> "blocks".
func layersPath(prefix string) string {
	return strings.TrimSuffix(prefix, module.PathSeparator+LayerWildcard+module.PathSeparator)
}

// layersNode returns the repeated node named by prefix, or nil if there is no such node.
func layersNode(tree *module.Tree, prefix string) *module.Node {
	node, _, err := tree.Find(layersPath(prefix))
	if err != nil || node == nil || !node.IsRepeated() {
		return nil
	}
	return node
}

// applyEntry applies the strategy to the node or parameter at path relative to scope.
func (a *Applier) applyEntry(ctx context.Context, p *distributed.Participant, scope *module.Node,
	path string, s distributed.Strategy) error {
	style, found := a.registry.Style(s)
	if !found {
		return errors.WithStack(&UnknownStrategyError{Path: module.JoinPath(scope.Path(), path), Name: s.String(), Known: a.registry.Names()})
	}
	node, param, err := scope.Find(path)
	if err != nil {
		return err
	}
	if node == nil {
		node = param.Owner()
	}
	klog.V(1).Infof("tp: applying %s to %q", s, module.JoinPath(scope.Path(), path))
	if style.ShardActivations {
		node.SetActivationLayout(distributed.Sharded(a.sequenceDim, a.axis))
	}
	if style.ShardParams {
		if param != nil {
			if err := a.distributeParam(ctx, p, param, s, style.ParamLayout(a.axis)); err != nil {
				return err
			}
		} else {
			for param := range node.Parameters() {
				if err := a.distributeParam(ctx, p, param, s, style.ParamLayout(a.axis)); err != nil {
					return err
				}
			}
		}
	}
	if style.ReplicateOutput {
		attachReplicateOutput(node)
	}
	return nil
}

// distributeParam replaces the local tensor of param by a distributed tensor with the given layout.
// The parameter is left unmodified on error.
func (a *Applier) distributeParam(ctx context.Context, p *distributed.Participant, param *module.Parameter,
	s distributed.Strategy, layout distributed.Layout) error {
	if param.IsDistributed() {
		return a.checkRedistribution(p, param, layout)
	}
	dt, err := distributed.Distribute(p, param.Path(), param.Local(), layout)
	if err != nil {
		return err
	}
	if a.verify {
		if err := p.AgreeOnLayout(ctx, a.axis, param.Path(), fingerprint(s, dt)); err != nil {
			return err
		}
	}
	param.SetDistributed(dt)
	klog.V(2).Infof("tp: %q %s -> shard %s (%s) as %s", param.Path(), dt.Shape(), dt.ShardShape(),
		humanize.Bytes(uint64(dt.Local().Memory())), dt.Layout())
	return nil
}

// checkRedistribution accepts re-applying the same layout on the same mesh, and fails with
// *distributed.AlreadyDistributedError otherwise.
func (a *Applier) checkRedistribution(p *distributed.Participant, param *module.Parameter, layout distributed.Layout) error {
	current := param.Distributed()
	normalized, err := layout.Normalize(current.Shape().Rank())
	if err == nil && normalized == current.Layout() && current.Mesh().Equal(p.Mesh()) {
		klog.V(2).Infof("tp: %q already distributed as %s", param.Path(), current.Layout())
		return nil
	}
	return errors.WithStack(&distributed.AlreadyDistributedError{
		Path: param.Path(), Axis: a.axis, Current: current.Layout(), Requested: layout, Mesh: current.Mesh().String()})
}

// fingerprint of the distribution of a parameter, compared across devices.
func fingerprint(s distributed.Strategy, dt *distributed.Tensor) string {
	return fmt.Sprintf("%s|%s|%s|%s", dt.Name(), s, dt.Layout(), dt.Shape())
}
