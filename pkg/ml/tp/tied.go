// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp

import (
	"context"

	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/core/tensors"
	"github.com/gomlx/tparallel/pkg/ml/module"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FixTiedParameters applies the tied plan to every alias in the tree's alias table, in order.
//
// The entry for an alias is looked up by the alias' own path and then by the path of its module; if
// neither exists it fails with *MissingTiedPlanEntryError. The strategy is applied directly to the alias,
// overwriting any layout it may have received before. An entry keyed by the module path also distributes
// the module's other parameters. If the resulting layout is the same as the one of
// the canonical parameter, the alias shares the canonical distributed tensor.
func (a *Applier) FixTiedParameters(ctx context.Context, p *distributed.Participant, tree *module.Tree, tiedPlan *Plan) error {
	for _, alias := range tree.Aliases() {
		tried := []string{alias.Alias, ownerPath(alias.Alias)}
		var (
			s       distributed.Strategy
			found   bool
			matched string
		)
		for _, key := range tried {
			if s, found = tiedPlan.Get(key); found {
				matched = key
				break
			}
		}
		if !found {
			return errors.WithStack(&MissingTiedPlanEntryError{
				Alias: alias.Alias, Canonical: alias.Canonical, Tried: tried, Axis: a.axis})
		}
		if err := a.fixTied(ctx, p, tree, alias, s); err != nil {
			return errors.WithMessagef(err, "tied parameter %q", alias.Alias)
		}
		if matched == tried[1] {
			// The entry is for the whole module: its other parameters follow it too.
			if err := a.distributeUntied(ctx, p, tree, matched, s); err != nil {
				return errors.WithMessagef(err, "module %q of tied parameter %q", matched, alias.Alias)
			}
		}
	}
	return nil
}

// distributeUntied applies s to the parameters under the module at path that are neither aliases nor
// already distributed.
func (a *Applier) distributeUntied(ctx context.Context, p *distributed.Participant, tree *module.Tree, path string,
	s distributed.Strategy) error {
	style, _ := a.registry.Style(s)
	if !style.ShardParams {
		return nil
	}
	node, _, err := tree.Find(path)
	if err != nil {
		return err
	}
	if node == nil {
		return nil
	}
	for param := range node.Parameters() {
		if _, isAlias := tree.CanonicalOf(param.Path()); isAlias {
			continue
		}
		if param.IsDistributed() {
			// Governed by a more specific entry of the model plan.
			klog.V(2).Infof("tp: %q already distributed as %s", param.Path(), param.Distributed().Layout())
			continue
		}
		if err := a.distributeParam(ctx, p, param, s, style.ParamLayout(a.axis)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) fixTied(ctx context.Context, p *distributed.Participant, tree *module.Tree, alias module.Alias,
	s distributed.Strategy) error {
	style, found := a.registry.Style(s)
	if !found {
		return errors.WithStack(&UnknownStrategyError{Path: alias.Alias, Name: s.String(), Known: a.registry.Names()})
	}
	param, err := tree.FindParam(alias.Alias)
	if err != nil {
		return err
	}
	canonical, err := tree.FindParam(alias.Canonical)
	if err != nil {
		return err
	}
	klog.V(1).Infof("tp: applying %s to tied parameter %q (alias of %q)", s, alias.Alias, alias.Canonical)
	owner := param.Owner()
	if style.ShardActivations {
		owner.SetActivationLayout(distributed.Sharded(a.sequenceDim, a.axis))
	}
	if style.ReplicateOutput {
		attachReplicateOutput(owner)
	}
	if !style.ShardParams {
		return nil
	}

	layout, err := style.ParamLayout(a.axis).Normalize(param.Shape().Rank())
	if err != nil {
		axisSize, _ := p.AxisSize(a.axis)
		return errors.WithStack(&distributed.ShardIndivisibleError{
			Path: alias.Alias, Axis: a.axis, AxisSize: axisSize, Shape: param.Shape().String(), Dim: -1})
	}
	if cdt := canonical.Distributed(); cdt != nil && cdt.Layout() == layout && cdt.Mesh().Equal(p.Mesh()) {
		if param.Distributed() != cdt {
			param.SetDistributed(cdt)
		}
		klog.V(1).Infof("tp: %q shares the distributed storage of %q (%s)", alias.Alias, alias.Canonical, layout)
		return nil
	}

	full, err := fullValue(ctx, param)
	if err != nil {
		return err
	}
	dt, err := distributed.Distribute(p, param.Path(), full, layout)
	if err != nil {
		return err
	}
	if a.verify {
		if err := p.AgreeOnLayout(ctx, a.axis, param.Path(), fingerprint(s, dt)); err != nil {
			return err
		}
	}
	param.SetDistributed(dt)
	canonicalLayout := distributed.Replicated()
	if canonical.IsDistributed() {
		canonicalLayout = canonical.Distributed().Layout()
	}
	klog.Warningf("tp: tied parameter %q distributed as %s, but %q is %s: they no longer share storage",
		alias.Alias, layout, alias.Canonical, canonicalLayout)
	return nil
}

// fullValue returns the full logical value of a parameter, gathering it if it is sharded.
func fullValue(ctx context.Context, param *module.Parameter) (*tensors.Tensor, error) {
	if !param.IsDistributed() {
		return param.Local(), nil
	}
	replicated, err := param.Distributed().Redistribute(ctx, distributed.Replicated())
	if err != nil {
		return nil, err
	}
	return replicated.MaterializeLocal()
}
