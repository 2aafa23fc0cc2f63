// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/ml/module"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// MeshAxis is one axis of the mesh in a PlanFile.
type MeshAxis struct {
	Name string `yaml:"name" json:"name"`
	Size int    `yaml:"size" json:"size"`
}

// TiedEntry in a PlanFile: the parameter at Alias shares the storage of the one at Canonical.
type TiedEntry struct {
	Alias     string `yaml:"alias" json:"alias"`
	Canonical string `yaml:"canonical" json:"canonical"`
}

// PlanFile is the configuration of tensor parallelism, as read from a YAML or JSON file:
//
//	mesh_name: host0
//	mesh:
//	  - {name: dp, size: 2}
//	  - {name: tp, size: 4}
//	axis: tp
//	base_plan:
//	  embed: colwise
//	  layers.*.attn.q: colwise
//	override_plan:
//	  lm_head: colwise_rep
//	tied:
//	  - {alias: lm_head.weight, canonical: embed.weight}
//
// Plans keep the order of their entries in the file.
type PlanFile struct {
	MeshName     string      `yaml:"mesh_name,omitempty" json:"mesh_name,omitempty"`
	Mesh         []MeshAxis  `yaml:"mesh" json:"mesh"`
	Devices      []int       `yaml:"devices,omitempty" json:"devices,omitempty"`
	Axis         string      `yaml:"axis,omitempty" json:"axis,omitempty"`
	SequenceDim  *int        `yaml:"sequence_dim,omitempty" json:"sequence_dim,omitempty"`
	FinalNorm    *string     `yaml:"final_norm,omitempty" json:"final_norm,omitempty"`
	BasePlan     *RawPlan    `yaml:"base_plan,omitempty" json:"base_plan,omitempty"`
	OverridePlan *RawPlan    `yaml:"override_plan,omitempty" json:"override_plan,omitempty"`
	Tied         []TiedEntry `yaml:"tied,omitempty" json:"tied,omitempty"`
}

// LoadConfig reads the file at path into target. The format is chosen by the extension: ".json" for JSON,
// ".yaml" or ".yml" for YAML.
func LoadConfig(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading configuration %q", path)
	}
	if err = DecodeConfig(data, filepath.Ext(path), target); err != nil {
		return errors.WithMessagef(err, "configuration %q", path)
	}
	return nil
}

// DecodeConfig decodes data into target, in the format given by the file extension ext.
// Unknown fields are an error.
func DecodeConfig(data []byte, ext string, target any) error {
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return errors.Wrap(dec.Decode(target), "decoding JSON")
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		return errors.Wrap(dec.Decode(target), "decoding YAML")
	}
	return errors.Errorf("unknown configuration format %q, use .json, .yaml or .yml", ext)
}

// LoadPlanFile reads a PlanFile from path.
func LoadPlanFile(path string) (*PlanFile, error) {
	pf := &PlanFile{}
	if err := LoadConfig(path, pf); err != nil {
		return nil, err
	}
	return pf, nil
}

// DeviceMesh creates the mesh described by the file.
func (pf *PlanFile) DeviceMesh() (*distributed.DeviceMesh, error) {
	if len(pf.Mesh) == 0 {
		return nil, errors.New("configuration has no mesh")
	}
	sizes := make([]int, len(pf.Mesh))
	names := make([]string, len(pf.Mesh))
	for i, axis := range pf.Mesh {
		sizes[i], names[i] = axis.Size, axis.Name
	}
	mesh, err := distributed.NewDeviceMesh(sizes, names)
	if err != nil {
		return nil, err
	}
	if pf.MeshName != "" {
		mesh.SetName(pf.MeshName)
	}
	if len(pf.Devices) > 0 {
		if err = mesh.SetLogicalDeviceAssignment(pf.Devices...); err != nil {
			return nil, err
		}
	}
	return mesh, nil
}

// Config returns base updated with the fields set in the file.
func (pf *PlanFile) Config(base Config) Config {
	if pf.Axis != "" {
		base.Axis = pf.Axis
	}
	if pf.SequenceDim != nil {
		base.SequenceDim = *pf.SequenceDim
	}
	if pf.FinalNorm != nil {
		base.FinalNorm = *pf.FinalNorm
	}
	return base
}

// Tie the parameters listed in the file's tied table that are not tied in tree yet.
func (pf *PlanFile) Tie(tree *module.Tree) error {
	for _, entry := range pf.Tied {
		if canonical, found := tree.CanonicalOf(entry.Alias); found {
			if canonical != entry.Canonical {
				return errors.Errorf("configuration ties %q to %q, but the model ties it to %q",
					entry.Alias, entry.Canonical, canonical)
			}
			continue
		}
		if err := tree.Tie(entry.Alias, entry.Canonical); err != nil {
			return err
		}
	}
	return nil
}
