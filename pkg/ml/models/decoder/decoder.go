// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decoder builds the module tree of a decoder-only transformer language model, with
// deterministic synthetic weights, and its default tensor-parallel plan.
//
// The tree looks like:
//
//	embed.weight            [vocab, hidden]
//	layers.<i>.input_norm.weight [hidden]
//	layers.<i>.attn.{q,k,v,o}.weight [hidden, hidden]
//	layers.<i>.post_norm.weight  [hidden]
//	layers.<i>.mlp.{gate,up}.weight [hidden, intermediate]
//	layers.<i>.mlp.down.weight   [intermediate, hidden]
//	norm.weight             [hidden]
//	lm_head.weight          [vocab, hidden], optionally tied to embed.weight
//
// Weights are laid out [input, output], so "colwise" shards output features and "rowwise" input features.
package decoder

import (
	"context"
	"math/rand/v2"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/gomlx/tparallel/pkg/core/tensors"
	"github.com/gomlx/tparallel/pkg/ml/module"
	"github.com/gomlx/tparallel/pkg/ml/tp"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Config of the decoder model.
type Config struct {
	VocabSize        int    `yaml:"vocab_size" json:"vocab_size"`
	HiddenSize       int    `yaml:"hidden_size" json:"hidden_size"`
	IntermediateSize int    `yaml:"intermediate_size" json:"intermediate_size"`
	NumLayers        int    `yaml:"num_layers" json:"num_layers"`
	TieEmbeddings    bool   `yaml:"tie_embeddings" json:"tie_embeddings"`
	DType            string `yaml:"dtype" json:"dtype"`
	Seed             uint64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns a small model configuration.
func DefaultConfig() Config {
	return Config{
		VocabSize:        256,
		HiddenSize:       64,
		IntermediateSize: 128,
		NumLayers:        4,
		TieEmbeddings:    true,
		DType:            "float32",
		Seed:             42,
	}
}

// ParseDType converts a dtype name ("float32", "float64", "float16" or "bfloat16") to a dtypes.DType.
func ParseDType(name string) (dtypes.DType, error) {
	switch strings.ToLower(name) {
	case "float32", "f32", "":
		return dtypes.Float32, nil
	case "float64", "f64":
		return dtypes.Float64, nil
	case "float16", "f16":
		return dtypes.Float16, nil
	case "bfloat16", "bf16":
		return dtypes.BFloat16, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported model dtype %q", name)
}

// Build creates the module tree of the model. Weights are pseudo-random, determined by config.Seed, so
// every device building the same config gets the same values.
func Build(config Config) (*module.Tree, error) {
	for _, dim := range []struct {
		name  string
		value int
	}{
		{"vocab_size", config.VocabSize},
		{"hidden_size", config.HiddenSize},
		{"intermediate_size", config.IntermediateSize},
		{"num_layers", config.NumLayers},
	} {
		if dim.value <= 0 {
			return nil, errors.Errorf("decoder config %s must be > 0, got %d", dim.name, dim.value)
		}
	}
	dtype, err := ParseDType(config.DType)
	if err != nil {
		return nil, err
	}
	b := &builder{dtype: dtype, rng: rand.New(rand.NewPCG(config.Seed, 0x7470))}
	hidden, inter := config.HiddenSize, config.IntermediateSize

	tree := module.NewTree()
	err = exceptions.TryCatch[error](func() {
		root := tree.Root()
		root.AddChild("embed").AddParam("weight", b.random(config.VocabSize, hidden))
		root.AddLayers("layers", config.NumLayers, func(_ int, layer *module.Node) {
			layer.AddChild("input_norm").AddParam("weight", b.ones(hidden))
			attn := layer.AddChild("attn")
			for _, name := range []string{"q", "k", "v", "o"} {
				attn.AddChild(name).AddParam("weight", b.random(hidden, hidden))
			}
			layer.AddChild("post_norm").AddParam("weight", b.ones(hidden))
			mlp := layer.AddChild("mlp")
			mlp.AddChild("gate").AddParam("weight", b.random(hidden, inter))
			mlp.AddChild("up").AddParam("weight", b.random(hidden, inter))
			mlp.AddChild("down").AddParam("weight", b.random(inter, hidden))
		})
		root.AddChild("norm").AddParam("weight", b.ones(hidden)).Owner().SetForward(Identity)
		root.AddChild("lm_head").AddParam("weight", b.random(config.VocabSize, hidden))
	})
	if err != nil {
		return nil, errors.WithMessage(err, "building decoder module tree")
	}
	if config.TieEmbeddings {
		if err := tree.Tie("lm_head.weight", "embed.weight"); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

// DefaultPlan returns the tensor-parallel base plan of the decoder family: attention and MLP input
// projections are column sharded, output projections row sharded, the embedding column sharded and the
// head column sharded with a replicated output.
func DefaultPlan() *tp.RawPlan {
	return tp.NewRawPlan(
		"embed", "colwise",
		"layers.*.attn.q", "colwise",
		"layers.*.attn.k", "colwise",
		"layers.*.attn.v", "colwise",
		"layers.*.attn.o", "rowwise",
		"layers.*.mlp.gate", "colwise",
		"layers.*.mlp.up", "colwise",
		"layers.*.mlp.down", "rowwise",
		"lm_head", "colwise_rep",
	)
}

// Identity is a forward function that returns its input: the normalization weights of the synthetic model
// are all ones.
func Identity(_ context.Context, _ *distributed.Participant, _ *module.Node, input module.Activation) (module.Activation, error) {
	return input, nil
}

type builder struct {
	dtype dtypes.DType
	rng   *rand.Rand
}

func (b *builder) random(dimensions ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	values := make([]float32, size)
	for i := range values {
		values[i] = float32(b.rng.NormFloat64() * 0.02)
	}
	return b.convert(values, dimensions)
}

func (b *builder) ones(dimensions ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	values := make([]float32, size)
	for i := range values {
		values[i] = 1
	}
	return b.convert(values, dimensions)
}

func (b *builder) convert(values []float32, dimensions []int) *tensors.Tensor {
	switch b.dtype {
	case dtypes.Float64:
		converted := make([]float64, len(values))
		for i, v := range values {
			converted[i] = float64(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dimensions...)
	case dtypes.Float16:
		converted := make([]float16.Float16, len(values))
		for i, v := range values {
			converted[i] = float16.Fromfloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dimensions...)
	case dtypes.BFloat16:
		converted := make([]bfloat16.BFloat16, len(values))
		for i, v := range values {
			converted[i] = bfloat16.FromFloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dimensions...)
	default:
		return tensors.FromFlatDataAndDimensions(values, dimensions...)
	}
}
