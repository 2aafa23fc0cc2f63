// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	r := Replicated()
	assert.True(t, r.IsReplicated())
	assert.Equal(t, "Replicated", r.String())
	assert.Equal(t, ShardSpec{"", ""}, r.ShardSpec(2))

	s := Sharded(-1, "tp")
	assert.False(t, s.IsReplicated())
	normalized, err := s.Normalize(3)
	require.NoError(t, err)
	assert.Equal(t, Sharded(2, "tp"), normalized)
	assert.Equal(t, "Sharded(dim=2, axis=tp)", normalized.String())
	assert.Equal(t, "[R, R, S(tp)]", s.ShardSpec(3).String())

	_, err = Sharded(2, "tp").Normalize(2)
	require.Error(t, err)
	_, err = Sharded(0, "tp").Normalize(0)
	require.Error(t, err)

	assert.Equal(t, ShardSpec{"", "", ""}, Sharded(5, "tp").ShardSpec(3), "out-of-bounds layouts render as replicated")
}

func TestShardSpec(t *testing.T) {
	spec := Sharded(1, "tp").ShardSpec(2)
	assert.False(t, spec.IsReplicated())
	assert.Equal(t, "[R, S(tp)]", spec.String())
	assert.True(t, Replicated().ShardSpec(2).IsReplicated())
	assert.Equal(t, "[]", ShardSpec{}.String())
}

func TestStrategy(t *testing.T) {
	for _, name := range []string{"rowwise", "colwise", "colwise_rep", "sequence"} {
		s, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.String())
		assert.True(t, s.IsAStrategy())
	}
	s, err := ParseStrategy("colwise_rep")
	require.NoError(t, err)
	assert.Equal(t, ColwiseReplicatedOutput, s)

	for _, name := range []string{"diagonal", "ROWWISE", ""} {
		_, err := ParseStrategy(name)
		require.Error(t, err, "strategy %q should be rejected", name)
	}
	assert.False(t, Strategy(17).IsAStrategy())
	assert.Equal(t, "Strategy(17)", Strategy(17).String())
}
