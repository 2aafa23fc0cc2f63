// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/tparallel/pkg/ml/tp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMesh(t *testing.T) {
	axes, err := parseMesh("dp=2, tp=4")
	require.NoError(t, err)
	assert.Equal(t, []tp.MeshAxis{{Name: "dp", Size: 2}, {Name: "tp", Size: 4}}, axes)

	for _, bad := range []string{"tp", "tp=four", "dp=2,"} {
		_, err = parseMesh(bad)
		assert.Error(t, err, "mesh %q", bad)
	}
}

func TestCollectiveStats(t *testing.T) {
	registry := prometheus.NewRegistry()
	collectives := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tparallel_collectives_total",
	}, []string{"op"})
	bytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tparallel_collective_bytes_total",
	})
	registry.MustRegister(collectives, bytes)
	collectives.WithLabelValues("all_gather").Add(3)
	collectives.WithLabelValues("agree").Add(2)
	bytes.Add(1024)

	stats := collectiveStats(registry)
	assert.Equal(t, 5, stats.count)
	assert.Equal(t, 1024.0, stats.bytes)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.NotNil(t, cfg.Model)
	assert.NotNil(t, cfg.BasePlan)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
