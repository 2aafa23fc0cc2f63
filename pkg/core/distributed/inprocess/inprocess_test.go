// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inprocess

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestAllGather(t *testing.T) {
	defer goleak.VerifyNone(t)
	registry := prometheus.NewRegistry()
	hub := New(4, WithMetrics(registry))
	mesh := must.M1(distributed.NewDeviceMesh([]int{2, 2}, []string{"dp", "tp"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := Run(ctx, hub, mesh, func(ctx context.Context, p *distributed.Participant) error {
		for round := range 3 {
			payload := []byte(fmt.Sprintf("d%d-r%d", p.Device(), round))
			parts, err := p.AllGather(ctx, "tp", fmt.Sprintf("round-%d", round), payload)
			if err != nil {
				return err
			}
			group := must.M1(mesh.AxisGroup(p.Device(), "tp"))
			for i, part := range parts {
				if want := fmt.Sprintf("d%d-r%d", group[i], round); string(part) != want {
					return errors.Errorf("device %d round %d: got %q at position %d, wanted %q",
						p.Device(), round, part, i, want)
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, hub.Pending())

	// 4 devices x 3 rounds.
	count, err := testutil.GatherAndCount(registry, "tparallel_collectives_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, float64(12), testutil.ToFloat64(hub.metrics.collectives.WithLabelValues("all_gather")))
	assert.Equal(t, float64(12*len("d0-r0")), testutil.ToFloat64(hub.metrics.bytes.WithLabelValues("all_gather")))
}

func TestMismatchedCollective(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := New(2)
	mesh := must.M1(distributed.NewDeviceMesh([]int{2}, []string{"tp"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := Run(ctx, hub, mesh, func(ctx context.Context, p *distributed.Participant) error {
		// Devices visit the layers in a different order.
		order := []string{"layers.0", "layers.1"}
		if p.Device() == 1 {
			order = []string{"layers.1", "layers.0"}
		}
		for _, name := range order {
			if _, err := p.AllGather(ctx, "tp", name, []byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	var mismatch *MismatchedCollectiveError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, []int{0, 1}, mismatch.Group)
	assert.Equal(t, uint64(0), mismatch.Seq)
	assert.Contains(t, mismatch.Error(), `device 1: "layers.1"`)
}

func TestMissingParticipantIsCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := New(2)
	mesh := must.M1(distributed.NewDeviceMesh([]int{2}, []string{"tp"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	failure := errors.New("device 1 failed before the collective")
	err := Run(ctx, hub, mesh, func(ctx context.Context, p *distributed.Participant) error {
		if p.Device() == 1 {
			return failure
		}
		_, err := p.AllGather(ctx, "tp", "never-completed", nil)
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, 1, hub.Pending())
}

func TestCommunicatorErrors(t *testing.T) {
	hub := New(2)
	comm := hub.Communicator(0)
	assert.Equal(t, 0, comm.Device())
	_, err := comm.AllGather(context.Background(), []int{1}, "x", nil)
	require.Error(t, err)
	_, err = comm.AllGather(context.Background(), []int{0, 5}, "x", nil)
	require.Error(t, err)

	mesh := must.M1(distributed.NewDeviceMesh([]int{4}, []string{"tp"}))
	require.Error(t, Run(context.Background(), hub, mesh, nil))
}
