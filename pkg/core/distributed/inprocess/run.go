// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inprocess

import (
	"context"

	"github.com/gomlx/tparallel/pkg/core/distributed"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DeviceFn is the program executed by every device in Run.
type DeviceFn func(ctx context.Context, p *distributed.Participant) error

// Run executes fn once per device of the mesh, each in its own goroutine, connected by hub. It returns after all
// devices finished, with the first error returned.
//
// When one device fails, the context given to the others is cancelled, so devices blocked on a collective the
// failed device will never join return instead of hanging.
func Run(ctx context.Context, hub *Hub, mesh *distributed.DeviceMesh, fn DeviceFn) error {
	if hub.NumDevices() != mesh.NumDevices() {
		return errors.Errorf("%s connects %d devices, but %s has %d", hub.ID(), hub.NumDevices(), mesh, mesh.NumDevices())
	}
	g, gCtx := errgroup.WithContext(ctx)
	for device := range mesh.NumDevices() {
		participant, err := distributed.NewParticipant(mesh, hub.Communicator(device))
		if err != nil {
			return err
		}
		g.Go(func() error {
			return fn(gCtx, participant)
		})
	}
	return g.Wait()
}
