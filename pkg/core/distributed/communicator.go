// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Communicator is the collective-communication substrate a device uses to exchange data with the other devices
// of the mesh. Implementations may connect processes over a network, or devices of the same process
// (see package inprocess).
//
// Every collective is blocking: all the devices of the group must call it, in the same order, with the same tag.
// A device that skips a collective or issues them in a different order makes the others block (or, if the
// implementation detects it, fail).
type Communicator interface {
	// Device returns the device number of this endpoint.
	Device() int

	// AllGather sends payload to every device of the group and returns the payloads of all devices,
	// in the order of group (which must include Device()).
	//
	// The returned slices are shared with the other participants and must not be modified.
	AllGather(ctx context.Context, group []int, tag string, payload []byte) ([][]byte, error)
}

// Participant is the view a single device (or process) has of the distributed run: the shared DeviceMesh,
// its own device number, and the Communicator to reach the other devices.
type Participant struct {
	mesh *DeviceMesh
	comm Communicator
}

// NewParticipant creates the Participant for the communicator's device. It fails if the device is not in the mesh.
func NewParticipant(mesh *DeviceMesh, comm Communicator) (*Participant, error) {
	if mesh == nil || comm == nil {
		return nil, errors.New("NewParticipant requires a mesh and a communicator")
	}
	if _, err := mesh.DeviceToMesh(comm.Device()); err != nil {
		return nil, err
	}
	return &Participant{mesh: mesh, comm: comm}, nil
}

// Mesh returns the DeviceMesh shared by all participants.
func (p *Participant) Mesh() *DeviceMesh { return p.mesh }

// Device returns this participant's device number.
func (p *Participant) Device() int { return p.comm.Device() }

// AxisSize returns the number of devices along the mesh axis.
func (p *Participant) AxisSize(axis string) (int, error) { return p.mesh.AxisSize(axis) }

// AxisIndex returns this participant's index along the mesh axis.
func (p *Participant) AxisIndex(axis string) (int, error) { return p.mesh.AxisIndex(p.Device(), axis) }

// String implements fmt.Stringer.
func (p *Participant) String() string {
	return fmt.Sprintf("Participant(device=%d, %s)", p.Device(), p.mesh)
}

// AllGather the payload among the devices along the given mesh axis. The payloads are returned ordered by
// the index of the devices along the axis.
//
// If the axis has only one device, no communication happens.
func (p *Participant) AllGather(ctx context.Context, axis, tag string, payload []byte) ([][]byte, error) {
	group, err := p.mesh.AxisGroup(p.Device(), axis)
	if err != nil {
		return nil, err
	}
	if len(group) == 1 {
		return [][]byte{payload}, nil
	}
	klog.V(2).Infof("device %d: all-gather %q over axis %q (group %v, %d bytes)", p.Device(), tag, axis, group, len(payload))
	parts, err := p.comm.AllGather(ctx, group, tag, payload)
	if err != nil {
		return nil, errors.Wrapf(err, "device %d: all-gather %q over mesh axis %q", p.Device(), tag, axis)
	}
	if len(parts) != len(group) {
		return nil, errors.Errorf("device %d: all-gather %q over mesh axis %q returned %d parts, expected %d",
			p.Device(), tag, axis, len(parts), len(group))
	}
	return parts, nil
}

// AgreeOnLayout checks that all devices along the mesh axis hold the same layout description (fingerprint) for
// the tensor at path. It is a collective: every device along the axis must call it in the same order.
//
// It returns a *LayoutMismatchError naming the first device whose fingerprint differs.
func (p *Participant) AgreeOnLayout(ctx context.Context, axis, path, fingerprint string) error {
	parts, err := p.AllGather(ctx, axis, "agree:"+path, []byte(fingerprint))
	if err != nil {
		return err
	}
	group, err := p.mesh.AxisGroup(p.Device(), axis)
	if err != nil {
		return err
	}
	for i, part := range parts {
		if string(part) != fingerprint {
			return errors.WithStack(&LayoutMismatchError{
				Path:   path,
				Axis:   axis,
				Want:   fingerprint,
				Got:    string(part),
				Reason: fmt.Sprintf("device %d disagrees with device %d", group[i], p.Device()),
			})
		}
	}
	return nil
}
