// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/tparallel/pkg/support/sets"
	"github.com/pkg/errors"
)

// DeviceMesh defines the logical topology of the devices participating in a distributed run.
//
// A DeviceMesh is read-only after construction (and after SetLogicalDeviceAssignment), and every participating
// process must build an identical one. It is safe to share across goroutines.
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int

	// logicalDeviceAssignment is the list of device numbers in the order they appear in the mesh.
	// If nil, position i in the mesh is device i.
	logicalDeviceAssignment []int
}

const DefaultMeshName = "mesh"

// IsNameValid checks whether a name is a valid identifier for a mesh name or axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a new logical topology of a set of devices.
//
//   - axesSizes: defines the number of devices along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes. One value per axis. Tensor parallelism usually uses an axis named "tp".
//
// Example: NewDeviceMesh([]int{2, 4}, []string{"dp", "tp"}) creates a mesh of 8 devices, where each group of 4
// consecutive devices shares the tensor-parallel work.
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}

	axesNames = slices.Clone(axesNames)
	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if name == "" {
			return nil, errors.Errorf("DeviceMesh axis name at index %d cannot be empty", i)
		}
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have a positive size, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}

	return &DeviceMesh{
		name:       DefaultMeshName,
		axesNames:  axesNames,
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}, nil
}

// SetName of the mesh.
func (m *DeviceMesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// HasAxis returns whether the mesh has an axis with the given name.
func (m *DeviceMesh) HasAxis(axisName string) bool {
	_, found := m.nameToAxis[axisName]
	return found
}

// AxisSize returns the number of devices along the given mesh axis, also called the degree of the axis.
//
// It returns a *MeshAxisNotFoundError if the axis doesn't exist.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, m.axisNotFound(axisName)
	}
	return m.axesSizes[idx], nil
}

func (m *DeviceMesh) axisNotFound(axisName string) error {
	return errors.WithStack(&MeshAxisNotFoundError{Axis: axisName, Mesh: m.String()})
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// Equal returns whether both meshes describe the same topology: same axes, sizes and device assignment.
func (m *DeviceMesh) Equal(m2 *DeviceMesh) bool {
	if m == m2 {
		return true
	}
	if m == nil || m2 == nil {
		return false
	}
	return m.name == m2.name && slices.Equal(m.axesNames, m2.axesNames) &&
		slices.Equal(m.axesSizes, m2.axesSizes) &&
		slices.Equal(m.LogicalDeviceAssignment(), m2.LogicalDeviceAssignment())
}

// SetLogicalDeviceAssignment sets the assignment of logical devices to the mesh.
//
// The length of devices must be equal to NumDevices(). And it should include all numbers from 0 to NumDevices()-1.
//
// It returns an error if logicalDeviceAssignment has invalid device numbers or len(devices) != NumDevices().
func (m *DeviceMesh) SetLogicalDeviceAssignment(devices ...int) error {
	if len(devices) == 0 {
		m.logicalDeviceAssignment = nil
		return nil
	}
	if len(devices) != m.numDevices {
		return errors.Errorf("devices must have %d elements, got %d", m.numDevices, len(devices))
	}
	seen := sets.Make[int](m.numDevices)
	for _, device := range devices {
		if seen.Has(device) {
			return errors.Errorf("physical device #%d is duplicated in mapping", device)
		}
		seen.Insert(device)
		if device < 0 || device >= m.numDevices {
			return errors.Errorf("devices must be between 0 and %d (NumDevices()-1), got device %d",
				m.numDevices-1, device)
		}
	}
	m.logicalDeviceAssignment = slices.Clone(devices)
	return nil
}

// LogicalDeviceAssignment returns the list of devices in the mesh, in the order they appear in the mesh.
//
// It returns nil if no assignment was set with SetLogicalDeviceAssignment() -- in which case it
// defaults to a sequential assignment starting from 0.
func (m *DeviceMesh) LogicalDeviceAssignment() []int {
	if m.logicalDeviceAssignment == nil {
		return nil
	}
	return slices.Clone(m.logicalDeviceAssignment)
}

// deviceAt returns the device at the given flat position of the mesh.
func (m *DeviceMesh) deviceAt(position int) int {
	if m.logicalDeviceAssignment == nil {
		return position
	}
	return m.logicalDeviceAssignment[position]
}

// DeviceToMesh returns the coordinates of the device in the mesh, one per mesh axis.
func (m *DeviceMesh) DeviceToMesh(device int) ([]int, error) {
	position := device
	if m.logicalDeviceAssignment != nil {
		position = slices.Index(m.logicalDeviceAssignment, device)
	}
	if position < 0 || position >= m.numDevices {
		return nil, errors.Errorf("device %d is not part of %s", device, m)
	}
	coords := make([]int, len(m.axesSizes))
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		coords[i] = position % m.axesSizes[i]
		position /= m.axesSizes[i]
	}
	return coords, nil
}

// AxisIndex returns the index of the device along the given mesh axis: this is which shard of a tensor
// sharded over axisName the device holds.
func (m *DeviceMesh) AxisIndex(device int, axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, m.axisNotFound(axisName)
	}
	coords, err := m.DeviceToMesh(device)
	if err != nil {
		return 0, err
	}
	return coords[idx], nil
}

// AxisGroup returns the ordered devices that share all mesh coordinates with device except along axisName.
// These are the devices that participate with device in a collective over axisName, ordered by their index
// along the axis.
func (m *DeviceMesh) AxisGroup(device int, axisName string) ([]int, error) {
	groups, err := m.ComputeReplicaGroups([]string{axisName})
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		if slices.Contains(group, device) {
			return group, nil
		}
	}
	return nil, errors.Errorf("device %d is not part of %s", device, m)
}

// ComputeReplicaGroups returns the replica groups participating in some collective (distributed) operation given the
// axes along which the operation is performed.
//
// Each replica group (a []int) includes the devices (from the LogicalDeviceAssignment) for the axes specified.
// The other axes will be split into different replica groups.
//
// Example:
//
//	m := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ComputeReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})    // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ComputeReplicaGroups([]string{"batch", "data"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, m.axisNotFound(axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numDevices / groupSize
	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	indices := make([]int, len(m.axesSizes))
	for flatIdx := 0; flatIdx < m.numDevices; flatIdx++ {
		remaining := flatIdx
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			indices[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}

		// Group index from the non-axis coordinates.
		groupIdx, multiplier := 0, 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		// Position within the group from the axis coordinates.
		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		groups[groupIdx][posInGroup] = m.deviceAt(flatIdx)
	}
	return groups, nil
}
