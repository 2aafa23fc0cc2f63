// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the local, device-resident Tensor used as the storage of parameters and
// of the shards of distributed tensors.
//
// A Tensor holds its data as a flat slice of the Go type of its DType, in row-major order. The
// structural operations needed to shard and gather (Split and Concatenate along an axis) work on any DType.
package tensors

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tparallel/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Tensor is a multidimensional array stored locally.
//
// It is safe for concurrent reads. Mutation is only done by its owner.
type Tensor struct {
	mu    sync.Mutex
	shape shapes.Shape

	// flat holds the data as a slice of shape.DType.GoType().
	flat any
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	size := shape.Size()
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size)
	return &Tensor{shape: shape.Clone(), flat: flatV.Interface()}
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions, taking ownership of flat.
//
// It panics if len(flat) doesn't match the product of the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](flat []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(flat) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: %d values given for shape %s, which requires %d values",
			len(flat), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: flat}
}

// FromBytes creates a Tensor of the given shape with a copy of the raw (native endian) data.
func FromBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	if uintptr(len(data)) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromBytes: got %d bytes for shape %s, which requires %d bytes",
			len(data), shape, shape.Memory())
	}
	t := FromShape(shape)
	copy(t.Bytes(), data)
	return t, nil
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size is the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory is the number of bytes used by the tensor's data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Bytes returns a view of the tensor's data as raw bytes. The contents should not be changed.
func (t *Tensor) Bytes() []byte {
	flatV := reflect.ValueOf(t.flat)
	if flatV.Len() == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(flatV.UnsafePointer()), t.shape.Memory())
}

// ConstFlatData calls accessFn with the flat data, a slice of the Go type corresponding to the DType.
// The data should not be changed.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
}

// CopyFlatData returns a copy of the flat data of the tensor.
//
// It panics if T doesn't match the tensor's DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var result []T
	t.ConstFlatData(func(flat any) {
		typed, ok := flat.([]T)
		if !ok {
			exceptions.Panicf("CopyFlatData[%T] is incompatible with Tensor's dtype %s", result, t.shape.DType)
		}
		result = make([]T, len(typed))
		copy(result, typed)
	})
	return result
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := FromShape(t.shape)
	t.ConstFlatData(func(flat any) {
		reflect.Copy(reflect.ValueOf(clone.flat), reflect.ValueOf(flat))
	})
	return clone
}

// String implements fmt.Stringer. It doesn't print the values.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%s[%s]", t.shape, humanize.Bytes(uint64(t.Memory())))
}

// axisBlocks returns the number of outer blocks and the number of elements per unit of the given axis.
func axisBlocks(shape shapes.Shape, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for i, dim := range shape.Dimensions {
		if i < axis {
			outer *= dim
		} else if i > axis {
			inner *= dim
		}
	}
	return
}

// Split the tensor in numParts equal parts along axis and return a copy of the part-th one.
//
// It returns an error if the dimension of axis is not divisible by numParts.
func (t *Tensor) Split(axis, numParts, part int) (*Tensor, error) {
	adjustedAxis, ok := t.shape.AdjustAxis(axis)
	if !ok {
		return nil, errors.Errorf("Tensor.Split: axis %d out-of-bounds for shape %s", axis, t.shape)
	}
	if numParts <= 0 || part < 0 || part >= numParts {
		return nil, errors.Errorf("Tensor.Split: invalid part %d of %d", part, numParts)
	}
	dim := t.shape.Dimensions[adjustedAxis]
	if dim%numParts != 0 {
		return nil, errors.Errorf("Tensor.Split: dimension %d of axis %d (shape %s) is not divisible by %d",
			dim, adjustedAxis, t.shape, numParts)
	}
	partDim := dim / numParts
	result := FromShape(t.shape.WithDim(adjustedAxis, partDim))
	outer, inner := axisBlocks(t.shape, adjustedAxis)
	dstV := reflect.ValueOf(result.flat)
	blockLen := partDim * inner
	t.ConstFlatData(func(flat any) {
		srcV := reflect.ValueOf(flat)
		for o := range outer {
			srcStart := (o*dim + part*partDim) * inner
			dstStart := o * blockLen
			reflect.Copy(dstV.Slice(dstStart, dstStart+blockLen), srcV.Slice(srcStart, srcStart+blockLen))
		}
	})
	return result, nil
}

// Concatenate the parts along the given axis. All other dimensions and the dtype must match.
func Concatenate(axis int, parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensors.Concatenate: no parts given")
	}
	first := parts[0].shape
	adjustedAxis, ok := first.AdjustAxis(axis)
	if !ok {
		return nil, errors.Errorf("tensors.Concatenate: axis %d out-of-bounds for shape %s", axis, first)
	}
	total := 0
	for i, part := range parts {
		s := part.shape
		if s.DType != first.DType || s.Rank() != first.Rank() {
			return nil, errors.Errorf("tensors.Concatenate: part #%d has shape %s, incompatible with part #0 shape %s",
				i, s, first)
		}
		for axisIdx, dim := range s.Dimensions {
			if axisIdx != adjustedAxis && dim != first.Dimensions[axisIdx] {
				return nil, errors.Errorf(
					"tensors.Concatenate: part #%d has shape %s, incompatible with part #0 shape %s on axis %d",
					i, s, first, axisIdx)
			}
		}
		total += s.Dimensions[adjustedAxis]
	}
	result := FromShape(first.WithDim(adjustedAxis, total))
	outer, inner := axisBlocks(first, adjustedAxis)
	dstV := reflect.ValueOf(result.flat)
	dstPos := 0
	for o := range outer {
		for _, part := range parts {
			blockLen := part.shape.Dimensions[adjustedAxis] * inner
			part.ConstFlatData(func(flat any) {
				srcStart := o * blockLen
				reflect.Copy(dstV.Slice(dstPos, dstPos+blockLen), reflect.ValueOf(flat).Slice(srcStart, srcStart+blockLen))
			})
			dstPos += blockLen
		}
	}
	return result, nil
}
