// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"math"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// Equal returns whether both tensors have the same shape and exactly the same data.
func (t *Tensor) Equal(t2 *Tensor) bool {
	if t == t2 {
		return true
	}
	if t == nil || t2 == nil || !t.shape.Equal(t2.shape) {
		return false
	}
	return bytes.Equal(t.Bytes(), t2.Bytes())
}

// ApproxEqual returns whether both tensors have the same shape and all values are within delta
// of each other. Non-float dtypes are compared exactly.
func (t *Tensor) ApproxEqual(t2 *Tensor, delta float64) bool {
	if t == nil || t2 == nil || !t.shape.Equal(t2.shape) {
		return false
	}
	if !t.shape.DType.IsFloat() {
		return t.Equal(t2)
	}
	values, values2 := floatValues(t), floatValues(t2)
	for i, v := range values {
		if math.Abs(v-values2[i]) > delta {
			return false
		}
	}
	return true
}

// floatValues converts the data of a float tensor to float64.
func floatValues(t *Tensor) (values []float64) {
	t.ConstFlatData(func(flat any) {
		switch typed := flat.(type) {
		case []float64:
			values = make([]float64, len(typed))
			copy(values, typed)
		case []float32:
			values = make([]float64, len(typed))
			for i, v := range typed {
				values[i] = float64(v)
			}
		case []float16.Float16:
			values = make([]float64, len(typed))
			for i, v := range typed {
				values[i] = float64(v.Float32())
			}
		case []bfloat16.BFloat16:
			values = make([]float64, len(typed))
			for i, v := range typed {
				values[i] = float64(v.Float32())
			}
		}
	})
	return
}
