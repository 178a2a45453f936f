/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implement a `Tensor`, the multidimensional numeric array that travels through collectives.
//
// A Tensor is defined by its shape (a data type and its axes' dimensions), its content stored as a flat
// Go slice of the dtype, and the device it is placed on (see package devices).
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalar[T dtypes.Supported](value T): a scalar (rank 0) tensor.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromAnyValue(value any): takes a scalar or a (regular) multidimensional slice. If `value` is already a
//     tensor it is returned as is.
//
//   - FromBytes(shape shapes.Shape, data []byte): the raw little-endian representation, as received from
//     a transport.
//
// Tensors are not safe for concurrent mutation: the collectives never mutate their inputs, and always
// return new tensors.
package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/core/dtypes"
	"github.com/gomlx/distcomm/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array, stored as a flat (1D) slice of the underlying DType.
type Tensor struct {
	// shape of the tensor, immutable.
	shape shapes.Shape

	// flat is a []T with the values, where T is the Go type of the dtype.
	flat any

	// device where the tensor is placed.
	device devices.Device
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros,
// placed on the host.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.DType.IsValid() {
		exceptions.Panicf("tensors.FromShape(%s): invalid dtype", shape)
	}
	flat := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Tensor{shape: shape.Clone(), flat: flat.Interface(), device: devices.Host()}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size is the number of elements of the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used by the tensor's data.
func (t *Tensor) Memory() int { return t.shape.Memory() }

// Device where the tensor is placed.
func (t *Tensor) Device() devices.Device { return t.device.Normalize() }

// Ok returns whether the tensor is valid: non-nil and with data for its shape.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.flat != nil
}

// CheckValid returns an error if the tensor is nil or invalid.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("tensor is nil")
	}
	if !t.Ok() {
		return errors.Errorf("tensor with shape %s has no data", t.shape)
	}
	return nil
}

// Clone returns a deep copy of the tensor, on the same device.
func (t *Tensor) Clone() *Tensor {
	clone := FromShape(t.shape)
	reflect.Copy(reflect.ValueOf(clone.flat), reflect.ValueOf(t.flat))
	clone.device = t.device
	return clone
}

// To returns a copy of the tensor placed on the given device.
//
// Since all data is kept in host memory the copy is shallow for the data: the returned tensor
// shares the flat values with t. This is safe because tensors are not mutated by collectives.
func (t *Tensor) To(device devices.Device) *Tensor {
	if t.device.Equal(device) {
		return t
	}
	return &Tensor{shape: t.shape, flat: t.flat, device: device.Normalize()}
}

// Reshape returns a tensor sharing the data with t, with new dimensions of the same total size.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	newShape := shapes.Make(t.shape.DType, dimensions...)
	if newShape.Size() != t.shape.Size() {
		return nil, errors.Errorf("cannot reshape %s to %v: different sizes", t.shape, dimensions)
	}
	return &Tensor{shape: newShape, flat: t.flat, device: t.device}, nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	if t.shape.Size() > 64 {
		return fmt.Sprintf("%s@%s", t.shape, t.Device())
	}
	return fmt.Sprintf("%s@%s%v", t.shape, t.Device(), t.Value())
}
