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

package tensors

import (
	"reflect"
	"unsafe"

	"github.com/gomlx/distcomm/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ConstBytes calls accessFn with the data as a bytes slice, in the machine's native byte order.
// Even scalar values have a bytes data representation of one element.
//
// This provides accessFn with the actual Tensor data (not a copy), and it should not be changed.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) {
	accessFn(flatAsBytes(t.flat))
}

// MutableBytes calls accessFn with the data as a bytes slice, in the machine's native byte order,
// which can be changed in place.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) {
	accessFn(flatAsBytes(t.flat))
}

// Bytes returns a copy of the tensor data as bytes, in the machine's native byte order.
// This is the representation sent over the transports.
func (t *Tensor) Bytes() []byte {
	var data []byte
	t.ConstBytes(func(raw []byte) {
		data = append(make([]byte, 0, len(raw)), raw...)
	})
	return data
}

func flatAsBytes(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return nil
	}
	element0 := flatV.Index(0)
	sizeBytes := uintptr(flatV.Len()) * element0.Type().Size()
	return unsafe.Slice((*byte)(element0.Addr().UnsafePointer()), sizeBytes)
}

// FromBytes creates a tensor of the given shape with a copy of data, which must have exactly
// shape.Memory() bytes in the machine's native byte order.
func FromBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	if !shape.DType.IsValid() {
		return nil, errors.Errorf("tensors.FromBytes(%s): invalid dtype", shape)
	}
	for _, dim := range shape.Dimensions {
		if dim < 0 {
			return nil, errors.Errorf("tensors.FromBytes(%s): negative dimension", shape)
		}
	}
	if len(data) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromBytes(%s): expected %d bytes, got %d", shape, shape.Memory(), len(data))
	}
	t := FromShape(shape)
	copy(flatAsBytes(t.flat), data)
	return t, nil
}

// Concatenate the tensors along their leading axis (axis 0), in the order given.
// Scalars are treated as `[1]` arrays. All tensors must have the same dtype and the same dimensions
// except for the leading one. The result is placed on the device of the first tensor.
func Concatenate(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensors.Concatenate requires at least one tensor")
	}
	first := parts[0].shape.AtLeast1D()
	total := 0
	for ii, part := range parts {
		s := part.shape.AtLeast1D()
		if s.DType != first.DType || s.Rank() != first.Rank() {
			return nil, errors.Errorf("tensors.Concatenate: part #%d has shape %s, incompatible with %s", ii, s, first)
		}
		for axis := 1; axis < s.Rank(); axis++ {
			if s.Dimensions[axis] != first.Dimensions[axis] {
				return nil, errors.Errorf("tensors.Concatenate: part #%d has shape %s, incompatible with %s", ii, s, first)
			}
		}
		total += s.Dimensions[0]
	}
	result := FromShape(first.WithLeadingDim(total))
	resultV := reflect.ValueOf(result.flat)
	pos := 0
	for _, part := range parts {
		partV := reflect.ValueOf(part.flat)
		reflect.Copy(resultV.Slice(pos, pos+partV.Len()), partV)
		pos += partV.Len()
	}
	result.device = parts[0].device
	return result, nil
}

// Split the tensor in n equal parts along its leading axis (axis 0). It is the inverse of Concatenate
// of n tensors of the same shape.
func Split(t *Tensor, n int) ([]*Tensor, error) {
	if n <= 0 || t.Rank() == 0 || t.shape.Dimensions[0]%n != 0 {
		return nil, errors.Errorf("tensors.Split: cannot split shape %s in %d parts along axis 0", t.shape, n)
	}
	partShape := t.shape.WithLeadingDim(t.shape.Dimensions[0] / n)
	partSize := partShape.Size()
	flatV := reflect.ValueOf(t.flat)
	parts := make([]*Tensor, n)
	for ii := range parts {
		part := FromShape(partShape)
		reflect.Copy(reflect.ValueOf(part.flat), flatV.Slice(ii*partSize, (ii+1)*partSize))
		part.device = t.device
		parts[ii] = part
	}
	return parts, nil
}
