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
	"fmt"
	"reflect"

	"github.com/gomlx/distcomm/pkg/core/dtypes"
	"github.com/gomlx/distcomm/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// Even scalar values have a flattened data representation of one element.
//
// accessFn must not change the contents of the slice.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the flattened data, which can be changed.
// Only use it on tensors you own: collectives may share data between tensors (see Tensor.To).
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	accessFn(t.flat)
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
//
// It panics if T doesn't match the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(flatAs[T](t, "ConstFlatData"))
}

// MutableFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
//
// It panics if T doesn't match the tensor's dtype.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(flatAs[T](t, "MutableFlatData"))
}

func flatAs[T dtypes.Supported](t *Tensor, caller string) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		var v T
		exceptions.Panicf("%s[%T] is incompatible with Tensor's dtype %s", caller, v, t.shape.DType)
	}
	return flat
}

// CopyFlatData returns a copy of the flat data of the Tensor.
//
// It panics if T doesn't match the tensor's dtype.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	flat := flatAs[T](t, "CopyFlatData")
	return append([]T(nil), flat...)
}

// ToScalar returns the single value of a tensor of size 1 (a scalar, or a `[1]` array).
//
// It panics if the tensor has more than one element or if T doesn't match the dtype.
func ToScalar[T dtypes.Supported](t *Tensor) T {
	if t.Size() != 1 {
		exceptions.Panicf("ToScalar[%T] requires a tensor with exactly one element, got shape %s", *new(T), t.shape)
	}
	return flatAs[T](t, "ToScalar")[0]
}

// Value returns a multidimensional slice (except if shape is a scalar) containing a copy of the values
// stored in the tensor.
// For a tensor of shape `(Float32)[2 3]`, it returns `[][]float32`.
func (t *Tensor) Value() any {
	flatV := reflect.ValueOf(t.flat)
	if t.IsScalar() {
		return flatV.Index(0).Interface()
	}
	copied := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(copied, flatV)
	return convertDataToSlices(copied, t.shape.Dimensions...).Interface()
}

// FromScalar creates a local tensor with the given scalar.
// The `DType` is inferred from the value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
// The `DType` is inferred from the `data` type.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	copyConverting(reflect.ValueOf(t.flat), reflect.ValueOf(data))
	return t
}

// copyConverting copies src into dst, converting elements one by one when the Go types differ
// (e.g.: `int` into the `int64` storage).
func copyConverting(dst, src reflect.Value) {
	if dst.Type().Elem() == src.Type().Elem() {
		reflect.Copy(dst, src)
		return
	}
	elemType := dst.Type().Elem()
	for ii := range src.Len() {
		dst.Index(ii).Set(src.Index(ii).Convert(elemType))
	}
}

// FromAnyValue returns a tensor constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
// If the input is a tensor already, it is simply returned.
//
// It returns an error if the value type is unsupported or the shape is not regular.
func FromAnyValue(value any) (*Tensor, error) {
	if valueT, ok := value.(*Tensor); ok {
		return valueT, nil
	}
	shape, err := shapeForValue(value)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot create tensor from %T", value)
	}
	t := FromShape(shape)
	flatV := reflect.ValueOf(t.flat)
	if shape.IsScalar() {
		flatV.Index(0).Set(reflect.ValueOf(value).Convert(flatV.Type().Elem()))
		return t, nil
	}
	copySlicesRecursively(flatV, reflect.ValueOf(value), layoutStrides(shape))
	return t, nil
}

// layoutStrides return the strides for each axis of the row-major layout.
func layoutStrides(shape shapes.Shape) []int {
	strides := make([]int, shape.Rank())
	stride := 1
	for axis := shape.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= shape.Dimensions[axis]
	}
	return strides
}

// copySlicesRecursively copy values on a multi-dimension slice to a flat data slice
// assuming the strides for each dimension.
func copySlicesRecursively(data reflect.Value, mdSlice reflect.Value, strides []int) {
	if len(strides) == 1 {
		copyConverting(data, mdSlice)
		return
	}
	subStrides := strides[1:]
	for ii := range mdSlice.Len() {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		copySlicesRecursively(subData, mdSlice.Index(ii), subStrides)
	}
}

// convertDataToSlices takes data as a flat slice and creates a multidimensional slice with the given dimensions that
// points to the given data.
func convertDataToSlices(dataV reflect.Value, dimensions ...int) reflect.Value {
	if len(dimensions) <= 1 {
		return dataV
	}
	resultT := dataV.Type().Elem()
	for range dimensions {
		resultT = reflect.SliceOf(resultT)
	}
	strides := layoutStrides(shapes.Shape{Dimensions: dimensions})
	return createSlicesRecursively(resultT, dataV, dimensions, strides)
}

func createSlicesRecursively(resultT reflect.Type, data reflect.Value, dimensions []int, strides []int) reflect.Value {
	if len(strides) == 1 {
		return data
	}
	numElements := dimensions[0]
	slice := reflect.MakeSlice(resultT, numElements, numElements)
	for ii := range numElements {
		subData := data.Slice(ii*strides[0], (ii+1)*strides[0])
		slice.Index(ii).Set(createSlicesRecursively(resultT.Elem(), subData, dimensions[1:], strides[1:]))
	}
	return slice
}

func shapeForValue(v any) (shapes.Shape, error) {
	var shape shapes.Shape
	if v == nil {
		return shape, errors.New("cannot convert nil to a tensor")
	}
	err := shapeForValueRecursive(&shape, reflect.ValueOf(v), reflect.TypeOf(v))
	return shape, err
}

func shapeForValueRecursive(shape *shapes.Shape, v reflect.Value, t reflect.Type) error {
	switch t.Kind() {
	case reflect.Slice:
		t = t.Elem()
		shape.Dimensions = append(shape.Dimensions, v.Len())
		shapePrefix := shape.Clone()
		if v.Len() == 0 {
			return errors.Errorf("empty slice %T is not valid for tensor conversion, use tensors.FromShape instead",
				v.Interface())
		}
		if err := shapeForValueRecursive(shape, v.Index(0), t); err != nil {
			return err
		}
		for ii := 1; ii < v.Len(); ii++ {
			shapeTest := shapePrefix.Clone()
			if err := shapeForValueRecursive(&shapeTest, v.Index(ii), t); err != nil {
				return err
			}
			if !shape.Equal(shapeTest) {
				return fmt.Errorf("sub-slices have irregular shapes, found shapes %q, and %q", shape, shapeTest)
			}
		}

	case reflect.Pointer:
		return fmt.Errorf("cannot convert Pointer (%s) to a concrete value for tensors", t)

	default:
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return fmt.Errorf("cannot convert type %s to a tensor dtype", t)
		}
	}
	return nil
}

// Equal checks whether t == otherTensor: same shape and same values. Devices are not compared.
// If they are the same pointer, they are considered equal.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	if t == otherTensor {
		return true
	}
	if t == nil || otherTensor == nil || !t.shape.Equal(otherTensor.shape) {
		return false
	}
	t0V := reflect.ValueOf(t.flat)
	t1V := reflect.ValueOf(otherTensor.flat)
	for ii := range t0V.Len() {
		if !t0V.Index(ii).Equal(t1V.Index(ii)) {
			return false
		}
	}
	return true
}
