// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the dtype and dimensions of a tensor buffer exchanged in a collective.
//
// Example: the multi-dimensional array `[][]int32{{0, 1, 2}, {3, 4, 5}}` converted to a tensor
// has shape `(Int32)[2 3]`. We say it has rank 2 (so 2 axes), axis 0 has dimension 2, and
// axis 1 has dimension 3. This shape could be created with `shapes.Make(dtypes.Int32, 2, 3)`.
//
// Unlike shapes of a computation graph, a dimension here may be 0: an empty buffer is a valid
// payload of an all-gather.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/distcomm/pkg/core/dtypes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Shape represents the dtype and dimensions of a tensor.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// It panics if any of the dimensions is negative.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given type.
func Scalar[T dtypes.Supported]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes used to store an array of the given shape.
func (s Shape) Memory() int {
	return s.DType.Size() * s.Size()
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// AtLeast1D returns the shape itself if it has rank >= 1, or the shape reshaped to `[1]` if it is a scalar.
// Collectives that concatenate (all-gather) always work over a leading axis.
func (s Shape) AtLeast1D() Shape {
	if s.Rank() > 0 {
		return s.Clone()
	}
	return Shape{DType: s.DType, Dimensions: []int{1}}
}

// WithLeadingDim returns a copy of the shape with the dimension of axis 0 replaced by dim.
// It panics for scalars.
func (s Shape) WithLeadingDim(dim int) Shape {
	if s.Rank() == 0 {
		exceptions.Panicf("Shape.WithLeadingDim(%d) requires rank >= 1, got shape %s", dim, s)
	}
	s2 := s.Clone()
	s2.Dimensions[0] = dim
	return s2
}

// ConcatenateOnAxis0 returns the shape resulting from concatenating `n` tensors of the same shape s
// along their leading axis. Scalars are first promoted to `[1]`.
func (s Shape) ConcatenateOnAxis0(n int) Shape {
	s2 := s.AtLeast1D()
	s2.Dimensions[0] *= n
	return s2
}

// CheckCompatible returns an error if the shapes are not equal.
// The description is used to qualify the error message.
func CheckCompatible(description string, want, got Shape) error {
	if !want.Equal(got) {
		return errors.Errorf("%s: shape mismatch, expected %s, got %s", description, want, got)
	}
	return nil
}
