// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"

	"github.com/gomlx/distcomm/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/distcomm/pkg/core/shapes"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Reduce operands element-wise with op, in the order given (rank order, when used by a group), and returns
// a new tensor placed on the device of the first operand.
//
// All operands must have the same shape. Float16 and BFloat16 values are reduced in float32 and rounded back
// after each step.
func Reduce(op ReduceOp, operands ...*tensors.Tensor) (*tensors.Tensor, error) {
	if len(operands) == 0 {
		return nil, errors.New("Reduce requires at least one operand")
	}
	for _, operand := range operands {
		if err := operand.CheckValid(); err != nil {
			return nil, errors.WithMessage(err, "Reduce")
		}
	}
	shape := operands[0].Shape()
	if err := op.CheckDType(shape.DType); err != nil {
		return nil, err
	}
	for ii, operand := range operands[1:] {
		if err := shapes.CheckCompatible(fmt.Sprintf("Reduce(%s) operand #%d", op, ii+1), shape, operand.Shape()); err != nil {
			return nil, err
		}
	}
	result := operands[0].Clone()
	for _, operand := range operands[1:] {
		result.MutableFlatData(func(dstAny any) {
			operand.ConstFlatData(func(srcAny any) {
				reduceFlat(op, dstAny, srcAny)
			})
		})
	}
	return result, nil
}

func reduceFlat(op ReduceOp, dstAny, srcAny any) {
	switch dst := dstAny.(type) {
	case []float32:
		reduceOrdered(op, dst, srcAny.([]float32))
	case []float64:
		reduceOrdered(op, dst, srcAny.([]float64))
	case []int8:
		reduceOrdered(op, dst, srcAny.([]int8))
	case []int16:
		reduceOrdered(op, dst, srcAny.([]int16))
	case []int32:
		reduceOrdered(op, dst, srcAny.([]int32))
	case []int64:
		reduceOrdered(op, dst, srcAny.([]int64))
	case []uint8:
		reduceOrdered(op, dst, srcAny.([]uint8))
	case []uint16:
		reduceOrdered(op, dst, srcAny.([]uint16))
	case []uint32:
		reduceOrdered(op, dst, srcAny.([]uint32))
	case []uint64:
		reduceOrdered(op, dst, srcAny.([]uint64))
	case []float16.Float16:
		reduceHalf(op, dst, srcAny.([]float16.Float16), float16.Float16.Float32, float16.Fromfloat32)
	case []bfloat16.BFloat16:
		reduceHalf(op, dst, srcAny.([]bfloat16.BFloat16), bfloat16.BFloat16.Float32, bfloat16.FromFloat32)
	case []complex64:
		reduceComplex(op, dst, srcAny.([]complex64))
	case []complex128:
		reduceComplex(op, dst, srcAny.([]complex128))
	}
}

func reduceOrdered[T constraints.Integer | constraints.Float](op ReduceOp, dst, src []T) {
	switch op {
	case ReduceSum:
		for ii := range dst {
			dst[ii] += src[ii]
		}
	case ReduceProduct:
		for ii := range dst {
			dst[ii] *= src[ii]
		}
	case ReduceMin:
		for ii := range dst {
			dst[ii] = min(dst[ii], src[ii])
		}
	case ReduceMax:
		for ii := range dst {
			dst[ii] = max(dst[ii], src[ii])
		}
	}
}

func reduceHalf[T float16.Float16 | bfloat16.BFloat16](op ReduceOp, dst, src []T,
	toFloat32 func(T) float32, fromFloat32 func(float32) T) {
	for ii := range dst {
		a, b := toFloat32(dst[ii]), toFloat32(src[ii])
		var r float32
		switch op {
		case ReduceSum:
			r = a + b
		case ReduceProduct:
			r = a * b
		case ReduceMin:
			r = min(a, b)
		case ReduceMax:
			r = max(a, b)
		}
		dst[ii] = fromFloat32(r)
	}
}

func reduceComplex[T constraints.Complex](op ReduceOp, dst, src []T) {
	switch op {
	case ReduceSum:
		for ii := range dst {
			dst[ii] += src[ii]
		}
	case ReduceProduct:
		for ii := range dst {
			dst[ii] *= src[ii]
		}
	}
}
