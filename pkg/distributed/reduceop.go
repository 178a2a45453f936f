// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/gomlx/distcomm/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// ReduceOp is the element-wise reduction applied by AllReduce.
//
// The zero value is ReduceSum, the default reduction.
type ReduceOp int

//go:generate go tool enumer -type ReduceOp -trimprefix=Reduce -transform=upper -output=gen_reduceop_enumer.go reduceop.go

const (
	ReduceSum ReduceOp = iota
	ReduceMin
	ReduceMax
	ReduceProduct
)

// ParseReduceOp converts the string tokens "SUM", "MIN", "MAX" and "PRODUCT" (case-insensitive) to a ReduceOp.
// Any other token returns an error wrapping ErrUnsupportedOp.
func ParseReduceOp(token string) (ReduceOp, error) {
	op, err := ReduceOpString(token)
	if err != nil {
		return 0, errors.Wrapf(ErrUnsupportedOp, "%q", token)
	}
	return op, nil
}

// CheckDType returns an error wrapping ErrUnsupportedOp if op cannot reduce values of dtype:
// MIN and MAX require ordered values (ints and floats), SUM and PRODUCT require numbers.
func (op ReduceOp) CheckDType(dtype dtypes.DType) error {
	if !op.IsAReduceOp() {
		return errors.Wrapf(ErrUnsupportedOp, "%s", op)
	}
	switch op {
	case ReduceMin, ReduceMax:
		if !dtype.IsOrdered() {
			return errors.Wrapf(ErrUnsupportedOp, "%s is not defined for dtype %s", op, dtype)
		}
	default:
		if !dtype.IsNumber() {
			return errors.Wrapf(ErrUnsupportedOp, "%s is not defined for dtype %s", op, dtype)
		}
	}
	return nil
}
