// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import "github.com/pkg/errors"

// Usage errors: they are always detected locally, before any communication, so all ranks making the same
// mistake fail the same way without blocking.
//
// Returned errors wrap them, so test with errors.Is.
var (
	// ErrUnsupportedType is returned for payloads that are not a numeric scalar, a *tensors.Tensor or a
	// string, and for text given to AllReduce.
	ErrUnsupportedType = errors.New("Unhandled input type")

	// ErrUnsupportedOp is returned for unknown reduction operators, or operators not defined for the
	// dtype of the payload (e.g. MIN of complex numbers).
	ErrUnsupportedOp = errors.New("Unsupported reduction operation")

	// ErrInvalidRank is returned for a source rank outside [0, world size).
	ErrInvalidRank = errors.New("invalid rank")
)
