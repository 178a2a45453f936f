// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/pkg/errors"
)

// SerialName is the model name of the Serial backend.
const SerialName = "serial"

// Serial is the backend of a single, non-distributed, process: the collectives are identities.
type Serial struct {
	topology Topology
}

var _ Backend = (*Serial)(nil)

// NewSerial returns a Serial backend placed on the first accelerator if there is one, or on the host.
func NewSerial() *Serial {
	device := devices.Host()
	if devices.NumAccelerators() > 0 {
		device = devices.Accelerator(0)
	}
	return &Serial{topology: SerialTopology(device)}
}

// Name implements Backend.
func (s *Serial) Name() string { return SerialName }

// Topology implements Backend.
func (s *Serial) Topology() Topology { return s.topology }

// AllReduce implements Backend: it returns the input unchanged.
func (s *Serial) AllReduce(t *tensors.Tensor, _ ReduceOp) (*tensors.Tensor, error) {
	return t, t.CheckValid()
}

// AllGather implements Backend: the concatenation of only one tensor is itself. Scalars are reshaped to [1].
func (s *Serial) AllGather(t *tensors.Tensor) (*tensors.Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	if t.IsScalar() {
		return t.Reshape(1)
	}
	return t, nil
}

// Broadcast implements Backend: it returns the input unchanged.
func (s *Serial) Broadcast(t *tensors.Tensor, src int) (*tensors.Tensor, error) {
	if src != 0 {
		return nil, errors.Wrapf(ErrInvalidRank, "broadcast source rank %d for world size 1", src)
	}
	return t, t.CheckValid()
}

// Barrier implements Backend: it returns immediately.
func (s *Serial) Barrier() error { return nil }

// Finalize implements Backend: nothing to release.
func (s *Serial) Finalize() error { return nil }
