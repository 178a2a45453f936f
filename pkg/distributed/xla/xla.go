// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xla implements the "xla-dist" backend for accelerator pods, whose only native collective is the
// all-reduce: AllGather and Broadcast are built from a SUM all-reduce of zero-padded buffers.
//
// Collective buffers are placed on the symbolic pod device (devices.Pod()). The emulated collectives sum
// the raw bytes of the payloads as Uint8, so their results are bit-exact for every dtype, booleans included.
//
// The group is configured with the environment variables of the pod runtime:
//
//   - XRT_SHARD_ORDINAL, XRT_SHARD_WORLD_SIZE: global rank and number of ranks (required).
//   - XRT_SHARD_LOCAL_ORDINAL, XRT_LOCAL_WORLD_SIZE: rank within the host and number of ranks per host.
//   - XRT_POD_COORDINATOR: "<host>:<port>" of the coordinator, used as "tcp://$XRT_POD_COORDINATOR".
//   - GOMLX_DIST_INIT_METHOD overrides the init method URL.
package xla

import (
	"context"
	"fmt"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/core/shapes"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/gomlx/distcomm/pkg/distributed/internal/group"
	"github.com/gomlx/distcomm/pkg/distributed/native"
	"github.com/pkg/errors"

	_ "github.com/gomlx/distcomm/pkg/distributed/transport/grpctransport"
)

const (
	// BackendName used to select this backend, e.g. GOMLX_DIST=xla.
	BackendName = "xla"

	// ModelName returned by Backend.Name.
	ModelName = "xla-dist"

	// DefaultCoordinator is used if $XRT_POD_COORDINATOR is not set.
	DefaultCoordinator = "127.0.0.1:8476"
)

func init() {
	distributed.Register(BackendName, distributed.Registration{
		ModelName: ModelName,
		Priority:  30,
		Detect:    func() bool { return group.EnvIsSet("XRT_SHARD_ORDINAL", "XRT_SHARD_WORLD_SIZE") },
		New: func(config string) (distributed.Backend, error) {
			if config != "" {
				return nil, errors.Errorf("%s backend takes no configuration, got %q", ModelName, config)
			}
			b, err := FromEnv()
			if err != nil {
				return nil, err
			}
			return b, nil
		},
	})
}

// Config of a pod group.
type Config struct {
	group.Config
}

// Backend is an accelerator pod group.
type Backend struct {
	*group.Group
}

var _ distributed.Backend = (*Backend)(nil)

// New joins the group described by cfg. Its device is always devices.Pod().
func New(cfg Config) (*Backend, error) {
	cfg.Device = devices.Pod()
	g, err := group.Open(context.Background(), ModelName, distributed.KindXLATPU, cfg.Config)
	if err != nil {
		return nil, err
	}
	return &Backend{Group: g}, nil
}

// ConfigFromEnv reads the configuration from the pod runtime environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if !group.EnvIsSet("XRT_SHARD_ORDINAL", "XRT_SHARD_WORLD_SIZE") {
		return cfg, errors.New("$XRT_SHARD_ORDINAL and $XRT_SHARD_WORLD_SIZE must be set to use the xla distributed backend")
	}
	var err error
	if cfg.Rank, err = group.EnvInt("XRT_SHARD_ORDINAL", 0); err != nil {
		return cfg, err
	}
	if cfg.WorldSize, err = group.EnvInt("XRT_SHARD_WORLD_SIZE", 1); err != nil {
		return cfg, err
	}
	if cfg.NProcPerNode, err = group.EnvInt("XRT_LOCAL_WORLD_SIZE", cfg.WorldSize); err != nil {
		return cfg, err
	}
	if cfg.NProcPerNode <= 0 {
		return cfg, errors.Errorf("invalid $XRT_LOCAL_WORLD_SIZE=%d", cfg.NProcPerNode)
	}
	if cfg.LocalRank, err = group.EnvInt("XRT_SHARD_LOCAL_ORDINAL", cfg.Rank%cfg.NProcPerNode); err != nil {
		return cfg, err
	}
	cfg.InitMethod = group.EnvString(native.InitMethodEnv,
		fmt.Sprintf("tcp://%s", group.EnvString("XRT_POD_COORDINATOR", DefaultCoordinator)))
	return cfg, nil
}

// FromEnv creates the backend configured by the environment, see ConfigFromEnv.
func FromEnv() (*Backend, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// summableBytes returns data as a flat Uint8 tensor. In the sums below at most one rank contributes a
// non-zero value to each byte, so the sum reproduces the contributed bytes exactly, for any dtype.
func summableBytes(data []byte) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(data, len(data))
}

// fromSummableBytes reinterprets the summed bytes as a tensor of the given shape, on the device of summed.
func fromSummableBytes(summed *tensors.Tensor, shape shapes.Shape) (*tensors.Tensor, error) {
	t, err := tensors.FromBytes(shape, summed.Bytes())
	if err != nil {
		return nil, err
	}
	return t.To(summed.Device()), nil
}

// AllGather implements distributed.Backend: each rank writes its tensor in its slot of a zero buffer,
// and the buffers of all ranks are summed.
func (b *Backend) AllGather(t *tensors.Tensor) (*tensors.Tensor, error) {
	topology := b.Topology()
	shape := t.Shape().AtLeast1D()
	slotSize := t.Memory()
	padded := make([]byte, topology.WorldSize*slotSize)
	t.ConstBytes(func(slot []byte) {
		copy(padded[topology.Rank*slotSize:], slot)
	})
	summed, err := b.Group.AllReduce(summableBytes(padded), distributed.ReduceSum)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: all-gather of %s", ModelName, shape)
	}
	return fromSummableBytes(summed, shape.ConcatenateOnAxis0(topology.WorldSize))
}

// Broadcast implements distributed.Backend: the source rank contributes its tensor and the other ranks
// contribute zeros to a sum.
func (b *Backend) Broadcast(t *tensors.Tensor, src int) (*tensors.Tensor, error) {
	topology := b.Topology()
	if src < 0 || src >= topology.WorldSize {
		return nil, errors.Wrapf(distributed.ErrInvalidRank, "broadcast source rank %d for world size %d", src, topology.WorldSize)
	}
	contribution := make([]byte, t.Memory())
	if topology.Rank == src {
		contribution = t.Bytes()
	}
	summed, err := b.Group.AllReduce(summableBytes(contribution), distributed.ReduceSum)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: broadcast of %s from rank %d", ModelName, t.Shape(), src)
	}
	return fromSummableBytes(summed, t.Shape())
}
