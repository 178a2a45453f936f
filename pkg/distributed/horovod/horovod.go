// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package horovod implements the "horovod-dist" backend, a group specialized in gradient averaging:
// only the SUM reduction is native, MIN, MAX and PRODUCT are computed by gathering the values of all ranks
// and reducing them locally.
//
// The group is configured with the environment variables set by horovodrun:
//
//   - HOROVOD_RANK, HOROVOD_SIZE: global rank and number of ranks (required).
//   - HOROVOD_LOCAL_RANK, HOROVOD_LOCAL_SIZE: rank within the node and number of ranks per node.
//   - HOROVOD_GLOO_RENDEZVOUS_ADDR, HOROVOD_GLOO_RENDEZVOUS_PORT: address of the coordinator, used as
//     "http://$HOROVOD_GLOO_RENDEZVOUS_ADDR:$HOROVOD_GLOO_RENDEZVOUS_PORT".
//   - GOMLX_DIST_INIT_METHOD overrides the init method URL.
package horovod

import (
	"context"
	"fmt"
	"slices"

	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/gomlx/distcomm/pkg/distributed/internal/group"
	"github.com/gomlx/distcomm/pkg/distributed/native"
	"github.com/pkg/errors"

	_ "github.com/gomlx/distcomm/pkg/distributed/transport/jsonrpc"
)

const (
	// BackendName used to select this backend, e.g. GOMLX_DIST=horovod.
	BackendName = "horovod"

	// ModelName returned by Backend.Name.
	ModelName = "horovod-dist"

	// DefaultRendezvousPort is used if $HOROVOD_GLOO_RENDEZVOUS_PORT is not set.
	DefaultRendezvousPort = 29501
)

func init() {
	distributed.Register(BackendName, distributed.Registration{
		ModelName: ModelName,
		Priority:  20,
		Detect:    func() bool { return group.EnvIsSet("HOROVOD_RANK", "HOROVOD_SIZE") },
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

// Config of a horovod group.
type Config struct {
	group.Config
}

// Backend is a horovod group.
type Backend struct {
	*group.Group
}

var _ distributed.Backend = (*Backend)(nil)

// New joins the group described by cfg. It blocks until the coordinator (rank 0) is reachable.
func New(cfg Config) (*Backend, error) {
	g, err := group.Open(context.Background(), ModelName, distributed.KindHorovod, cfg.Config)
	if err != nil {
		return nil, err
	}
	return &Backend{Group: g}, nil
}

// ConfigFromEnv reads the configuration from the horovodrun environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if !group.EnvIsSet("HOROVOD_RANK", "HOROVOD_SIZE") {
		return cfg, errors.New("$HOROVOD_RANK and $HOROVOD_SIZE must be set to use the horovod distributed backend")
	}
	var err error
	if cfg.Rank, err = group.EnvInt("HOROVOD_RANK", 0); err != nil {
		return cfg, err
	}
	if cfg.WorldSize, err = group.EnvInt("HOROVOD_SIZE", 1); err != nil {
		return cfg, err
	}
	if cfg.NProcPerNode, err = group.EnvInt("HOROVOD_LOCAL_SIZE", cfg.WorldSize); err != nil {
		return cfg, err
	}
	if cfg.NProcPerNode <= 0 {
		return cfg, errors.Errorf("invalid $HOROVOD_LOCAL_SIZE=%d", cfg.NProcPerNode)
	}
	if cfg.LocalRank, err = group.EnvInt("HOROVOD_LOCAL_RANK", cfg.Rank%cfg.NProcPerNode); err != nil {
		return cfg, err
	}
	port, err := group.EnvInt("HOROVOD_GLOO_RENDEZVOUS_PORT", DefaultRendezvousPort)
	if err != nil {
		return cfg, err
	}
	cfg.InitMethod = group.EnvString(native.InitMethodEnv,
		fmt.Sprintf("http://%s:%d", group.EnvString("HOROVOD_GLOO_RENDEZVOUS_ADDR", "127.0.0.1"), port))
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

// AllReduce implements distributed.Backend. Only SUM is native: the other reductions gather the values
// of all ranks and reduce them locally, in rank order.
func (b *Backend) AllReduce(t *tensors.Tensor, op distributed.ReduceOp) (*tensors.Tensor, error) {
	if op == distributed.ReduceSum {
		return b.Group.AllReduce(t, op)
	}
	if err := op.CheckDType(t.DType()); err != nil {
		return nil, err
	}
	dims := slices.Clone(t.Shape().Dimensions)
	operand := t
	if t.IsScalar() {
		var err error
		if operand, err = t.Reshape(1); err != nil {
			return nil, err
		}
	}
	gathered, err := b.AllGather(operand)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: gathering values to reduce with %s", ModelName, op)
	}
	parts, err := tensors.Split(gathered, b.Topology().WorldSize)
	if err != nil {
		return nil, err
	}
	reduced, err := distributed.Reduce(op, parts...)
	if err != nil {
		return nil, err
	}
	return reduced.Reshape(dims...)
}
