// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package native implements the "native-dist" backend: a process group with native implementations of all
// collectives, using the "gloo" kind on CPUs and the "nccl" kind on accelerators.
//
// The group is configured with the environment variables set by the usual launchers (and by "gomlx_dist launch"):
//
//   - RANK, WORLD_SIZE: global rank and number of ranks (required).
//   - LOCAL_RANK, LOCAL_WORLD_SIZE: rank within the node and number of ranks per node. By default a single node.
//   - MASTER_ADDR, MASTER_PORT: address of rank 0, used as "tcp://$MASTER_ADDR:$MASTER_PORT".
//   - GOMLX_DIST_INIT_METHOD: overrides the init method URL, e.g. "http://10.0.0.1:29500" or "inproc://test".
//
// Import it for its side effect of registering the backend:
//
//	import _ "github.com/gomlx/distcomm/pkg/distributed/native"
package native

import (
	"context"
	"fmt"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/gomlx/distcomm/pkg/distributed/internal/group"
	"github.com/pkg/errors"

	_ "github.com/gomlx/distcomm/pkg/distributed/transport/grpctransport"
	_ "github.com/gomlx/distcomm/pkg/distributed/transport/jsonrpc"
)

const (
	// BackendName used to select this backend, e.g. GOMLX_DIST=native or GOMLX_DIST=native:gloo.
	BackendName = "native"

	// ModelName returned by Backend.Name.
	ModelName = "native-dist"

	// InitMethodEnv overrides the init method URL.
	InitMethodEnv = "GOMLX_DIST_INIT_METHOD"

	// DefaultMasterPort is used if $MASTER_PORT is not set.
	DefaultMasterPort = 29500
)

func init() {
	distributed.Register(BackendName, distributed.Registration{
		ModelName: ModelName,
		Priority:  10,
		Detect:    func() bool { return group.EnvIsSet("RANK", "WORLD_SIZE") },
		New: func(config string) (distributed.Backend, error) {
			b, err := FromEnv(config)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
	})
}

// Config of a native group.
type Config struct {
	group.Config

	// Kind of the group: KindGloo or KindNCCL. If empty, it is KindNCCL if accelerators are
	// visible, KindGloo otherwise.
	Kind distributed.Kind
}

// Backend is a native process group.
type Backend struct {
	*group.Group
}

var _ distributed.Backend = (*Backend)(nil)

// New joins the group described by cfg. It blocks until the coordinator (rank 0) is reachable.
func New(cfg Config) (*Backend, error) {
	kind := cfg.Kind
	if kind == distributed.KindNone {
		kind = distributed.KindGloo
		if devices.NumAccelerators() > 0 {
			kind = distributed.KindNCCL
		}
	}
	switch kind {
	case distributed.KindGloo:
		if cfg.Device.IsZero() {
			cfg.Device = devices.Host()
		}
	case distributed.KindNCCL:
		if cfg.Device.IsZero() {
			cfg.Device = devices.Accelerator(cfg.LocalRank)
		}
	default:
		return nil, errors.Errorf("%s backend doesn't support kind %q, only %q or %q",
			ModelName, kind, distributed.KindGloo, distributed.KindNCCL)
	}
	g, err := group.Open(context.Background(), ModelName, kind, cfg.Config)
	if err != nil {
		return nil, err
	}
	return &Backend{Group: g}, nil
}

// ConfigFromEnv reads the configuration from the environment. The backendConfig may select the
// kind ("gloo" or "nccl").
func ConfigFromEnv(backendConfig string) (Config, error) {
	var cfg Config
	switch backendConfig {
	case "":
	case string(distributed.KindGloo), string(distributed.KindNCCL):
		cfg.Kind = distributed.Kind(backendConfig)
	default:
		return cfg, errors.Errorf("invalid %s configuration %q: it can only select the kind, %q or %q",
			ModelName, backendConfig, distributed.KindGloo, distributed.KindNCCL)
	}
	if !group.EnvIsSet("RANK", "WORLD_SIZE") {
		return cfg, errors.New("$RANK and $WORLD_SIZE must be set to use the native distributed backend")
	}
	var err error
	if cfg.Rank, err = group.EnvInt("RANK", 0); err != nil {
		return cfg, err
	}
	if cfg.WorldSize, err = group.EnvInt("WORLD_SIZE", 1); err != nil {
		return cfg, err
	}
	if cfg.NProcPerNode, err = group.EnvInt("LOCAL_WORLD_SIZE", cfg.WorldSize); err != nil {
		return cfg, err
	}
	if cfg.NProcPerNode <= 0 {
		return cfg, errors.Errorf("invalid $LOCAL_WORLD_SIZE=%d", cfg.NProcPerNode)
	}
	if cfg.LocalRank, err = group.EnvInt("LOCAL_RANK", cfg.Rank%cfg.NProcPerNode); err != nil {
		return cfg, err
	}
	port, err := group.EnvInt("MASTER_PORT", DefaultMasterPort)
	if err != nil {
		return cfg, err
	}
	cfg.InitMethod = group.EnvString(InitMethodEnv,
		fmt.Sprintf("tcp://%s:%d", group.EnvString("MASTER_ADDR", "127.0.0.1"), port))
	return cfg, nil
}

// FromEnv creates the backend configured by the environment, see ConfigFromEnv.
func FromEnv(backendConfig string) (*Backend, error) {
	cfg, err := ConfigFromEnv(backendConfig)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}
