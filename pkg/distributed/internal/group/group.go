// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package group implements the parts shared by the backends built on a transport (native, horovod and xla):
// topology derivation, environment parsing and the sequencing of collectives into transport rounds.
package group

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/gomlx/distcomm/pkg/distributed/transport"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// JobIDEnv holds the identifier shared by all ranks of a job.
const JobIDEnv = distributed.JobIDEnv

// DefaultJobID is used if $GOMLX_DIST_JOB_ID is not set.
const DefaultJobID = "gomlx"

// Config of a group, common to all backends.
type Config struct {
	// Rank, LocalRank, WorldSize and NProcPerNode (the local world size) of this process.
	// The number of nodes and the node rank are derived from them.
	Rank, LocalRank, WorldSize, NProcPerNode int

	// InitMethod is the URL of the transport, e.g. "tcp://10.0.0.1:29500" or "inproc://test".
	InitMethod string

	// JobID shared by all ranks. If empty, $GOMLX_DIST_JOB_ID or DefaultJobID is used.
	JobID string

	// Device where collective buffers are placed. If zero, DefaultDevice(LocalRank) is used.
	Device devices.Device

	// RendezvousTimeout is the time to wait for the coordinator. If 0, transport.DefaultRendezvousTimeout.
	RendezvousTimeout time.Duration
}

// DefaultDevice returns the accelerator of the local rank if accelerators are visible, otherwise the host.
func DefaultDevice(localRank int) devices.Device {
	if devices.NumAccelerators() > 0 {
		return devices.Accelerator(localRank)
	}
	return devices.Host()
}

// NewTopology derives the topology from the configuration, and validates it.
func NewTopology(cfg Config, kind distributed.Kind) (distributed.Topology, error) {
	if cfg.NProcPerNode <= 0 {
		return distributed.Topology{}, errors.Errorf("invalid number of processes per node %d", cfg.NProcPerNode)
	}
	if cfg.WorldSize%cfg.NProcPerNode != 0 {
		return distributed.Topology{}, errors.Errorf("world size %d is not a multiple of the number of processes per node %d",
			cfg.WorldSize, cfg.NProcPerNode)
	}
	device := cfg.Device
	if device.IsZero() {
		device = DefaultDevice(cfg.LocalRank)
	}
	topology := distributed.Topology{
		Rank:         cfg.Rank,
		WorldSize:    cfg.WorldSize,
		LocalRank:    cfg.LocalRank,
		NodeRank:     cfg.Rank / cfg.NProcPerNode,
		NNodes:       cfg.WorldSize / cfg.NProcPerNode,
		NProcPerNode: cfg.NProcPerNode,
		Device:       device,
		Kind:         kind,
		InitMethod:   cfg.InitMethod,
	}
	if err := topology.Validate(); err != nil {
		return distributed.Topology{}, err
	}
	peers, err := topology.NodePeers()
	if err != nil {
		return distributed.Topology{}, err
	}
	if peers[topology.LocalRank] != topology.Rank {
		return distributed.Topology{}, errors.Errorf("invalid topology %s: local rank %d doesn't match rank %d, the node runs ranks %v",
			topology, topology.LocalRank, topology.Rank, peers)
	}
	return topology, nil
}

// Group executes the collectives of one rank as rounds of a transport.
// Collectives of a Group are serialized: concurrent calls are executed one at a time.
type Group struct {
	name      string
	topology  distributed.Topology
	jobID     string
	transport transport.Transport

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// Open the transport described by cfg.InitMethod and returns the group of this rank.
func Open(ctx context.Context, name string, kind distributed.Kind, cfg Config) (*Group, error) {
	topology, err := NewTopology(cfg, kind)
	if err != nil {
		return nil, err
	}
	jobID := cfg.JobID
	if jobID == "" {
		jobID = EnvString(JobIDEnv, DefaultJobID)
	}
	klog.V(1).Infof("distributed: %s joining group at %q: %s", name, cfg.InitMethod, topology)
	tr, err := transport.Open(ctx, cfg.InitMethod, transport.Config{
		Rank:              cfg.Rank,
		WorldSize:         cfg.WorldSize,
		JobID:             jobID,
		RendezvousTimeout: cfg.RendezvousTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Group{name: name, topology: topology, jobID: jobID, transport: tr}, nil
}

// Name implements distributed.Backend.
func (g *Group) Name() string { return g.name }

// Topology implements distributed.Backend.
func (g *Group) Topology() distributed.Topology { return g.topology }

// Run one collective round. The payload t may be nil (barriers), in which case the result is nil.
func (g *Group) Run(kind transport.OpKind, op distributed.ReduceOp, src int, t *tensors.Tensor) (*tensors.Tensor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, errors.Wrapf(transport.ErrClosed, "%s group was finalized", g.name)
	}
	req := &transport.Request{
		JobID: g.jobID,
		Rank:  g.topology.Rank,
		Seq:   g.seq,
		Kind:  kind,
		Op:    op,
		Src:   src,
	}
	g.seq++
	if t != nil {
		req.SetTensor(t)
	}
	response, err := g.transport.Collective(context.Background(), req)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s round #%d (%s) on rank %d", g.name, req.Seq, kind, g.topology.Rank)
	}
	if t == nil {
		return nil, nil
	}
	result, err := response.Tensor()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s round #%d (%s): invalid response", g.name, req.Seq, kind)
	}
	return result.To(g.topology.Device), nil
}

// AllReduce implements distributed.Backend.
func (g *Group) AllReduce(t *tensors.Tensor, op distributed.ReduceOp) (*tensors.Tensor, error) {
	return g.Run(transport.OpAllReduce, op, 0, t)
}

// AllGather implements distributed.Backend.
func (g *Group) AllGather(t *tensors.Tensor) (*tensors.Tensor, error) {
	if t.IsScalar() {
		var err error
		if t, err = t.Reshape(1); err != nil {
			return nil, err
		}
	}
	return g.Run(transport.OpAllGather, distributed.ReduceSum, 0, t)
}

// Broadcast implements distributed.Backend.
func (g *Group) Broadcast(t *tensors.Tensor, src int) (*tensors.Tensor, error) {
	return g.Run(transport.OpBroadcast, distributed.ReduceSum, src, t)
}

// Barrier implements distributed.Backend.
func (g *Group) Barrier() error {
	_, err := g.Run(transport.OpBarrier, distributed.ReduceSum, 0, nil)
	return err
}

// Finalize implements distributed.Backend: it waits for all ranks, and closes the transport.
func (g *Group) Finalize() error {
	barrierErr := g.Barrier()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	closeErr := g.transport.Close()
	if barrierErr != nil {
		return errors.WithMessage(barrierErr, "finalize")
	}
	return errors.WithMessage(closeErr, "finalize")
}

// EnvString returns the value of the environment variable, or defaultValue if not set or empty.
func EnvString(name, defaultValue string) string {
	if value, found := os.LookupEnv(name); found && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

// EnvInt parses the environment variable as an int, returning defaultValue if it is not set.
func EnvInt(name string, defaultValue int) (int, error) {
	value, found := os.LookupEnv(name)
	if !found || strings.TrimSpace(value) == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid value for $%s=%q", name, value)
	}
	return n, nil
}

// EnvIsSet returns whether all the environment variables are set.
func EnvIsSet(names ...string) bool {
	for _, name := range names {
		if _, found := os.LookupEnv(name); !found {
			return false
		}
	}
	return true
}
