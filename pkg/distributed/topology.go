// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/pkg/errors"
)

// Kind identifies the communication backend (library) used by a group.
type Kind string

const (
	// KindNone is the backend kind of the Serial (non-distributed) backend.
	KindNone Kind = ""

	// KindGloo is the native group on CPUs.
	KindGloo Kind = "gloo"

	// KindNCCL is the native group on accelerators.
	KindNCCL Kind = "nccl"

	// KindHorovod is the gradient-averaging group.
	KindHorovod Kind = "horovod"

	// KindXLATPU is the accelerator pod group.
	KindXLATPU Kind = "xla-tpu"
)

// String implements fmt.Stringer. KindNone is printed as "none".
func (k Kind) String() string {
	if k == KindNone {
		return "none"
	}
	return string(k)
}

// Topology of one rank within its group. It is built once, when a backend is created, and never
// changes.
type Topology struct {
	// Rank is the global rank of this process, in [0, WorldSize).
	Rank int

	// WorldSize is the total number of ranks.
	WorldSize int

	// LocalRank is the rank of this process within its node, in [0, NProcPerNode).
	LocalRank int

	// NodeRank is the index of the node (machine) of this process, in [0, NNodes).
	NodeRank int

	// NNodes is the number of nodes.
	NNodes int

	// NProcPerNode is the number of ranks per node.
	NProcPerNode int

	// Device where collective buffers of this rank are placed.
	Device devices.Device

	// Kind of the communication backend.
	Kind Kind

	// InitMethod is the rendezvous URL used to build the group, if any.
	InitMethod string
}

// SerialTopology returns the topology of a single process, placed on the given device.
func SerialTopology(device devices.Device) Topology {
	return Topology{
		WorldSize:    1,
		NNodes:       1,
		NProcPerNode: 1,
		Device:       device,
		Kind:         KindNone,
	}
}

// Validate checks the invariants of the topology.
func (t Topology) Validate() error {
	if t.WorldSize <= 0 || t.NNodes <= 0 || t.NProcPerNode <= 0 {
		return errors.Errorf("invalid topology %s: world size, number of nodes and processes per node must be positive", t)
	}
	if t.Rank < 0 || t.LocalRank < 0 || t.NodeRank < 0 {
		return errors.Errorf("invalid topology %s: ranks cannot be negative", t)
	}
	if t.WorldSize != t.NNodes*t.NProcPerNode {
		return errors.Errorf("invalid topology %s: world size (%d) != nnodes (%d) * nproc_per_node (%d)",
			t, t.WorldSize, t.NNodes, t.NProcPerNode)
	}
	if t.Rank >= t.WorldSize {
		return errors.Errorf("invalid topology %s: rank %d >= world size %d", t, t.Rank, t.WorldSize)
	}
	if t.LocalRank >= t.NProcPerNode {
		return errors.Errorf("invalid topology %s: local rank %d >= nproc_per_node %d", t, t.LocalRank, t.NProcPerNode)
	}
	if t.NodeRank >= t.NNodes {
		return errors.Errorf("invalid topology %s: node rank %d >= nnodes %d", t, t.NodeRank, t.NNodes)
	}
	return nil
}

// String implements fmt.Stringer.
func (t Topology) String() string {
	return fmt.Sprintf("rank %d/%d (node %d/%d, local %d/%d) on %s, backend %s",
		t.Rank, t.WorldSize, t.NodeRank, t.NNodes, t.LocalRank, t.NProcPerNode, t.Device, t.Kind)
}

// Mesh returns the ranks organized in a 2D mesh with axes "node" and "proc".
func (t Topology) Mesh() (*RankMesh, error) {
	return NewRankMesh([]int{t.NNodes, t.NProcPerNode}, []string{NodeAxis, ProcAxis})
}

// NodePeers returns the global ranks that share the node of this rank, this one included.
func (t Topology) NodePeers() ([]int, error) {
	mesh, err := t.Mesh()
	if err != nil {
		return nil, err
	}
	if mesh.NumRanks() != t.WorldSize {
		return nil, errors.Errorf("mesh %s doesn't hold the %d ranks of the group", mesh, t.WorldSize)
	}
	groups, err := mesh.ComputeReplicaGroups([]string{ProcAxis})
	if err != nil {
		return nil, err
	}
	if t.NodeRank >= len(groups) {
		return nil, errors.Errorf("node rank %d not in mesh %s", t.NodeRank, mesh)
	}
	return groups[t.NodeRank], nil
}
