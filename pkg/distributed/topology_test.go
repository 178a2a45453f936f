package distributed

import (
	"testing"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopology(t *testing.T) {
	t.Run("Serial", func(t *testing.T) {
		topology := SerialTopology(devices.Host())
		require.NoError(t, topology.Validate())
		assert.Equal(t, 1, topology.WorldSize)
		assert.Equal(t, "none", topology.Kind.String())
		assert.Contains(t, topology.String(), "rank 0/1")
	})

	t.Run("Validate", func(t *testing.T) {
		valid := Topology{Rank: 5, WorldSize: 8, LocalRank: 1, NodeRank: 1, NNodes: 2, NProcPerNode: 4,
			Device: devices.Host(), Kind: KindGloo}
		require.NoError(t, valid.Validate())

		tests := []struct {
			name   string
			modify func(*Topology)
		}{
			{"zero world size", func(t *Topology) { t.WorldSize = 0 }},
			{"world size != nnodes*nproc", func(t *Topology) { t.NNodes = 3 }},
			{"rank too large", func(t *Topology) { t.Rank = 8 }},
			{"negative rank", func(t *Topology) { t.Rank = -1 }},
			{"local rank too large", func(t *Topology) { t.LocalRank = 4 }},
			{"node rank too large", func(t *Topology) { t.NodeRank = 2 }},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				topology := valid
				tc.modify(&topology)
				require.Error(t, topology.Validate())
			})
		}
	})

	t.Run("NodePeers", func(t *testing.T) {
		topology := Topology{Rank: 5, WorldSize: 8, LocalRank: 1, NodeRank: 1, NNodes: 2, NProcPerNode: 4}
		peers, err := topology.NodePeers()
		require.NoError(t, err)
		assert.Equal(t, []int{4, 5, 6, 7}, peers)
	})
}

func TestRankMesh(t *testing.T) {
	mesh, err := NewRankMesh([]int{2, 2}, []string{NodeAxis, ProcAxis})
	require.NoError(t, err)
	assert.Equal(t, 4, mesh.NumRanks())
	assert.Equal(t, "RankMesh(axesSizes={node: 2, proc: 2})", mesh.String())

	size, err := mesh.AxisSize(ProcAxis)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
	_, err = mesh.AxisSize("model")
	require.Error(t, err)

	groups, err := mesh.ComputeReplicaGroups([]string{NodeAxis})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)

	groups, err = mesh.ComputeReplicaGroups([]string{ProcAxis})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)

	groups, err = mesh.ComputeReplicaGroups([]string{NodeAxis, ProcAxis})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)

	_, err = mesh.ComputeReplicaGroups([]string{ProcAxis, ProcAxis})
	require.Error(t, err)

	_, err = NewRankMesh([]int{2}, []string{"a", "b"})
	require.Error(t, err)
	_, err = NewRankMesh([]int{0}, []string{"a"})
	require.Error(t, err)
	_, err = NewRankMesh([]int{2, 2}, []string{"a", "a"})
	require.Error(t, err)
}
