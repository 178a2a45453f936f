package xla_test

import (
	"math"
	"os"
	"testing"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/gomlx/distcomm/pkg/distributed/distributedtest"
	"github.com/gomlx/distcomm/pkg/distributed/native"
	"github.com/gomlx/distcomm/pkg/distributed/xla"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newXLA(cfg distributedtest.RankConfig) (distributed.Backend, error) {
	b, err := xla.New(xla.Config{Config: cfg.GroupConfig()})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func TestConformance(t *testing.T) {
	distributedtest.RunConformance(t, newXLA, distributedtest.Expectations{
		ModelName: xla.ModelName,
		Kind:      distributed.KindXLATPU,
		Device:    func(distributedtest.RankConfig) devices.Device { return devices.Pod() },
	})
}

func TestBool(t *testing.T) {
	err := distributedtest.RunRanks(3, 3, newXLA, func(c *distributed.Comm) error {
		rank := c.Backend().Topology().Rank
		flags := tensors.FromFlatDataAndDimensions([]bool{rank == 1, true}, 2)
		gathered, err := c.AllGatherTensor(flags)
		if err != nil {
			return err
		}
		assert.Equal(t, []bool{false, true, true, true, false, true}, tensors.CopyFlatData[bool](gathered))
		assert.Equal(t, flags.Device(), gathered.Device())

		broadcast, err := c.BroadcastTensor(flags, 1)
		if err != nil {
			return err
		}
		assert.Equal(t, []bool{true, true}, tensors.CopyFlatData[bool](broadcast))
		return nil
	})
	require.NoError(t, err)
}

func TestBitExact(t *testing.T) {
	negativeZero := math.Float32frombits(0x80000000)
	nanWithPayload := math.Float32frombits(0x7fc00123)
	err := distributedtest.RunRanks(3, 3, newXLA, func(c *distributed.Comm) error {
		rank := c.Backend().Topology().Rank
		x := tensors.FromFlatDataAndDimensions([]float32{negativeZero, nanWithPayload, float32(rank)}, 3)
		for src := range 3 {
			broadcast, err := c.BroadcastTensor(x, src)
			if err != nil {
				return err
			}
			got := tensors.CopyFlatData[float32](broadcast)
			assert.Equal(t, uint32(0x80000000), math.Float32bits(got[0]), "src=%d", src)
			assert.Equal(t, uint32(0x7fc00123), math.Float32bits(got[1]), "src=%d", src)
			assert.Equal(t, float32(src), got[2], "src=%d", src)
		}

		gathered, err := c.AllGatherTensor(tensors.FromScalar(-float64(rank)))
		if err != nil {
			return err
		}
		assert.Equal(t, []int{3}, gathered.Shape().Dimensions)
		for r, v := range tensors.CopyFlatData[float64](gathered) {
			assert.Equal(t, math.Float64bits(-float64(r)), math.Float64bits(v), "rank %d", r)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestBuffersOnPod(t *testing.T) {
	err := distributedtest.RunRanks(2, 2, newXLA, func(c *distributed.Comm) error {
		b := c.Backend()
		x := tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2)
		reduced, err := b.AllReduce(x, distributed.ReduceSum)
		if err != nil {
			return err
		}
		assert.True(t, reduced.Device().IsPod())
		assert.Equal(t, []float64{2, 4}, tensors.CopyFlatData[float64](reduced))

		// The facade places results back on the input device.
		reduced, err = c.AllReduceTensor(x, distributed.ReduceSum)
		if err != nil {
			return err
		}
		assert.Equal(t, devices.Host(), reduced.Device())
		return nil
	})
	require.NoError(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	for _, name := range []string{"XRT_SHARD_ORDINAL", "XRT_SHARD_WORLD_SIZE", "XRT_SHARD_LOCAL_ORDINAL",
		"XRT_LOCAL_WORLD_SIZE", "XRT_POD_COORDINATOR", native.InitMethodEnv} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
	_, err := xla.ConfigFromEnv()
	require.Error(t, err)

	t.Setenv("XRT_SHARD_ORDINAL", "2")
	t.Setenv("XRT_SHARD_WORLD_SIZE", "4")
	cfg, err := xla.ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Rank)
	assert.Equal(t, 2, cfg.LocalRank)
	assert.Equal(t, 4, cfg.NProcPerNode)
	assert.Equal(t, "tcp://"+xla.DefaultCoordinator, cfg.InitMethod)

	t.Setenv("XRT_POD_COORDINATOR", "pod-0:9000")
	cfg, err = xla.ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "tcp://pod-0:9000", cfg.InitMethod)
}
