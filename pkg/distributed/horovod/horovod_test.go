package horovod_test

import (
	"os"
	"testing"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/gomlx/distcomm/pkg/distributed/distributedtest"
	"github.com/gomlx/distcomm/pkg/distributed/horovod"
	"github.com/gomlx/distcomm/pkg/distributed/native"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHorovod(cfg distributedtest.RankConfig) (distributed.Backend, error) {
	b, err := horovod.New(horovod.Config{Config: cfg.GroupConfig()})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func TestConformance(t *testing.T) {
	t.Setenv(devices.AcceleratorsEnv, "0")
	distributedtest.RunConformance(t, newHorovod, distributedtest.Expectations{
		ModelName: horovod.ModelName,
		Kind:      distributed.KindHorovod,
		Device:    func(distributedtest.RankConfig) devices.Device { return devices.Host() },
	})
}

func TestGatheredReductions(t *testing.T) {
	t.Setenv(devices.AcceleratorsEnv, "0")
	err := distributedtest.RunRanks(3, 1, newHorovod, func(c *distributed.Comm) error {
		rank := c.Backend().Topology().Rank
		x := tensors.FromFlatDataAndDimensions([]int32{int32(rank), int32(10 - rank)}, 1, 2)
		for _, tc := range []struct {
			op   distributed.ReduceOp
			want []int32
		}{
			{distributed.ReduceMin, []int32{0, 8}},
			{distributed.ReduceSum, []int32{3, 27}},
			{distributed.ReduceMax, []int32{2, 10}},
			{distributed.ReduceProduct, []int32{0, 720}},
		} {
			reduced, err := c.AllReduceTensor(x, tc.op)
			if err != nil {
				return err
			}
			assert.Equal(t, []int{1, 2}, reduced.Shape().Dimensions, "op=%s", tc.op)
			assert.Equal(t, tc.want, tensors.CopyFlatData[int32](reduced), "op=%s", tc.op)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	for _, name := range []string{"HOROVOD_RANK", "HOROVOD_SIZE", "HOROVOD_LOCAL_RANK", "HOROVOD_LOCAL_SIZE",
		"HOROVOD_GLOO_RENDEZVOUS_ADDR", "HOROVOD_GLOO_RENDEZVOUS_PORT", native.InitMethodEnv} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
	_, err := horovod.ConfigFromEnv()
	require.Error(t, err)

	t.Setenv("HOROVOD_RANK", "5")
	t.Setenv("HOROVOD_SIZE", "8")
	t.Setenv("HOROVOD_LOCAL_SIZE", "4")
	t.Setenv("HOROVOD_GLOO_RENDEZVOUS_ADDR", "10.1.2.3")
	cfg, err := horovod.ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Rank)
	assert.Equal(t, 1, cfg.LocalRank)
	assert.Equal(t, 8, cfg.WorldSize)
	assert.Equal(t, 4, cfg.NProcPerNode)
	assert.Equal(t, "http://10.1.2.3:29501", cfg.InitMethod)

	t.Setenv("HOROVOD_GLOO_RENDEZVOUS_PORT", "x")
	_, err = horovod.ConfigFromEnv()
	require.Error(t, err)
}
