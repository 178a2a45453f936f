package native_test

import (
	"os"
	"testing"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/gomlx/distcomm/pkg/distributed/distributedtest"
	"github.com/gomlx/distcomm/pkg/distributed/native"
	"github.com/gomlx/distcomm/pkg/distributed/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func factory(kind distributed.Kind) distributedtest.Factory {
	return func(cfg distributedtest.RankConfig) (distributed.Backend, error) {
		b, err := native.New(native.Config{Config: cfg.GroupConfig(), Kind: kind})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

func TestConformanceGloo(t *testing.T) {
	distributedtest.RunConformance(t, factory(distributed.KindGloo), distributedtest.Expectations{
		ModelName: native.ModelName,
		Kind:      distributed.KindGloo,
		Device:    func(distributedtest.RankConfig) devices.Device { return devices.Host() },
	})
}

func TestConformanceNCCL(t *testing.T) {
	distributedtest.RunConformance(t, factory(distributed.KindNCCL), distributedtest.Expectations{
		ModelName: native.ModelName,
		Kind:      distributed.KindNCCL,
		Device: func(cfg distributedtest.RankConfig) devices.Device {
			return devices.Accelerator(cfg.LocalRank)
		},
	})
}

func TestNew(t *testing.T) {
	t.Run("DefaultKind", func(t *testing.T) {
		t.Setenv(devices.AcceleratorsEnv, "2")
		err := distributedtest.RunRanks(2, 2, factory(distributed.KindNone), func(c *distributed.Comm) error {
			topology := c.Backend().Topology()
			assert.Equal(t, distributed.KindNCCL, topology.Kind)
			assert.Equal(t, devices.Accelerator(topology.LocalRank), topology.Device)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("InvalidKind", func(t *testing.T) {
		_, err := native.New(native.Config{Kind: distributed.KindHorovod})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "doesn't support kind")
	})

	t.Run("InvalidTopology", func(t *testing.T) {
		cfg := native.Config{Kind: distributed.KindGloo}
		cfg.Rank, cfg.WorldSize, cfg.NProcPerNode = 2, 2, 1
		cfg.InitMethod = "inproc://" + uuid.NewString()
		_, err := native.New(cfg)
		require.Error(t, err)
	})

	t.Run("UnknownScheme", func(t *testing.T) {
		cfg := native.Config{Kind: distributed.KindGloo}
		cfg.WorldSize, cfg.NProcPerNode = 1, 1
		cfg.InitMethod = "mpi://localhost:1234"
		_, err := native.New(cfg)
		require.Error(t, err)
	})
}

func unsetEnv(t *testing.T, names ...string) {
	for _, name := range names {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
}

func TestConfigFromEnv(t *testing.T) {
	unsetEnv(t, "RANK", "WORLD_SIZE", "LOCAL_RANK", "LOCAL_WORLD_SIZE", "MASTER_ADDR", "MASTER_PORT", native.InitMethodEnv)
	_, err := native.ConfigFromEnv("")
	require.Error(t, err)

	t.Setenv("RANK", "3")
	t.Setenv("WORLD_SIZE", "4")
	t.Setenv("LOCAL_WORLD_SIZE", "2")
	t.Setenv("MASTER_ADDR", "10.0.0.1")
	t.Setenv("MASTER_PORT", "1234")
	cfg, err := native.ConfigFromEnv("gloo")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Rank)
	assert.Equal(t, 1, cfg.LocalRank)
	assert.Equal(t, 4, cfg.WorldSize)
	assert.Equal(t, 2, cfg.NProcPerNode)
	assert.Equal(t, "tcp://10.0.0.1:1234", cfg.InitMethod)
	assert.Equal(t, distributed.KindGloo, cfg.Kind)

	t.Setenv(native.InitMethodEnv, "http://10.0.0.2:8080")
	cfg, err = native.ConfigFromEnv("")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:8080", cfg.InitMethod)
	assert.Equal(t, distributed.KindNone, cfg.Kind)

	_, err = native.ConfigFromEnv("mpi")
	require.Error(t, err)

	t.Setenv("LOCAL_WORLD_SIZE", "0")
	_, err = native.ConfigFromEnv("")
	require.Error(t, err)

	t.Setenv("LOCAL_WORLD_SIZE", "2")
	t.Setenv("RANK", "three")
	_, err = native.ConfigFromEnv("")
	require.Error(t, err)
}

func TestSync(t *testing.T) {
	unsetEnv(t, distributed.DistEnv, "LOCAL_RANK", "LOCAL_WORLD_SIZE")
	t.Setenv(devices.AcceleratorsEnv, "0")
	t.Setenv("RANK", "0")
	t.Setenv("WORLD_SIZE", "1")
	t.Setenv(native.InitMethodEnv, transport.LocalScheme+"://"+uuid.NewString())
	t.Cleanup(func() { distributed.SetCurrent(nil) })

	require.NoError(t, distributed.Sync())
	b := distributed.Current()
	assert.Equal(t, native.ModelName, distributed.ModelName())
	assert.Equal(t, distributed.KindGloo, distributed.BackendKind())
	assert.Equal(t, 1, distributed.WorldSize())

	// Sync keeps the live group.
	require.NoError(t, distributed.Sync())
	assert.Same(t, b, distributed.Current())

	sum, err := distributed.AllReduce(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2), distributed.ReduceSum)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, tensors.CopyFlatData[float32](sum.(*tensors.Tensor)))

	require.NoError(t, distributed.Finalize())
	assert.Equal(t, distributed.SerialName, distributed.ModelName())

	// A finalized group fails collectives with transport.ErrClosed.
	_, err = b.AllReduce(tensors.FromScalar(int32(1)), distributed.ReduceSum)
	require.ErrorIs(t, err, transport.ErrClosed)
}
