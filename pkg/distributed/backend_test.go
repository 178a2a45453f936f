package distributed

import (
	"testing"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeName = "fake-test"

var (
	fakeDetected bool
	fakeConfigs  []string
)

type fakeBackend struct {
	*mirrorBackend
	finalized bool
}

func (f *fakeBackend) Name() string { return "fake-dist" }

func (f *fakeBackend) Finalize() error {
	f.finalized = true
	return nil
}

func init() {
	Register(fakeName, Registration{
		ModelName: "fake-dist",
		Detect:    func() bool { return fakeDetected },
		New: func(config string) (Backend, error) {
			fakeConfigs = append(fakeConfigs, config)
			return &fakeBackend{mirrorBackend: newMirrorBackend(2)}, nil
		},
	})
}

func resetRegistryTest(t *testing.T) {
	fakeDetected = false
	fakeConfigs = nil
	t.Cleanup(func() {
		fakeDetected = false
		SetCurrent(nil)
	})
}

func TestSerialAccessors(t *testing.T) {
	resetRegistryTest(t)
	t.Setenv(devices.AcceleratorsEnv, "0")
	SetCurrent(nil)
	assert.Equal(t, 0, Rank())
	assert.Equal(t, 1, WorldSize())
	assert.Equal(t, 0, LocalRank())
	assert.Equal(t, 0, NodeRank())
	assert.Equal(t, 1, NNodes())
	assert.Equal(t, 1, NProcPerNode())
	assert.Equal(t, devices.Host(), Device())
	assert.Equal(t, KindNone, BackendKind())
	assert.Equal(t, SerialName, ModelName())
	assert.NotEmpty(t, Hostname())
	ShowConfig()

	t.Setenv(devices.AcceleratorsEnv, "2")
	assert.Equal(t, devices.Accelerator(0), NewSerial().Topology().Device)
}

func TestRegistry(t *testing.T) {
	resetRegistryTest(t)
	assert.Contains(t, AvailableBackends(), SerialName)
	assert.Contains(t, AvailableBackends(), fakeName)

	t.Run("SyncFromEnv", func(t *testing.T) {
		t.Setenv(DistEnv, fakeName+":some-config")
		require.NoError(t, Sync())
		b := Current()
		assert.Equal(t, "fake-dist", b.Name())
		assert.Equal(t, 2, WorldSize())
		assert.Equal(t, []string{"some-config"}, fakeConfigs)

		// A live backend of the same model is kept.
		require.NoError(t, Sync())
		assert.Same(t, b, Current())
		assert.Len(t, fakeConfigs, 1)

		require.NoError(t, Finalize())
		assert.True(t, b.(*fakeBackend).finalized)
		assert.Equal(t, SerialName, ModelName())
	})

	t.Run("SyncDetect", func(t *testing.T) {
		t.Setenv(DistEnv, "")
		require.NoError(t, Sync())
		assert.Equal(t, SerialName, ModelName())

		fakeDetected = true
		require.NoError(t, Sync())
		assert.Equal(t, "fake-dist", ModelName())

		fakeDetected = false
		require.NoError(t, Sync())
		assert.Equal(t, SerialName, ModelName())
	})

	t.Run("Initialize", func(t *testing.T) {
		require.NoError(t, Initialize(fakeName))
		assert.Equal(t, "fake-dist", ModelName())
		require.NoError(t, Initialize(SerialName))
		assert.Equal(t, SerialName, ModelName())

		err := Initialize("unknown-backend")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not registered")
	})

	t.Run("PackageCollectives", func(t *testing.T) {
		require.NoError(t, Initialize(fakeName))
		result, err := AllReduce(3, ReduceSum)
		require.NoError(t, err)
		assert.Equal(t, 6, result)
		result, err = AllGather("ab")
		require.NoError(t, err)
		assert.Equal(t, []string{"ab", "ab"}, result)
		result, err = Broadcast(1.5, 1)
		require.NoError(t, err)
		assert.Equal(t, 1.5, result)
		require.NoError(t, Barrier())

		calls := 0
		require.NoError(t, OneRankOnly(func() error { calls++; return nil })())
		assert.Equal(t, 1, calls)
	})
}
