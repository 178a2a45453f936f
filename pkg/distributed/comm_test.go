package distributed

import (
	"slices"
	"testing"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mirrorBackend simulates a group where every rank contributes the same values as this one.
type mirrorBackend struct {
	topology   Topology
	barriers   int
	lastDevice devices.Device
}

var _ Backend = (*mirrorBackend)(nil)

func newMirrorBackend(worldSize int) *mirrorBackend {
	return &mirrorBackend{topology: Topology{
		WorldSize:    worldSize,
		NNodes:       1,
		NProcPerNode: worldSize,
		Device:       devices.Accelerator(0),
		Kind:         KindNCCL,
	}}
}

func (m *mirrorBackend) Name() string       { return "mirror" }
func (m *mirrorBackend) Topology() Topology { return m.topology }

func (m *mirrorBackend) AllReduce(t *tensors.Tensor, op ReduceOp) (*tensors.Tensor, error) {
	m.lastDevice = t.Device()
	return Reduce(op, slices.Repeat([]*tensors.Tensor{t}, m.topology.WorldSize)...)
}

func (m *mirrorBackend) AllGather(t *tensors.Tensor) (*tensors.Tensor, error) {
	m.lastDevice = t.Device()
	return tensors.Concatenate(slices.Repeat([]*tensors.Tensor{t}, m.topology.WorldSize)...)
}

func (m *mirrorBackend) Broadcast(t *tensors.Tensor, _ int) (*tensors.Tensor, error) {
	m.lastDevice = t.Device()
	return t.Clone(), nil
}

func (m *mirrorBackend) Barrier() error {
	m.barriers++
	return nil
}

func (m *mirrorBackend) Finalize() error { return nil }

func TestCommSerial(t *testing.T) {
	t.Setenv(devices.AcceleratorsEnv, "0")
	c := NewComm(NewSerial())

	result, err := c.AllReduce(10, ReduceSum)
	require.NoError(t, err)
	assert.Equal(t, 10, result)

	result, err = c.AllReduce(float32(2.5), ReduceMax)
	require.NoError(t, err)
	assert.Equal(t, float32(2.5), result)

	x := tensors.FromFlatDataAndDimensions([]float64{1.2345, 2.3456}, 2)
	result, err = c.AllReduce(x, ReduceProduct)
	require.NoError(t, err)
	assert.True(t, x.Equal(result.(*tensors.Tensor)))

	result, err = c.AllGather(3)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, result)

	result, err = c.AllGather("abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, result)

	result, err = c.Broadcast("hello", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", result)

	require.NoError(t, c.Barrier())
}

func TestCommUsageErrors(t *testing.T) {
	c := NewComm(NewSerial())

	_, err := c.AllReduce("abc", ReduceSum)
	require.ErrorIs(t, err, ErrUnsupportedType)
	assert.Contains(t, err.Error(), "Unhandled input type")

	_, err = c.AllReduce(struct{}{}, ReduceSum)
	require.ErrorIs(t, err, ErrUnsupportedType)
	_, err = c.AllGather([]int{1, 2})
	require.ErrorIs(t, err, ErrUnsupportedType)
	_, err = c.Broadcast(true, 0)
	require.ErrorIs(t, err, ErrUnsupportedType)
	_, err = c.AllGatherTensor(nil)
	require.ErrorIs(t, err, ErrUnsupportedType)

	_, err = c.AllReduce(10, ReduceOp(42))
	require.ErrorIs(t, err, ErrUnsupportedOp)
	_, err = c.AllReduce(complex64(1), ReduceMin)
	require.ErrorIs(t, err, ErrUnsupportedOp)

	_, err = c.Broadcast(1, 1)
	require.ErrorIs(t, err, ErrInvalidRank)
	_, err = c.Broadcast("text", -1)
	require.ErrorIs(t, err, ErrInvalidRank)
}

func TestCommMirror(t *testing.T) {
	b := newMirrorBackend(3)
	c := NewComm(b)

	sum, err := AllReduceScalar(c, 10, ReduceSum)
	require.NoError(t, err)
	assert.Equal(t, 30, sum)
	assert.Equal(t, devices.Accelerator(0), b.lastDevice)

	product, err := AllReduceScalar(c, uint8(2), ReduceProduct)
	require.NoError(t, err)
	assert.Equal(t, uint8(8), product)

	values, err := AllGatherScalars(c, 1.5)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 1.5, 1.5}, values)

	value, err := BroadcastScalar(c, int16(7), 2)
	require.NoError(t, err)
	assert.Equal(t, int16(7), value)

	t.Run("Tensors", func(t *testing.T) {
		data := make([]int64, 4*25)
		for ii := range data {
			data[ii] = int64(ii)
		}
		x := tensors.FromFlatDataAndDimensions(data, 4, 25)
		gathered, err := c.AllGatherTensor(x)
		require.NoError(t, err)
		assert.Equal(t, []int{12, 25}, gathered.Shape().Dimensions)
		assert.Equal(t, devices.Host(), gathered.Device())

		reduced, err := c.AllReduceTensor(x, ReduceSum)
		require.NoError(t, err)
		assert.Equal(t, int64(3*99), tensors.CopyFlatData[int64](reduced)[99])
		assert.Equal(t, devices.Host(), reduced.Device())

		onDevice := x.To(devices.Accelerator(1))
		broadcast, err := c.BroadcastTensor(onDevice, 1)
		require.NoError(t, err)
		assert.True(t, x.Equal(broadcast))
		assert.Equal(t, devices.Accelerator(1), broadcast.Device())
	})

	t.Run("Text", func(t *testing.T) {
		texts, err := c.AllGather("test-test")
		require.NoError(t, err)
		assert.Equal(t, []string{"test-test", "test-test", "test-test"}, texts)

		text, err := c.BroadcastText("", 0)
		require.NoError(t, err)
		assert.Equal(t, "", text)

		text, err = c.BroadcastText("abc\x00def", 2)
		require.NoError(t, err)
		assert.Equal(t, "abc\x00def", text)
	})
}

func TestCommMetrics(t *testing.T) {
	c := NewComm(newMirrorBackend(2))
	usageErrors := collectiveCallsCounter.WithLabelValues(allReduceLabel, "mirror", statusUsageError)
	okCalls := collectiveCallsCounter.WithLabelValues(allReduceLabel, "mirror", statusOK)
	usageBefore, okBefore := testutil.ToFloat64(usageErrors), testutil.ToFloat64(okCalls)

	_, err := c.AllReduce("abc", ReduceSum)
	require.Error(t, err)
	_, err = c.AllReduce(int32(1), ReduceSum)
	require.NoError(t, err)

	assert.Equal(t, usageBefore+1, testutil.ToFloat64(usageErrors))
	assert.Equal(t, okBefore+1, testutil.ToFloat64(okCalls))
}
