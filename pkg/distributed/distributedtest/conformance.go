// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributedtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/core/dtypes"
	"github.com/gomlx/distcomm/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/distcomm/pkg/core/shapes"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// Expectations of a backend checked by RunConformance.
type Expectations struct {
	// ModelName returned by Backend.Name.
	ModelName string

	// Kind of the group.
	Kind distributed.Kind

	// Device expected for the rank.
	Device func(cfg RankConfig) devices.Device
}

// GroupSizes used by RunConformance: {world size, processes per node}.
var GroupSizes = [][2]int{{1, 1}, {3, 3}, {4, 2}}

type rankTest func(t testing.TB, c *distributed.Comm) error

// RunConformance runs the conformance suite on groups created with newBackend, for each of the GroupSizes.
//
// Checks run concurrently on all ranks, so they only use assert, and return an error to stop the group.
func RunConformance(t *testing.T, newBackend Factory, expect Expectations) {
	tests := []struct {
		name string
		fn   rankTest
	}{
		{"AllReduce", testAllReduce},
		{"AllReduceDTypes", testAllReduceDTypes},
		{"AllGather", testAllGather},
		{"AllGatherTextLengths", testAllGatherTextLengths},
		{"Broadcast", testBroadcast},
		{"Barrier", testBarrier},
		{"OneRankOnly", testOneRankOnly},
		{"OneRankOnlyHook", testOneRankOnlyHook},
	}
	for _, size := range GroupSizes {
		worldSize, nprocPerNode := size[0], size[1]
		t.Run(fmt.Sprintf("world=%d,nproc=%d", worldSize, nprocPerNode), func(t *testing.T) {
			t.Run("Config", func(t *testing.T) {
				err := RunRanks(worldSize, nprocPerNode, recordConfig(newBackend), func(c *distributed.Comm) error {
					return checkConfig(t, c, expect)
				})
				require.NoError(t, err)
			})
			for _, test := range tests {
				t.Run(test.name, func(t *testing.T) {
					require.NoError(t, RunRanks(worldSize, nprocPerNode, newBackend, func(c *distributed.Comm) error {
						return test.fn(t, c)
					}))
				})
			}
		})
	}
}

// configuredBackend remembers the RankConfig used to create a backend.
type configuredBackend struct {
	distributed.Backend
	cfg RankConfig
}

func recordConfig(newBackend Factory) Factory {
	return func(cfg RankConfig) (distributed.Backend, error) {
		b, err := newBackend(cfg)
		if err != nil {
			return nil, err
		}
		return &configuredBackend{Backend: b, cfg: cfg}, nil
	}
}

func checkConfig(t testing.TB, c *distributed.Comm, expect Expectations) error {
	b := c.Backend().(*configuredBackend)
	topology := b.Topology()
	assert.Equal(t, expect.ModelName, b.Name())
	assert.Equal(t, expect.Kind, topology.Kind)
	assert.Equal(t, b.cfg.Rank, topology.Rank)
	assert.Equal(t, b.cfg.LocalRank, topology.LocalRank)
	assert.Equal(t, b.cfg.WorldSize, topology.WorldSize)
	assert.Equal(t, b.cfg.NProcPerNode, topology.NProcPerNode)
	assert.Equal(t, b.cfg.InitMethod, topology.InitMethod)
	if expect.Device != nil {
		assert.Equal(t, expect.Device(b.cfg), topology.Device)
	}

	// Invariants of the topology.
	assert.Equal(t, topology.WorldSize, topology.NNodes*topology.NProcPerNode)
	assert.Less(t, topology.LocalRank, topology.NProcPerNode)
	assert.Less(t, topology.Rank, topology.WorldSize)
	assert.Less(t, topology.NodeRank, topology.NNodes)
	mesh, err := topology.Mesh()
	if err != nil {
		return err
	}
	nproc, err := mesh.AxisSize(distributed.ProcAxis)
	if err != nil {
		return err
	}
	assert.Equal(t, topology.NProcPerNode, nproc)
	peers, err := topology.NodePeers()
	if err != nil {
		return err
	}
	assert.Len(t, peers, topology.NProcPerNode)
	assert.Contains(t, peers, topology.Rank)
	return topology.Validate()
}

func arange(n int, scale int64) []int64 {
	values := make([]int64, n)
	for ii := range values {
		values[ii] = int64(ii) * scale
	}
	return values
}

func testAllReduce(t testing.TB, c *distributed.Comm) error {
	topology := c.Backend().Topology()
	rank, worldSize := topology.Rank, topology.WorldSize

	result, err := c.AllReduce(10, distributed.ReduceSum)
	if err != nil {
		return err
	}
	assert.Equal(t, 10*worldSize, result)

	reduced, err := c.AllReduceTensor(tensors.FromScalar(int64(10)), distributed.ReduceSum)
	if err != nil {
		return err
	}
	assert.Equal(t, int64(10*worldSize), tensors.ToScalar[int64](reduced))
	assert.True(t, reduced.IsScalar())

	var wantSum, wantMin, wantMax, wantProduct float32 = 0, 1, float32(2*(worldSize-1) + 1), 1
	for r := range worldSize {
		v := float32(2*r + 1)
		wantSum += v
		wantProduct *= v
	}
	// Collectives are issued in the same order on every rank.
	for _, tc := range []struct {
		op   distributed.ReduceOp
		want float32
	}{
		{distributed.ReduceSum, wantSum},
		{distributed.ReduceMin, wantMin},
		{distributed.ReduceMax, wantMax},
		{distributed.ReduceProduct, wantProduct},
	} {
		got, err := distributed.AllReduceScalar(c, float32(2*rank+1), tc.op)
		if err != nil {
			return err
		}
		assert.Equal(t, tc.want, got, "AllReduce(%s)", tc.op)
	}

	_, err = c.AllReduce("abc", distributed.ReduceSum)
	assert.ErrorIs(t, err, distributed.ErrUnsupportedType)
	assert.ErrorContains(t, err, "Unhandled input type")
	_, err = distributed.ParseReduceOp("ABC")
	assert.ErrorIs(t, err, distributed.ErrUnsupportedOp)
	_, err = c.AllReduce(10, distributed.ReduceOp(99))
	assert.ErrorIs(t, err, distributed.ErrUnsupportedOp)
	assert.ErrorContains(t, err, "Unsupported reduction operation")

	// Results are placed on the device of the input.
	x := tensors.FromFlatDataAndDimensions([]int64{0, 1, 2}, 3)
	reduced, err = c.AllReduceTensor(x, distributed.ReduceSum)
	if err != nil {
		return err
	}
	assert.Equal(t, x.Device(), reduced.Device())
	assert.Equal(t, arange(3, int64(worldSize)), tensors.CopyFlatData[int64](reduced))
	return nil
}

func testAllReduceDTypes(t testing.TB, c *distributed.Comm) error {
	worldSize := c.Backend().Topology().WorldSize
	ones := []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions([]int8{1, 1}, 2),
		tensors.FromFlatDataAndDimensions([]uint16{1, 1}, 2),
		tensors.FromFlatDataAndDimensions([]float64{1, 1}, 2),
		tensors.FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(1)}, 2),
		tensors.FromFlatDataAndDimensions([]bfloat16.BFloat16{bfloat16.FromFloat32(1), bfloat16.FromFloat32(1)}, 2),
		tensors.FromFlatDataAndDimensions([]complex64{1, 1}, 2),
	}
	for _, x := range ones {
		reduced, err := c.AllReduceTensor(x, distributed.ReduceSum)
		if err != nil {
			return err
		}
		assert.Equal(t, x.Shape(), reduced.Shape())
		var first float64
		reduced.ConstFlatData(func(flat any) {
			switch values := flat.(type) {
			case []int8:
				first = float64(values[0])
			case []uint16:
				first = float64(values[0])
			case []float64:
				first = values[0]
			case []float16.Float16:
				first = float64(values[0].Float32())
			case []bfloat16.BFloat16:
				first = float64(values[0].Float32())
			case []complex64:
				first = float64(real(values[0]))
			}
		})
		assert.Equal(t, float64(worldSize), first, "dtype %s", x.DType())
	}

	// Booleans can be gathered, not reduced.
	flags := tensors.FromFlatDataAndDimensions([]bool{true, false}, 2)
	_, err := c.AllReduceTensor(flags, distributed.ReduceSum)
	assert.ErrorIs(t, err, distributed.ErrUnsupportedOp)
	gathered, err := c.AllGatherTensor(flags)
	if err != nil {
		return err
	}
	want := make([]bool, 0, 2*worldSize)
	for range worldSize {
		want = append(want, true, false)
	}
	assert.Equal(t, want, tensors.CopyFlatData[bool](gathered))
	return nil
}

func testAllGather(t testing.TB, c *distributed.Comm) error {
	topology := c.Backend().Topology()
	rank, worldSize := topology.Rank, topology.WorldSize

	values, err := distributed.AllGatherScalars(c, 10)
	if err != nil {
		return err
	}
	want := make([]int, worldSize)
	for ii := range want {
		want[ii] = 10
	}
	assert.Equal(t, want, values)

	gathered, err := c.AllGatherTensor(tensors.FromScalar(int64(rank)))
	if err != nil {
		return err
	}
	assert.Equal(t, []int{worldSize}, gathered.Shape().Dimensions)
	assert.Equal(t, arange(worldSize, 1), tensors.CopyFlatData[int64](gathered))

	text := "test-test"
	if rank == 0 {
		text = "abc"
	}
	texts, err := c.AllGather(text)
	if err != nil {
		return err
	}
	wantTexts := []string{"abc"}
	for range worldSize - 1 {
		wantTexts = append(wantTexts, "test-test")
	}
	assert.Equal(t, wantTexts, texts)

	baseText := strings.Repeat("pkg/distributed/distributedtest/conformance.go", 2000)
	text = baseText
	if rank == 0 {
		text = "abc"
	}
	texts, err = c.AllGather(text)
	if err != nil {
		return err
	}
	wantTexts = []string{"abc"}
	for range worldSize - 1 {
		wantTexts = append(wantTexts, baseText)
	}
	assert.Equal(t, wantTexts, texts)

	x := tensors.FromFlatDataAndDimensions(arange(100, int64(rank+1)), 4, 25)
	gathered, err = c.AllGatherTensor(x)
	if err != nil {
		return err
	}
	assert.True(t, gathered.Shape().Equal(shapes.Make(x.DType(), 4*worldSize, 25)), "got shape %s", gathered.Shape())
	var wantValues []int64
	for r := range worldSize {
		wantValues = append(wantValues, arange(100, int64(r+1))...)
	}
	assert.Equal(t, wantValues, tensors.CopyFlatData[int64](gathered))

	_, err = c.AllGather([]int{0, 1, 2})
	assert.ErrorIs(t, err, distributed.ErrUnsupportedType)
	_, err = c.AllReduce([]int{0, 1, 2}, distributed.ReduceSum)
	assert.ErrorIs(t, err, distributed.ErrUnsupportedType)
	return nil
}

func testAllGatherTextLengths(t testing.TB, c *distributed.Comm) error {
	topology := c.Backend().Topology()
	const base = "AllGatherTextLengths"
	texts, err := c.AllGatherText(strings.Repeat(base, topology.Rank+2))
	if err != nil {
		return err
	}
	if !assert.Len(t, texts, topology.WorldSize) {
		return errors.Errorf("gathered %d texts for %d ranks", len(texts), topology.WorldSize)
	}
	for r, text := range texts {
		assert.Equal(t, strings.Repeat(base, r+2), text)
	}
	return nil
}

func testBroadcast(t testing.TB, c *distributed.Comm) error {
	topology := c.Backend().Topology()
	rank, worldSize := topology.Rank, topology.WorldSize
	for src := range worldSize {
		value := 0
		if rank == src {
			value = 10
		}
		got, err := distributed.BroadcastScalar(c, value, src)
		if err != nil {
			return err
		}
		assert.Equal(t, 10, got, "broadcast from %d", src)

		want := tensors.FromFlatDataAndDimensions([]float32{1.2345, 2.3456}, 2)
		x := tensors.FromShape(want.Shape())
		if rank == src {
			x = want.Clone()
		}
		result, err := c.BroadcastTensor(x, src)
		if err != nil {
			return err
		}
		assert.True(t, want.Equal(result), "broadcast from %d: got %s", src, result)

		for _, text := range []string{"test-abcdefg", strings.Repeat("distributedtest.testBroadcast", 200)} {
			placeholder := ""
			if rank == src {
				placeholder = text
			}
			got, err := c.Broadcast(placeholder, src)
			if err != nil {
				return err
			}
			assert.Equal(t, text, got, "broadcast from %d", src)
		}

		wantValues := arange(100, int64(src+1))
		x = tensors.FromShape(shapes.Make(dtypes.Int64, 4, 25))
		if rank == src {
			x = tensors.FromFlatDataAndDimensions(wantValues, 4, 25)
		}
		result, err = c.BroadcastTensor(x, src)
		if err != nil {
			return err
		}
		assert.Equal(t, []int{4, 25}, result.Shape().Dimensions)
		assert.Equal(t, x.DType(), result.DType())
		assert.Equal(t, wantValues, tensors.CopyFlatData[int64](result))
	}

	_, err := c.Broadcast([]int{0, 1, 2}, 0)
	assert.ErrorIs(t, err, distributed.ErrUnsupportedType)
	_, err = c.Broadcast(1, worldSize)
	assert.ErrorIs(t, err, distributed.ErrInvalidRank)
	return nil
}

func testBarrier(t testing.TB, c *distributed.Comm) error {
	topology := c.Backend().Topology()
	value := float32(topology.Rank)
	if topology.Rank == 0 {
		value += 10
	}
	if err := c.Barrier(); err != nil {
		return err
	}
	got, err := distributed.AllReduceScalar(c, value, distributed.ReduceSum)
	if err != nil {
		return err
	}
	assert.Equal(t, float32(topology.WorldSize*(topology.WorldSize-1)/2+10), got)
	return nil
}

func testOneRankOnly(t testing.TB, c *distributed.Comm) error {
	worldSize := c.Backend().Topology().WorldSize
	for _, withBarrier := range []bool{true, false} {
		lastRank := worldSize - 1
		value := int64(0)
		opts := []distributed.GuardOption{distributed.OnRank(lastRank)}
		if withBarrier {
			opts = append(opts, distributed.WithBarrier())
		}
		initialize := c.OneRankOnly(func() error {
			value = 100
			return nil
		}, opts...)
		if err := initialize(); err != nil {
			return err
		}
		values, err := distributed.AllGatherScalars(c, value)
		if err != nil {
			return err
		}
		for r, v := range values {
			if r == lastRank {
				assert.Equal(t, int64(100), v, "withBarrier=%v", withBarrier)
			} else {
				assert.Equal(t, int64(0), v, "withBarrier=%v", withBarrier)
			}
		}
	}
	return nil
}

func testOneRankOnlyHook(t testing.TB, c *distributed.Comm) error {
	for _, withBarrier := range []bool{true, false} {
		var opts []distributed.GuardOption
		if withBarrier {
			opts = append(opts, distributed.WithBarrier())
		}
		batchSum := int64(0)
		onIterationCompleted := distributed.OneRankOnlyHook(c, func(batch int64) error {
			batchSum += batch
			return nil
		}, opts...)
		for range 2 {
			for _, batch := range []int64{1, 2, 3} {
				if err := onIterationCompleted(batch); err != nil {
					return errors.WithMessagef(err, "batch %d", batch)
				}
			}
		}
		values, err := distributed.AllGatherScalars(c, batchSum)
		if err != nil {
			return err
		}
		for r, v := range values {
			if r == 0 {
				assert.Equal(t, int64(12), v, "withBarrier=%v", withBarrier)
			} else {
				assert.Equal(t, int64(0), v, "withBarrier=%v", withBarrier)
			}
		}
	}
	return nil
}
