package main

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gomlx/distcomm/pkg/core/dtypes"
	"github.com/gomlx/distcomm/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/distcomm/pkg/core/shapes"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// check of the collectives of a group, run by all ranks.
type check struct {
	name string
	fn   func(c *distributed.Comm) error

	// payloadBytes exchanged by each rank, if relevant.
	payloadBytes int
}

// checkResult as observed by one rank.
type checkResult struct {
	name         string
	elapsed      time.Duration
	payloadBytes int
	err          error
}

// newChecks returns the checks run by "check" and "selftest". The payload check all-reduces a tensor of
// the given dtype with about payloadBytes bytes.
func newChecks(payloadBytes int, dtype dtypes.DType) []check {
	size := max(payloadBytes/dtype.Size(), 1)
	return []check{
		{name: "all_reduce", fn: checkAllReduce},
		{name: "all_gather", fn: checkAllGather},
		{name: "broadcast", fn: checkBroadcast},
		{name: "barrier", fn: checkBarrier},
		{name: "one_rank_only", fn: checkOneRankOnly},
		{
			name:         fmt.Sprintf("payload(%s)", dtype),
			fn:           func(c *distributed.Comm) error { return checkPayload(c, dtype, size) },
			payloadBytes: dtype.SizeForDimensions(size),
		},
	}
}

// runChecks runs all checks in order. It stops at the first failure, since the ranks may no longer agree
// on the sequence of collectives.
func runChecks(c *distributed.Comm, checks []check, onDone func(result checkResult)) []checkResult {
	results := make([]checkResult, 0, len(checks))
	for _, ch := range checks {
		start := time.Now()
		err := runCheck(c, ch)
		result := checkResult{name: ch.name, elapsed: time.Since(start), payloadBytes: ch.payloadBytes, err: err}
		results = append(results, result)
		if onDone != nil {
			onDone(result)
		}
		if err != nil {
			break
		}
	}
	return results
}

func runCheck(c *distributed.Comm, ch check) (err error) {
	if exception := exceptions.TryCatch[error](func() { err = ch.fn(c) }); exception != nil {
		return errors.WithMessagef(exception, "check %q panicked", ch.name)
	}
	return err
}

func checkAllReduce(c *distributed.Comm) error {
	topology := c.Backend().Topology()
	worldSize := int64(topology.WorldSize)
	// All ranks must issue the reductions in the same order.
	for _, tc := range []struct {
		op   distributed.ReduceOp
		want int64
	}{
		{distributed.ReduceSum, worldSize * (worldSize + 1) / 2},
		{distributed.ReduceMin, 1},
		{distributed.ReduceMax, worldSize},
	} {
		got, err := distributed.AllReduceScalar(c, int64(topology.Rank+1), tc.op)
		if err != nil {
			return err
		}
		if got != tc.want {
			return errors.Errorf("all_reduce(%s) of rank+1: got %d, want %d", tc.op, got, tc.want)
		}
	}
	return nil
}

func checkAllGather(c *distributed.Comm) error {
	topology := c.Backend().Topology()
	ranks, err := distributed.AllGatherScalars(c, int32(topology.Rank))
	if err != nil {
		return err
	}
	for rank, got := range ranks {
		if int(got) != rank {
			return errors.Errorf("all_gather of ranks: got %v", ranks)
		}
	}
	hostnames, err := c.AllGatherText(fmt.Sprintf("%s/%d", distributed.Hostname(), topology.Rank))
	if err != nil {
		return err
	}
	for rank, hostname := range hostnames {
		if !strings.HasSuffix(hostname, fmt.Sprintf("/%d", rank)) {
			return errors.Errorf("all_gather of hostnames: got %q for rank %d", hostname, rank)
		}
	}
	return nil
}

func checkBroadcast(c *distributed.Comm) error {
	topology := c.Backend().Topology()
	for src := range topology.WorldSize {
		want := fmt.Sprintf("message from rank %d", src)
		text := ""
		if topology.Rank == src {
			text = want
		}
		got, err := c.BroadcastText(text, src)
		if err != nil {
			return err
		}
		if got != want {
			return errors.Errorf("broadcast from rank %d: got %q, want %q", src, got, want)
		}
	}
	return nil
}

func checkBarrier(c *distributed.Comm) error {
	for range 3 {
		if err := c.Barrier(); err != nil {
			return err
		}
	}
	return nil
}

func checkOneRankOnly(c *distributed.Comm) error {
	topology := c.Backend().Topology()
	lastRank := topology.WorldSize - 1
	calls := 0
	err := c.OneRankOnly(func() error {
		calls++
		return nil
	}, distributed.OnRank(lastRank), distributed.WithBarrier())()
	if err != nil {
		return err
	}
	total, err := distributed.AllReduceScalar(c, calls, distributed.ReduceSum)
	if err != nil {
		return err
	}
	if total != 1 {
		return errors.Errorf("one_rank_only(rank=%d) ran %d times", lastRank, total)
	}
	return nil
}

// checkPayload all-reduces a float32 tensor of about payloadBytes.
// parsePayloadDType parses the --dtype flag: any numeric dtype name, like "float32", "Int8" or "bf16".
func parsePayloadDType(name string) (dtypes.DType, error) {
	dtype, err := dtypes.FromName(name)
	if err != nil {
		return dtypes.InvalidDType, err
	}
	if !dtype.IsNumber() {
		return dtypes.InvalidDType, errors.Errorf("dtype %s can't be summed", dtype)
	}
	return dtype, nil
}

// scalarOf returns v as a scalar tensor of the given numeric dtype.
func scalarOf(dtype dtypes.DType, v int) *tensors.Tensor {
	var value any
	switch {
	case dtype.IsFloat16():
		if dtype == dtypes.Float16 {
			value = float16.Fromfloat32(float32(v))
		} else {
			value = bfloat16.FromFloat32(float32(v))
		}
	case dtype.IsComplex():
		value = reflect.ValueOf(complex(float64(v), 0)).Convert(dtype.GoType()).Interface()
	default:
		value = reflect.ValueOf(v).Convert(dtype.GoType()).Interface()
	}
	return must.M1(tensors.FromAnyValue(value))
}

// filledTensor returns a [size] tensor with all elements set to v.
func filledTensor(dtype dtypes.DType, size, v int) *tensors.Tensor {
	return must.M1(tensors.FromBytes(shapes.Make(dtype, size), bytes.Repeat(scalarOf(dtype, v).Bytes(), size)))
}

// checkPayload all-reduces (SUM) a tensor of ones on every rank: each element must sum to the world size.
func checkPayload(c *distributed.Comm, dtype dtypes.DType, size int) error {
	worldSize := c.Backend().Topology().WorldSize
	sum, err := c.AllReduceTensor(filledTensor(dtype, size, 1), distributed.ReduceSum)
	if err != nil {
		return err
	}
	want := filledTensor(dtype, size, worldSize)
	if !sum.Equal(want) {
		return errors.Errorf("payload all_reduce of %s: got %s, want all elements equal to %d", dtype, sum.Shape(), worldSize)
	}
	return nil
}
