package transport

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRequest(rank int, seq uint64, kind OpKind, t *tensors.Tensor) *Request {
	req := &Request{JobID: "job", Rank: rank, Seq: seq, Kind: kind}
	if t != nil {
		req.SetTensor(t)
	}
	return req
}

// submitAll submits the requests of all ranks concurrently, and returns the responses in rank order.
func submitAll(t *testing.T, c *Coordinator, requests []*Request) ([]*Response, error) {
	t.Helper()
	responses := make([]*Response, len(requests))
	var g errgroup.Group
	for rank, req := range requests {
		g.Go(func() error {
			var err error
			responses[rank], err = c.Submit(context.Background(), req)
			return err
		})
	}
	return responses, g.Wait()
}

func TestCoordinator(t *testing.T) {
	const worldSize = 3
	c := NewCoordinator(worldSize, "job")
	defer c.Close()

	t.Run("AllReduce", func(t *testing.T) {
		requests := make([]*Request, worldSize)
		for rank := range requests {
			requests[rank] = newRequest(rank, 0, OpAllReduce,
				tensors.FromFlatDataAndDimensions([]float32{float32(rank), 1}, 2))
			requests[rank].Op = distributed.ReduceMax
		}
		responses, err := submitAll(t, c, requests)
		require.NoError(t, err)
		for _, response := range responses {
			result, err := response.Tensor()
			require.NoError(t, err)
			assert.Equal(t, []float32{2, 1}, tensors.CopyFlatData[float32](result))
		}
	})

	t.Run("AllGather", func(t *testing.T) {
		requests := make([]*Request, worldSize)
		for rank := range requests {
			requests[rank] = newRequest(rank, 1, OpAllGather,
				tensors.FromFlatDataAndDimensions([]int64{int64(rank), int64(10 * rank)}, 1, 2))
		}
		responses, err := submitAll(t, c, requests)
		require.NoError(t, err)
		result, err := responses[1].Tensor()
		require.NoError(t, err)
		assert.Equal(t, []int{3, 2}, result.Shape().Dimensions)
		assert.Equal(t, []int64{0, 0, 1, 10, 2, 20}, tensors.CopyFlatData[int64](result))
	})

	t.Run("Broadcast", func(t *testing.T) {
		requests := make([]*Request, worldSize)
		for rank := range requests {
			requests[rank] = newRequest(rank, 2, OpBroadcast, tensors.FromFlatDataAndDimensions([]int32{int32(rank)}, 1))
			requests[rank].Src = 2
		}
		responses, err := submitAll(t, c, requests)
		require.NoError(t, err)
		for _, response := range responses {
			result, err := response.Tensor()
			require.NoError(t, err)
			assert.Equal(t, []int32{2}, tensors.CopyFlatData[int32](result))
		}
	})

	t.Run("Mismatch", func(t *testing.T) {
		requests := []*Request{
			newRequest(0, 3, OpBarrier, nil),
			newRequest(1, 3, OpBarrier, nil),
			newRequest(2, 3, OpAllGather, tensors.FromFlatDataAndDimensions([]int32{1}, 1)),
		}
		_, err := submitAll(t, c, requests)
		require.ErrorIs(t, err, ErrProtocol)

		requests = []*Request{
			newRequest(0, 4, OpAllGather, tensors.FromFlatDataAndDimensions([]int32{1}, 1)),
			newRequest(1, 4, OpAllGather, tensors.FromFlatDataAndDimensions([]int32{1, 2}, 2)),
			newRequest(2, 4, OpAllGather, tensors.FromFlatDataAndDimensions([]int32{1}, 1)),
		}
		_, err = submitAll(t, c, requests)
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("WrongJob", func(t *testing.T) {
		req := newRequest(0, 5, OpBarrier, nil)
		req.JobID = "other"
		_, err := c.Submit(context.Background(), req)
		require.ErrorIs(t, err, ErrProtocol)

		_, err = c.Ping(&PingRequest{JobID: "other"})
		require.ErrorIs(t, err, ErrProtocol)
		pong, err := c.Ping(&PingRequest{JobID: "job", Rank: 2})
		require.NoError(t, err)
		assert.Equal(t, worldSize, pong.WorldSize)
	})

	assert.Empty(t, c.rounds)
}

func TestCoordinatorClose(t *testing.T) {
	c := NewCoordinator(2, "job")
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), newRequest(0, 0, OpBarrier, nil))
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	c.Close()
	require.ErrorIs(t, <-errCh, ErrClosed)
	_, err := c.Submit(context.Background(), newRequest(1, 0, OpBarrier, nil))
	require.ErrorIs(t, err, ErrClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c2 := NewCoordinator(2, "job")
	defer c2.Close()
	_, err = c2.Submit(ctx, newRequest(0, 0, OpBarrier, nil))
	require.ErrorIs(t, err, context.Canceled)
}

func TestCoordinatorReleasesRounds(t *testing.T) {
	// Rank 0 gives up on round #0, rank 1 completes it: the round is released.
	c := NewCoordinator(2, "job")
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Submit(ctx, newRequest(0, 0, OpBarrier, nil))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.pendingRounds())
	_, err = c.Submit(context.Background(), newRequest(1, 0, OpBarrier, nil))
	require.NoError(t, err)
	assert.Equal(t, 0, c.pendingRounds())

	// Closing the coordinator releases the rounds still waiting for ranks.
	c2 := NewCoordinator(2, "job")
	errCh := make(chan error, 1)
	go func() {
		_, err := c2.Submit(context.Background(), newRequest(0, 0, OpBarrier, nil))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c2.pendingRounds() == 1 }, time.Second, time.Millisecond)
	c2.Close()
	require.ErrorIs(t, <-errCh, ErrClosed)
	assert.Equal(t, 0, c2.pendingRounds())
}

func TestLocalTransport(t *testing.T) {
	const name, worldSize = "transport-test", 4
	ctx := context.Background()
	transports := make([]Transport, worldSize)
	for rank := range transports {
		var err error
		transports[rank], err = Open(ctx, "inproc://"+name, Config{Rank: rank, WorldSize: worldSize, JobID: "job"})
		require.NoError(t, err)
	}

	_, err := Open(ctx, "inproc://"+name, Config{Rank: 0, WorldSize: 2, JobID: "job"})
	require.Error(t, err)

	var g errgroup.Group
	for rank, tr := range transports {
		g.Go(func() error {
			req := newRequest(rank, 0, OpAllReduce, tensors.FromFlatDataAndDimensions([]int64{10}, 1))
			response, err := tr.Collective(ctx, req)
			if err != nil {
				return err
			}
			result, err := response.Tensor()
			if err != nil {
				return err
			}
			assert.Equal(t, int64(10*worldSize), tensors.ToScalar[int64](result))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, tr := range transports {
		require.NoError(t, tr.Close())
	}
	_, err = transports[0].Collective(ctx, newRequest(0, 1, OpBarrier, nil))
	require.ErrorIs(t, err, ErrClosed)
	hubsMu.Lock()
	assert.NotContains(t, hubs, name)
	hubsMu.Unlock()
}

func TestAbortLocal(t *testing.T) {
	const name = "abort-test"
	tr, err := Open(context.Background(), "inproc://"+name, Config{Rank: 0, WorldSize: 2, JobID: "job"})
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Collective(context.Background(), newRequest(0, 0, OpBarrier, nil))
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	AbortLocal(name)
	require.ErrorIs(t, <-errCh, ErrClosed)
	require.NoError(t, tr.Close())
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, "inproc://x", Config{Rank: 2, WorldSize: 2})
	require.ErrorIs(t, err, distributed.ErrInvalidRank)
	_, err = Open(ctx, "carrier-pigeon://x", Config{WorldSize: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport scheme")
	_, err = Open(ctx, "no-address", Config{WorldSize: 1})
	require.Error(t, err)
	assert.Contains(t, Schemes(), LocalScheme)
	assert.Equal(t, "all_gather", OpAllGather.String())
}
