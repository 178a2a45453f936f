// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Coordinator matches the requests of all ranks for each round, and computes the results.
// It is safe for concurrent use: transports call Submit from one goroutine per rank.
type Coordinator struct {
	worldSize int
	jobID     string

	mu        sync.Mutex
	rounds    map[uint64]*round
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// round of one collective, identified by its sequence number.
type round struct {
	requests []*Request
	arrived  int
	departed int

	// ready is closed once response or err are set.
	ready    chan struct{}
	response *Response
	err      error
}

// NewCoordinator for a group of worldSize ranks, serving only requests of the given job.
func NewCoordinator(worldSize int, jobID string) *Coordinator {
	return &Coordinator{
		worldSize: worldSize,
		jobID:     jobID,
		rounds:    make(map[uint64]*round),
		done:      make(chan struct{}),
	}
}

// WorldSize of the group served.
func (c *Coordinator) WorldSize() int { return c.worldSize }

// Ping checks the job of the caller, and returns the world size.
func (c *Coordinator) Ping(req *PingRequest) (*PingResponse, error) {
	if err := c.checkCaller(req.JobID, req.Rank); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	return &PingResponse{WorldSize: c.worldSize}, nil
}

func (c *Coordinator) checkCaller(jobID string, rank int) error {
	if jobID != c.jobID {
		return errors.Wrapf(ErrProtocol, "rank %d of job %q connected to the coordinator of job %q", rank, jobID, c.jobID)
	}
	if rank < 0 || rank >= c.worldSize {
		return errors.Wrapf(ErrProtocol, "rank %d is not in [0, %d)", rank, c.worldSize)
	}
	return nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Submit the contribution of one rank to the round req.Seq, and waits for the result.
func (c *Coordinator) Submit(ctx context.Context, req *Request) (*Response, error) {
	if err := c.checkCaller(req.JobID, req.Rank); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	r, found := c.rounds[req.Seq]
	if !found {
		r = &round{requests: make([]*Request, c.worldSize), ready: make(chan struct{})}
		c.rounds[req.Seq] = r
	}
	if r.requests[req.Rank] != nil {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrProtocol, "rank %d submitted round #%d twice", req.Rank, req.Seq)
	}
	r.requests[req.Rank] = req
	r.arrived++
	if r.arrived == c.worldSize {
		r.response, r.err = combine(r.requests)
		if r.err != nil {
			klog.Errorf("distributed coordinator: round #%d failed: %v", req.Seq, r.err)
		}
		close(r.ready)
	}
	c.mu.Unlock()

	var err error
	select {
	case <-r.ready:
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.done:
		select {
		case <-r.ready:
		default:
			err = ErrClosed
		}
	}

	// The round is released once all ranks left it, whatever the outcome.
	c.mu.Lock()
	r.departed++
	if r.departed == c.worldSize && c.rounds[req.Seq] == r {
		delete(c.rounds, req.Seq)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.response, r.err
}

// pendingRounds returns the number of rounds not yet released.
func (c *Coordinator) pendingRounds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rounds)
}

// Close the coordinator: pending and future calls to Submit return ErrClosed.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		clear(c.rounds)
		c.mu.Unlock()
		close(c.done)
	})
}

// combine the requests of all ranks of a round.
func combine(requests []*Request) (*Response, error) {
	first := requests[0]
	for rank, req := range requests[1:] {
		if req.Kind != first.Kind {
			return nil, errors.Wrapf(ErrProtocol, "round #%d: rank 0 called %s but rank %d called %s",
				first.Seq, first.Kind, rank+1, req.Kind)
		}
		if first.Kind == OpBarrier {
			continue
		}
		if req.DType != first.DType || !slices.Equal(req.Dimensions, first.Dimensions) {
			return nil, errors.Wrapf(ErrProtocol, "round #%d (%s): rank 0 contributed shape %s but rank %d contributed %s",
				first.Seq, first.Kind, first.Shape(), rank+1, req.Shape())
		}
		if first.Kind == OpAllReduce && req.Op != first.Op {
			return nil, errors.Wrapf(ErrProtocol, "round #%d: rank 0 reduces with %s but rank %d with %s",
				first.Seq, first.Op, rank+1, req.Op)
		}
		if first.Kind == OpBroadcast && req.Src != first.Src {
			return nil, errors.Wrapf(ErrProtocol, "round #%d: rank 0 broadcasts from rank %d but rank %d from rank %d",
				first.Seq, first.Src, rank+1, req.Src)
		}
	}

	switch first.Kind {
	case OpBarrier:
		return &Response{}, nil
	case OpBroadcast:
		if first.Src < 0 || first.Src >= len(requests) {
			return nil, errors.Wrapf(distributed.ErrInvalidRank, "broadcast source rank %d", first.Src)
		}
		src := requests[first.Src]
		return &Response{DType: src.DType, Dimensions: src.Dimensions, Data: src.Data}, nil
	case OpAllReduce, OpAllGather:
		operands := make([]*tensors.Tensor, len(requests))
		for rank, req := range requests {
			t, err := req.Tensor()
			if err != nil {
				return nil, errors.WithMessagef(err, "round #%d: invalid payload from rank %d", first.Seq, rank)
			}
			operands[rank] = t
		}
		var result *tensors.Tensor
		var err error
		if first.Kind == OpAllReduce {
			result, err = distributed.Reduce(first.Op, operands...)
		} else {
			result, err = tensors.Concatenate(operands...)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "round #%d (%s)", first.Seq, first.Kind)
		}
		return ResponseFromTensor(result), nil
	default:
		return nil, errors.Wrapf(ErrProtocol, "round #%d: unknown collective %s", first.Seq, first.Kind)
	}
}
