// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transport moves the buffers of collectives between the ranks of a group.
//
// Every collective is a round: each rank submits one Request with the same sequence number, and once all
// ranks have submitted, the Coordinator computes the result and every rank receives the same Response.
// The coordinator runs in rank 0 of the group (or in the process, for the "inproc" transport used in tests).
//
// Transports are selected by the scheme of the init method URL:
//
//   - "inproc://<name>": ranks are goroutines of the same process, see this package.
//   - "tcp://<host>:<port>": gRPC, see package grpctransport.
//   - "http://<host>:<port>": JSON-RPC over HTTP, see package jsonrpc.
package transport

import (
	"context"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/distcomm/pkg/core/dtypes"
	"github.com/gomlx/distcomm/pkg/core/shapes"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by collectives on a closed (or aborted) transport.
	ErrClosed = errors.New("transport closed")

	// ErrProtocol is returned when the ranks of a round don't agree: different collectives, shapes,
	// reduction operators or source ranks.
	ErrProtocol = errors.New("collective protocol violation")
)

// OpKind is the collective of a round.
type OpKind int

//go:generate go tool enumer -type OpKind -trimprefix=Op -transform=snake -output=gen_opkind_enumer.go transport.go

const (
	OpAllReduce OpKind = iota
	OpAllGather
	OpBroadcast
	OpBarrier
)

// Request is the contribution of one rank to a round.
type Request struct {
	JobID string
	Rank  int
	Seq   uint64
	Kind  OpKind

	// Op is the reduction of OpAllReduce.
	Op distributed.ReduceOp

	// Src is the source rank of OpBroadcast.
	Src int

	DType      dtypes.DType
	Dimensions []int
	Data       []byte
}

// Response is the result of a round, the same for every rank.
type Response struct {
	DType      dtypes.DType
	Dimensions []int
	Data       []byte
}

// PingRequest checks that the coordinator is up and serves the given job.
type PingRequest struct {
	JobID string
	Rank  int
}

// PingResponse returns the world size of the coordinator.
type PingResponse struct {
	WorldSize int
}

// SetTensor fills the payload of the request.
func (r *Request) SetTensor(t *tensors.Tensor) {
	r.DType = t.DType()
	r.Dimensions = slices.Clone(t.Shape().Dimensions)
	r.Data = t.Bytes()
}

// Shape of the payload of the request.
func (r *Request) Shape() shapes.Shape {
	return shapes.Shape{DType: r.DType, Dimensions: r.Dimensions}
}

// Tensor decodes the payload of the request.
func (r *Request) Tensor() (*tensors.Tensor, error) {
	return tensors.FromBytes(r.Shape(), r.Data)
}

// Tensor decodes the result of the round.
func (r *Response) Tensor() (*tensors.Tensor, error) {
	if r == nil {
		return nil, errors.New("empty response")
	}
	return tensors.FromBytes(shapes.Shape{DType: r.DType, Dimensions: r.Dimensions}, r.Data)
}

// ResponseFromTensor encodes the result of a round.
func ResponseFromTensor(t *tensors.Tensor) *Response {
	return &Response{DType: t.DType(), Dimensions: slices.Clone(t.Shape().Dimensions), Data: t.Bytes()}
}

// Transport connects one rank to the coordinator of its group.
type Transport interface {
	// Collective submits the contribution of this rank to a round, and blocks until all ranks
	// have contributed. It only returns early if ctx is done or the transport is closed.
	Collective(ctx context.Context, req *Request) (*Response, error)

	// Close releases the transport. The coordinator (if in this rank) stops serving.
	Close() error
}

// Config of a transport.
type Config struct {
	// Rank of this process and WorldSize of the group.
	Rank, WorldSize int

	// JobID identifies the group: ranks of other jobs are rejected by the coordinator.
	JobID string

	// RendezvousTimeout is how long to wait for the coordinator to come up. Collectives themselves
	// have no timeout.
	RendezvousTimeout time.Duration
}

// DefaultRendezvousTimeout is used when Config.RendezvousTimeout is 0.
const DefaultRendezvousTimeout = 5 * time.Minute

// Validate the configuration.
func (cfg Config) Validate() error {
	if cfg.WorldSize <= 0 {
		return errors.Errorf("invalid world size %d", cfg.WorldSize)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.WorldSize {
		return errors.Wrapf(distributed.ErrInvalidRank, "rank %d for world size %d", cfg.Rank, cfg.WorldSize)
	}
	return nil
}

// Timeout returns the rendezvous timeout, or its default.
func (cfg Config) Timeout() time.Duration {
	if cfg.RendezvousTimeout <= 0 {
		return DefaultRendezvousTimeout
	}
	return cfg.RendezvousTimeout
}

// Opener creates a transport for an address (the host part of the init method URL).
type Opener func(ctx context.Context, address string, cfg Config) (Transport, error)

var (
	schemesMu sync.RWMutex
	schemes   = make(map[string]Opener)
)

// RegisterScheme registers the opener of transports for the given URL scheme.
// Transport packages register themselves in their init function.
func RegisterScheme(scheme string, opener Opener) {
	schemesMu.Lock()
	defer schemesMu.Unlock()
	schemes[scheme] = opener
}

// Schemes returns the sorted registered schemes.
func Schemes() []string {
	schemesMu.RLock()
	defer schemesMu.RUnlock()
	names := make([]string, 0, len(schemes))
	for scheme := range schemes {
		names = append(names, scheme)
	}
	slices.Sort(names)
	return names
}

// Open a transport given the init method URL, e.g. "tcp://10.0.0.1:29500".
func Open(ctx context.Context, initMethod string, cfg Config) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(initMethod)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid init method %q", initMethod)
	}
	if u.Host == "" {
		return nil, errors.Errorf("init method %q has no address, expected \"<scheme>://<address>\"", initMethod)
	}
	schemesMu.RLock()
	opener, found := schemes[u.Scheme]
	schemesMu.RUnlock()
	if !found {
		return nil, errors.Errorf("unknown transport scheme %q in init method %q, registered schemes: %v "+
			"-- maybe import the grpctransport or jsonrpc packages?", u.Scheme, initMethod, Schemes())
	}
	t, err := opener(ctx, u.Host, cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open transport %q for rank %d", initMethod, cfg.Rank)
	}
	return t, nil
}
