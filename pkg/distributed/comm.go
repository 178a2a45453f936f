// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/distcomm/pkg/core/dtypes"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Comm executes collectives on a backend, translating the payloads (scalars, tensors and text) to the tensor
// collectives of the Backend.
//
// A Comm created with NewComm is bound to one backend. The Comm returned by Default (used by the package
// functions AllReduce, AllGather, ...) uses the Current backend at each call.
type Comm struct {
	backend Backend
}

// NewComm returns a Comm bound to the given backend.
func NewComm(b Backend) *Comm {
	return &Comm{backend: b}
}

// Default returns a Comm that uses the Current backend of the process, read at every call.
func Default() *Comm {
	return &Comm{}
}

// Backend used by the Comm.
func (c *Comm) Backend() Backend {
	if c.backend != nil {
		return c.backend
	}
	return Current()
}

// usageError is returned for calls rejected before any communication.
func usageError(collective string, b Backend, err error) error {
	observeUsageError(collective, b.Name())
	return err
}

// AllReduce reduces value across all ranks with op, and returns the result on every rank.
//
// value can be a numeric scalar (the result has the same Go type) or a *tensors.Tensor (the result has the
// same dtype and is placed on the same device). Text is not supported.
func (c *Comm) AllReduce(value any, op ReduceOp) (any, error) {
	p, err := classify(value)
	if err == nil && p.kind == textPayload {
		err = errors.Wrapf(ErrUnsupportedType, "reduction of %s", p.kindName())
	}
	if err != nil {
		return nil, usageError(allReduceLabel, c.Backend(), errors.WithMessage(err, "AllReduce"))
	}
	result, err := c.AllReduceTensor(p.tensor, op)
	if err != nil {
		return nil, err
	}
	if p.kind == scalarPayload {
		return p.unwrapScalar(result)
	}
	return result, nil
}

// AllReduceTensor is the tensor version of AllReduce.
func (c *Comm) AllReduceTensor(t *tensors.Tensor, op ReduceOp) (*tensors.Tensor, error) {
	b := c.Backend()
	if err := t.CheckValid(); err != nil {
		return nil, usageError(allReduceLabel, b, errors.Wrapf(ErrUnsupportedType, "AllReduce: %v", err))
	}
	if err := op.CheckDType(t.DType()); err != nil {
		return nil, usageError(allReduceLabel, b, errors.WithMessage(err, "AllReduce"))
	}
	traceCollective(allReduceLabel, b, t)
	start := time.Now()
	result, err := b.AllReduce(t.To(b.Topology().Device), op)
	observeCollective(allReduceLabel, b.Name(), start, t.Memory(), err)
	if err != nil {
		return nil, errors.WithMessagef(err, "AllReduce(%s) of %s on %q", op, t.Shape(), b.Name())
	}
	return result.To(t.Device()), nil
}

// AllGather collects value from all ranks, in rank order.
//
//   - Scalars return a slice (of the same Go type) with one value per rank.
//   - Tensors return the concatenation of all ranks' tensors along axis 0, so a tensor of shape [d0, ...]
//     returns a tensor of shape [WorldSize*d0, ...], with the same dtype and device. All ranks must
//     contribute tensors of the same shape.
//   - Text returns a []string with one text per rank. Texts can have different lengths.
func (c *Comm) AllGather(value any) (any, error) {
	p, err := classify(value)
	if err != nil {
		return nil, usageError(allGatherLabel, c.Backend(), errors.WithMessage(err, "AllGather"))
	}
	switch p.kind {
	case textPayload:
		return c.AllGatherText(p.text)
	case scalarPayload:
		gathered, err := c.AllGatherTensor(p.tensor)
		if err != nil {
			return nil, err
		}
		return p.unwrapScalars(gathered), nil
	default:
		return c.AllGatherTensor(p.tensor)
	}
}

// AllGatherTensor is the tensor version of AllGather.
func (c *Comm) AllGatherTensor(t *tensors.Tensor) (*tensors.Tensor, error) {
	b := c.Backend()
	if err := t.CheckValid(); err != nil {
		return nil, usageError(allGatherLabel, b, errors.Wrapf(ErrUnsupportedType, "AllGather: %v", err))
	}
	traceCollective(allGatherLabel, b, t)
	start := time.Now()
	result, err := b.AllGather(t.To(b.Topology().Device))
	observeCollective(allGatherLabel, b.Name(), start, t.Memory(), err)
	if err != nil {
		return nil, errors.WithMessagef(err, "AllGather of %s on %q", t.Shape(), b.Name())
	}
	return result.To(t.Device()), nil
}

// AllGatherText returns the texts of all ranks, in rank order.
func (c *Comm) AllGatherText(text string) ([]string, error) {
	b := c.Backend()
	width, err := maxTextLength(b, text)
	if err != nil {
		return nil, errors.WithMessagef(err, "AllGather of text on %q", b.Name())
	}
	encoded, err := encodeText(text, width, 1)
	if err != nil {
		return nil, err
	}
	gathered, err := c.AllGatherTensor(encoded)
	if err != nil {
		return nil, err
	}
	return decodeTexts(gathered)
}

// Broadcast returns on every rank the value of the rank src.
//
// Every rank must call it with a value of the same kind: non-source ranks pass a placeholder, which for
// tensors must have the same shape and dtype as the one of src. Text placeholders can be of any length.
// It returns ErrInvalidRank if src is not in [0, WorldSize).
func (c *Comm) Broadcast(value any, src int) (any, error) {
	b := c.Backend()
	p, err := classify(value)
	if err != nil {
		return nil, usageError(broadcastLabel, b, errors.WithMessage(err, "Broadcast"))
	}
	switch p.kind {
	case textPayload:
		return c.BroadcastText(p.text, src)
	case scalarPayload:
		result, err := c.BroadcastTensor(p.tensor, src)
		if err != nil {
			return nil, err
		}
		return p.unwrapScalar(result)
	default:
		return c.BroadcastTensor(p.tensor, src)
	}
}

func checkSource(b Backend, src int) error {
	if worldSize := b.Topology().WorldSize; src < 0 || src >= worldSize {
		return errors.Wrapf(ErrInvalidRank, "Broadcast source rank %d is not in [0, %d)", src, worldSize)
	}
	return nil
}

// BroadcastTensor is the tensor version of Broadcast.
func (c *Comm) BroadcastTensor(t *tensors.Tensor, src int) (*tensors.Tensor, error) {
	b := c.Backend()
	if err := t.CheckValid(); err != nil {
		return nil, usageError(broadcastLabel, b, errors.Wrapf(ErrUnsupportedType, "Broadcast: %v", err))
	}
	if err := checkSource(b, src); err != nil {
		return nil, usageError(broadcastLabel, b, err)
	}
	traceCollective(broadcastLabel, b, t)
	start := time.Now()
	result, err := b.Broadcast(t.To(b.Topology().Device), src)
	observeCollective(broadcastLabel, b.Name(), start, t.Memory(), err)
	if err != nil {
		return nil, errors.WithMessagef(err, "Broadcast of %s from rank %d on %q", t.Shape(), src, b.Name())
	}
	return result.To(t.Device()), nil
}

// BroadcastText returns on every rank the text of the rank src. Non-source ranks pass a placeholder
// text, usually "".
func (c *Comm) BroadcastText(text string, src int) (string, error) {
	b := c.Backend()
	if err := checkSource(b, src); err != nil {
		return "", usageError(broadcastLabel, b, err)
	}
	width, err := maxTextLength(b, text)
	if err != nil {
		return "", errors.WithMessagef(err, "Broadcast of text on %q", b.Name())
	}
	encoded, err := encodeText(text, width)
	if err != nil {
		return "", err
	}
	result, err := c.BroadcastTensor(encoded, src)
	if err != nil {
		return "", err
	}
	texts, err := decodeTexts(result)
	if err != nil {
		return "", err
	}
	return texts[0], nil
}

// Barrier blocks until all ranks reach it.
func (c *Comm) Barrier() error {
	b := c.Backend()
	klog.V(2).Infof("distributed: %s on %q", barrierLabel, b.Name())
	start := time.Now()
	err := b.Barrier()
	observeCollective(barrierLabel, b.Name(), start, 0, err)
	if err != nil {
		return errors.WithMessagef(err, "Barrier on %q", b.Name())
	}
	return nil
}

func traceCollective(collective string, b Backend, t *tensors.Tensor) {
	if klog.V(2).Enabled() {
		klog.Infof("distributed: %s of %s (%s) on %q, rank %d", collective, t.Shape(),
			humanize.Bytes(uint64(t.Memory())), b.Name(), b.Topology().Rank)
	}
}

// AllReduceScalar is a typed version of Comm.AllReduce for scalars.
func AllReduceScalar[T dtypes.Number](c *Comm, value T, op ReduceOp) (T, error) {
	result, err := c.AllReduce(value, op)
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// AllGatherScalars is a typed version of Comm.AllGather for scalars.
func AllGatherScalars[T dtypes.Number](c *Comm, value T) ([]T, error) {
	result, err := c.AllGather(value)
	if err != nil {
		return nil, err
	}
	return result.([]T), nil
}

// BroadcastScalar is a typed version of Comm.Broadcast for scalars.
func BroadcastScalar[T dtypes.Number](c *Comm, value T, src int) (T, error) {
	result, err := c.Broadcast(value, src)
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// AllReduce value across all ranks of the Current backend. See Comm.AllReduce.
func AllReduce(value any, op ReduceOp) (any, error) {
	return Default().AllReduce(value, op)
}

// AllGather value from all ranks of the Current backend. See Comm.AllGather.
func AllGather(value any) (any, error) {
	return Default().AllGather(value)
}

// Broadcast value from rank src to all ranks of the Current backend. See Comm.Broadcast.
func Broadcast(value any, src int) (any, error) {
	return Default().Broadcast(value, src)
}

// Barrier blocks until all ranks of the Current backend reach it.
func Barrier() error {
	return Default().Barrier()
}
