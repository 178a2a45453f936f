// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed is a backend-agnostic collective-communication layer for the cooperating processes
// ("ranks") of a distributed computation, like data-parallel training.
//
// The same calling code runs unchanged whether there is a single process (the Serial backend) or a group of
// processes coordinated by one of the registered backends:
//
//   - "native-dist" (package native): a native multi-process group, with backend kind "nccl" on accelerators
//     or "gloo" on CPUs.
//   - "horovod-dist" (package horovod): a gradient-averaging oriented group, where only sums are native.
//   - "xla-dist" (package xla): an accelerator-pod group, where everything is expressed as sum all-reduces.
//
// Import github.com/gomlx/distcomm/pkg/distributed/default to register all of them, and call Sync to
// select the backend from the environment of the process. Without any distributed environment, the
// Serial backend is used.
//
// # Collectives
//
// AllReduce, AllGather, Broadcast and Barrier (and their Comm method versions) accept three kinds of
// payloads:
//
//   - Scalars: any Go numeric value (int, float32, float16.Float16, complex64, ...). The result has the
//     same Go type as the input (or a slice of it, for AllGather).
//   - Arrays: *tensors.Tensor. The result keeps the input's dtype and is placed on the input's device.
//   - Text: string. Only AllGather and Broadcast support text.
//
// Anything else is rejected with ErrUnsupportedType before any communication happens. Likewise, an
// invalid ReduceOp returns ErrUnsupportedOp and an invalid source rank returns ErrInvalidRank.
//
// # Protocol requirements
//
// Collectives are blocking and synchronizing: every rank of the group must call the same collectives,
// in the same order, with the same ReduceOp and (for Broadcast) the same source rank. Calling a
// collective on only some ranks, or in a different order, makes the participating ranks wait forever:
// this is not detected, and there are no timeouts at this layer. Use OneRankOnly to run code on a
// single rank without breaking this requirement.
//
// There are no automatic retries: a failed collective returns an error, and the run should be
// considered failed.
//
// The current backend is process-wide state: it should only be changed (SetCurrent, Sync, Initialize,
// Finalize) at quiescent points, when no collective is in flight.
package distributed
