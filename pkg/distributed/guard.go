// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/pkg/errors"
)

type guardConfig struct {
	rank        int
	withBarrier bool
}

// GuardOption configures OneRankOnly.
type GuardOption func(*guardConfig)

// OnRank selects the rank where the guarded function runs. The default is rank 0.
func OnRank(rank int) GuardOption {
	return func(cfg *guardConfig) { cfg.rank = rank }
}

// WithBarrier makes all ranks synchronize before and after the guarded function runs.
// Every rank must then call the guarded function.
func WithBarrier() GuardOption {
	return func(cfg *guardConfig) { cfg.withBarrier = true }
}

// OneRankOnly returns a function that calls fn only on one rank (rank 0 by default, see OnRank), and
// returns its error. On the other ranks it does nothing and returns nil.
//
// The rank is read from the backend when the returned function is called, not when it is created.
//
// With WithBarrier, all ranks call Barrier before and after: the second barrier runs even if fn fails,
// so the other ranks are not left waiting.
func (c *Comm) OneRankOnly(fn func() error, opts ...GuardOption) func() error {
	cfg := guardConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return func() error {
		if cfg.withBarrier {
			if err := c.Barrier(); err != nil {
				return errors.WithMessage(err, "OneRankOnly: barrier before")
			}
		}
		var fnErr error
		if c.Backend().Topology().Rank == cfg.rank {
			fnErr = fn()
		}
		if cfg.withBarrier {
			if err := c.Barrier(); err != nil {
				if fnErr != nil {
					return errors.WithMessagef(fnErr, "OneRankOnly: barrier after also failed (%v)", err)
				}
				return errors.WithMessage(err, "OneRankOnly: barrier after")
			}
		}
		return fnErr
	}
}

// OneRankOnlyHook is the version of Comm.OneRankOnly for hooks that take an argument, like the
// event handlers of a training loop.
func OneRankOnlyHook[A any](c *Comm, fn func(A) error, opts ...GuardOption) func(A) error {
	return func(arg A) error {
		return c.OneRankOnly(func() error { return fn(arg) }, opts...)()
	}
}

// OneRankOnly guards fn to run on only one rank of the Current backend. See Comm.OneRankOnly.
func OneRankOnly(fn func() error, opts ...GuardOption) func() error {
	return Default().OneRankOnly(fn, opts...)
}
