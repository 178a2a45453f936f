// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributedtest runs groups of ranks as goroutines of the test process, connected by the
// in-process transport, and holds a conformance suite that every backend must pass.
package distributedtest

import (
	"fmt"

	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/gomlx/distcomm/pkg/distributed/internal/group"
	"github.com/gomlx/distcomm/pkg/distributed/transport"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// RankConfig is given to the Factory of the backend of each rank.
type RankConfig struct {
	Rank, LocalRank, WorldSize, NProcPerNode int

	// InitMethod of the in-process transport shared by all ranks of the group.
	InitMethod string

	// JobID shared by all ranks of the group.
	JobID string
}

// GroupConfig returns the configuration of a group backend for the rank.
func (cfg RankConfig) GroupConfig() group.Config {
	return group.Config{
		Rank:         cfg.Rank,
		LocalRank:    cfg.LocalRank,
		WorldSize:    cfg.WorldSize,
		NProcPerNode: cfg.NProcPerNode,
		InitMethod:   cfg.InitMethod,
		JobID:        cfg.JobID,
	}
}

// Factory creates the backend of one rank.
type Factory func(cfg RankConfig) (distributed.Backend, error)

// RunRanks creates a group of worldSize ranks (nprocPerNode per node), each running as a goroutine with
// its own backend created by newBackend, and calls fn concurrently on every rank.
//
// The backends are finalized after fn returns. If any rank fails, the group is aborted, so the other
// ranks blocked in collectives return, and the first error is returned.
func RunRanks(worldSize, nprocPerNode int, newBackend Factory, fn func(c *distributed.Comm) error) error {
	if nprocPerNode <= 0 || worldSize%nprocPerNode != 0 {
		return errors.Errorf("world size %d is not a multiple of %d processes per node", worldSize, nprocPerNode)
	}
	name := "distributedtest-" + uuid.NewString()
	jobID := uuid.NewString()
	var g errgroup.Group
	for rank := range worldSize {
		g.Go(func() error {
			err := runRank(name, RankConfig{
				Rank:         rank,
				LocalRank:    rank % nprocPerNode,
				WorldSize:    worldSize,
				NProcPerNode: nprocPerNode,
				InitMethod:   fmt.Sprintf("%s://%s", transport.LocalScheme, name),
				JobID:        jobID,
			}, newBackend, fn)
			if err != nil {
				klog.Errorf("distributedtest: rank %d failed, aborting group: %+v", rank, err)
				transport.AbortLocal(name)
			}
			return err
		})
	}
	return g.Wait()
}

func runRank(name string, cfg RankConfig, newBackend Factory, fn func(c *distributed.Comm) error) error {
	b, err := newBackend(cfg)
	if err != nil {
		return errors.WithMessagef(err, "rank %d: failed to create backend", cfg.Rank)
	}
	var fnErr error
	if exception := exceptions.TryCatch[error](func() { fnErr = fn(distributed.NewComm(b)) }); exception != nil {
		fnErr = errors.WithMessage(exception, "panic")
	}
	if fnErr != nil {
		// Release the other ranks before finalizing, since Finalize is a collective.
		transport.AbortLocal(name)
		_ = b.Finalize()
		return errors.WithMessagef(fnErr, "rank %d", cfg.Rank)
	}
	if err := b.Finalize(); err != nil {
		return errors.WithMessagef(err, "rank %d: finalize", cfg.Rank)
	}
	return nil
}
