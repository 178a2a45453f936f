package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/gomlx/distcomm/pkg/distributed/horovod"
	"github.com/gomlx/distcomm/pkg/distributed/native"
	"github.com/gomlx/distcomm/pkg/distributed/xla"
	"github.com/pkg/errors"
)

// rankConfig of one rank of a group created by selftest or launch.
type rankConfig struct {
	rank, localRank, worldSize, nprocPerNode int
	initMethod, jobID                        string
}

// newBackend creates the backend of one rank. The backend is given as "<name>[:<config>]".
func newBackend(backend string, cfg rankConfig) (distributed.Backend, error) {
	name, backendConfig := splitBackend(backend)
	switch name {
	case native.BackendName:
		c := native.Config{Kind: distributed.Kind(backendConfig)}
		c.Rank, c.LocalRank, c.WorldSize, c.NProcPerNode = cfg.rank, cfg.localRank, cfg.worldSize, cfg.nprocPerNode
		c.InitMethod, c.JobID = cfg.initMethod, cfg.jobID
		b, err := native.New(c)
		if err != nil {
			return nil, err
		}
		return b, nil
	case horovod.BackendName:
		var c horovod.Config
		c.Rank, c.LocalRank, c.WorldSize, c.NProcPerNode = cfg.rank, cfg.localRank, cfg.worldSize, cfg.nprocPerNode
		c.InitMethod, c.JobID = cfg.initMethod, cfg.jobID
		b, err := horovod.New(c)
		if err != nil {
			return nil, err
		}
		return b, nil
	case xla.BackendName:
		var c xla.Config
		c.Rank, c.LocalRank, c.WorldSize, c.NProcPerNode = cfg.rank, cfg.localRank, cfg.worldSize, cfg.nprocPerNode
		c.InitMethod, c.JobID = cfg.initMethod, cfg.jobID
		b, err := xla.New(c)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, errors.Errorf("unknown backend %q, valid values are %q, %q or %q",
		name, native.BackendName, horovod.BackendName, xla.BackendName)
}

func splitBackend(backend string) (name, config string) {
	name, config, _ = strings.Cut(backend, ":")
	return name, config
}

// rankEnv returns the environment variables that configure the given backend for one rank of a job,
// in the format of the launchers each backend expects.
func rankEnv(backend string, cfg rankConfig, addr string, port int) ([]string, error) {
	name, _ := splitBackend(backend)
	env := []string{
		fmt.Sprintf("%s=%s", distributed.DistEnv, backend),
		fmt.Sprintf("%s=%s", distributed.JobIDEnv, cfg.jobID),
	}
	itoa := strconv.Itoa
	switch name {
	case native.BackendName:
		env = append(env,
			"RANK="+itoa(cfg.rank),
			"WORLD_SIZE="+itoa(cfg.worldSize),
			"LOCAL_RANK="+itoa(cfg.localRank),
			"LOCAL_WORLD_SIZE="+itoa(cfg.nprocPerNode),
			"MASTER_ADDR="+addr,
			"MASTER_PORT="+itoa(port))
	case horovod.BackendName:
		env = append(env,
			"HOROVOD_RANK="+itoa(cfg.rank),
			"HOROVOD_SIZE="+itoa(cfg.worldSize),
			"HOROVOD_LOCAL_RANK="+itoa(cfg.localRank),
			"HOROVOD_LOCAL_SIZE="+itoa(cfg.nprocPerNode),
			"HOROVOD_GLOO_RENDEZVOUS_ADDR="+addr,
			"HOROVOD_GLOO_RENDEZVOUS_PORT="+itoa(port))
	case xla.BackendName:
		env = append(env,
			"XRT_SHARD_ORDINAL="+itoa(cfg.rank),
			"XRT_SHARD_WORLD_SIZE="+itoa(cfg.worldSize),
			"XRT_SHARD_LOCAL_ORDINAL="+itoa(cfg.localRank),
			"XRT_LOCAL_WORLD_SIZE="+itoa(cfg.nprocPerNode),
			fmt.Sprintf("XRT_POD_COORDINATOR=%s:%d", addr, port))
	default:
		return nil, errors.Errorf("unknown backend %q, valid values are %q, %q or %q",
			name, native.BackendName, horovod.BackendName, xla.BackendName)
	}
	return env, nil
}
