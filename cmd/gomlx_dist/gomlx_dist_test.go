package main

import (
	"strings"
	"testing"
	"time"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/core/dtypes"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/gomlx/distcomm/pkg/distributed/horovod"
	"github.com/gomlx/distcomm/pkg/distributed/native"
	"github.com/gomlx/distcomm/pkg/distributed/transport"
	"github.com/gomlx/distcomm/pkg/distributed/xla"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankEnv(t *testing.T) {
	cfg := rankConfig{rank: 5, localRank: 1, worldSize: 8, nprocPerNode: 4, jobID: "job"}
	env, err := rankEnv("native:gloo", cfg, "10.0.0.1", 1234)
	require.NoError(t, err)
	assert.Subset(t, env, []string{
		"GOMLX_DIST=native:gloo", "GOMLX_DIST_JOB_ID=job", "RANK=5", "WORLD_SIZE=8", "LOCAL_RANK=1",
		"LOCAL_WORLD_SIZE=4", "MASTER_ADDR=10.0.0.1", "MASTER_PORT=1234"})

	env, err = rankEnv(horovod.BackendName, cfg, "10.0.0.1", 1234)
	require.NoError(t, err)
	assert.Subset(t, env, []string{"HOROVOD_RANK=5", "HOROVOD_SIZE=8", "HOROVOD_GLOO_RENDEZVOUS_PORT=1234"})

	env, err = rankEnv(xla.BackendName, cfg, "10.0.0.1", 1234)
	require.NoError(t, err)
	assert.Subset(t, env, []string{"XRT_SHARD_ORDINAL=5", "XRT_POD_COORDINATOR=10.0.0.1:1234"})

	_, err = rankEnv("mpi", cfg, "10.0.0.1", 1234)
	require.Error(t, err)
}

// TestRankEnvIsParsed checks that the environment given to each rank by launch is the one the backend reads.
func TestRankEnvIsParsed(t *testing.T) {
	cfg := rankConfig{rank: 3, localRank: 1, worldSize: 4, nprocPerNode: 2, jobID: "job"}
	env, err := rankEnv(native.BackendName, cfg, "10.0.0.1", 1234)
	require.NoError(t, err)
	for _, entry := range env {
		name, value, _ := strings.Cut(entry, "=")
		t.Setenv(name, value)
	}
	t.Setenv(native.InitMethodEnv, "")
	parsed, err := native.ConfigFromEnv("")
	require.NoError(t, err)
	assert.Equal(t, cfg.rank, parsed.Rank)
	assert.Equal(t, cfg.localRank, parsed.LocalRank)
	assert.Equal(t, cfg.worldSize, parsed.WorldSize)
	assert.Equal(t, cfg.nprocPerNode, parsed.NProcPerNode)
	assert.Equal(t, "tcp://10.0.0.1:1234", parsed.InitMethod)
	name, _ := distributed.Selected()
	assert.Equal(t, native.BackendName, name)
}

func TestSelftestGroup(t *testing.T) {
	t.Setenv(devices.AcceleratorsEnv, "0")
	checks := newChecks(4096, dtypes.Float32)
	for _, backend := range []string{"native:gloo", horovod.BackendName, xla.BackendName} {
		for _, scheme := range []string{transport.LocalScheme, "tcp", "http"} {
			t.Run(backend+"/"+scheme, func(t *testing.T) {
				initMethod, err := selftestInitMethod(scheme)
				require.NoError(t, err)
				var done int
				results, err := runSelftestGroup(backend, initMethod, 3, 3, checks, time.Minute,
					func(checkResult) { done++ })
				require.NoError(t, err)
				require.Len(t, results, len(checks))
				assert.Equal(t, len(checks), done)
				for _, result := range results {
					assert.NoError(t, result.err, "check %q", result.name)
				}
			})
		}
	}
}

// TestCheckAllReduceRepeated runs the all_reduce check many times: ranks issuing the reductions in
// different orders would fail a round with transport.ErrProtocol.
func TestCheckAllReduceRepeated(t *testing.T) {
	t.Setenv(devices.AcceleratorsEnv, "0")
	checks := []check{{name: "all_reduce", fn: checkAllReduce}}
	for range 20 {
		initMethod, err := selftestInitMethod(transport.LocalScheme)
		require.NoError(t, err)
		results, err := runSelftestGroup("native:gloo", initMethod, 3, 3, checks, time.Minute, nil)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.NoError(t, results[0].err)
	}
}

func TestParsePayloadDType(t *testing.T) {
	for name, want := range map[string]dtypes.DType{
		"float32": dtypes.Float32,
		"Int8":    dtypes.Int8,
		"bf16":    dtypes.BFloat16,
		"C64":     dtypes.Complex64,
	} {
		dtype, err := parsePayloadDType(name)
		require.NoError(t, err, "name=%q", name)
		assert.Equal(t, want, dtype, "name=%q", name)
	}
	for _, name := range []string{"bool", "InvalidDType", "float8"} {
		_, err := parsePayloadDType(name)
		assert.Error(t, err, "name=%q", name)
	}
}

func TestPayloadDTypes(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Int8, dtypes.Uint32, dtypes.Float16, dtypes.BFloat16, dtypes.Float64, dtypes.Complex128} {
		t.Run(dtype.String(), func(t *testing.T) {
			checks := newChecks(100, dtype)
			payload := checks[len(checks)-1]
			assert.Equal(t, "payload("+dtype.String()+")", payload.name)
			assert.Equal(t, dtype.SizeForDimensions(100/dtype.Size()), payload.payloadBytes)

			initMethod, err := selftestInitMethod(transport.LocalScheme)
			require.NoError(t, err)
			results, err := runSelftestGroup("native:gloo", initMethod, 3, 3, []check{payload}, time.Minute, nil)
			require.NoError(t, err)
			require.Len(t, results, 1)
			require.NoError(t, results[0].err)
		})
	}
}

func TestSelftestGroupFailure(t *testing.T) {
	initMethod, err := selftestInitMethod(transport.LocalScheme)
	require.NoError(t, err)
	failing := []check{{name: "fails_on_rank_1", fn: func(c *distributed.Comm) error {
		if c.Backend().Topology().Rank == 1 {
			panic(assert.AnError)
		}
		return c.Barrier()
	}}}
	_, err = runSelftestGroup("native:gloo", initMethod, 2, 2, failing, time.Minute, nil)
	require.Error(t, err)
}

func TestThroughput(t *testing.T) {
	assert.Equal(t, "-", throughput(checkResult{elapsed: time.Second}))
	assert.Equal(t, "2.0 MB/s", throughput(checkResult{elapsed: time.Second / 2, payloadBytes: 1_000_000}))
}
