package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gomlx/distcomm/pkg/distributed/native"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	launchCommand  = "launch"
	nnodesFlag     = "nnodes"
	nodeRankFlag   = "node-rank"
	masterAddrFlag = "master-addr"
	masterPortFlag = "master-port"
	jobIDFlag      = "job-id"
)

func newLaunchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   launchCommand + " [flags] [-- program [args...]]",
		Short: "Launch the processes of this node of a distributed job",
		Long: `Launch starts --nproc-per-node processes running the given program, each with the environment variables
that configure its rank for the selected backend. Without a program, it runs "gomlx_dist check".

If any process fails, the others are killed.`,
		RunE: runLaunch,
	}
	flags := cmd.Flags()
	flags.IntP(nprocPerNodeFlag, "n", 1, "Number of processes to start on this node.")
	flags.Int(nnodesFlag, 1, "Number of nodes of the job.")
	flags.Int(nodeRankFlag, 0, "Rank of this node, in [0, --nnodes).")
	flags.String(backendFlag, native.BackendName, `Backend of the job: "native[:gloo|nccl]", "horovod" or "xla".`)
	flags.String(masterAddrFlag, "127.0.0.1", "Address of the node running rank 0.")
	flags.Int(masterPortFlag, native.DefaultMasterPort, "Port of the coordinator, hosted by rank 0.")
	flags.String(jobIDFlag, "", "Identifier shared by all processes of the job. Defaults to a random one, "+
		"so it must be given for jobs with more than one node.")
	bindFlags(launchCommand, flags)
	return cmd
}

func runLaunch(_ *cobra.Command, args []string) error {
	key := func(flag string) string { return flagKey(launchCommand, flag) }
	nprocPerNode := viper.GetInt(key(nprocPerNodeFlag))
	nnodes := viper.GetInt(key(nnodesFlag))
	nodeRank := viper.GetInt(key(nodeRankFlag))
	if nprocPerNode <= 0 || nnodes <= 0 || nodeRank < 0 || nodeRank >= nnodes {
		return errors.Errorf("invalid --%s=%d, --%s=%d or --%s=%d",
			nprocPerNodeFlag, nprocPerNode, nnodesFlag, nnodes, nodeRankFlag, nodeRank)
	}
	jobID := viper.GetString(key(jobIDFlag))
	if jobID == "" {
		if nnodes > 1 {
			return errors.Errorf("--%s must be given for jobs with more than one node", jobIDFlag)
		}
		jobID = uuid.NewString()
	}
	if len(args) == 0 {
		self, err := os.Executable()
		if err != nil {
			return errors.Wrap(err, "failed to find the gomlx_dist executable")
		}
		args = []string{self, checkCommand}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	worldSize := nnodes * nprocPerNode
	for localRank := range nprocPerNode {
		cfg := rankConfig{
			rank:         nodeRank*nprocPerNode + localRank,
			localRank:    localRank,
			worldSize:    worldSize,
			nprocPerNode: nprocPerNode,
			jobID:        jobID,
		}
		env, err := rankEnv(viper.GetString(key(backendFlag)), cfg,
			viper.GetString(key(masterAddrFlag)), viper.GetInt(key(masterPortFlag)))
		if err != nil {
			return err
		}
		g.Go(func() error {
			return runRankProcess(ctx, cfg.rank, args, env)
		})
	}
	klog.Infof("launched %d processes of job %q (%d ranks): %q", nprocPerNode, jobID, worldSize, args)
	return g.Wait()
}

// runRankProcess runs the program of one rank, prefixing its output lines with the rank.
func runRankProcess(ctx context.Context, rank int, args, env []string) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), env...)
	prefix := fmt.Sprintf("[rank %d] ", rank)
	var wg sync.WaitGroup
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "rank %d: failed to start %q", rank, args[0])
	}
	for _, pipe := range []struct {
		r io.Reader
		w io.Writer
	}{{stdout, os.Stdout}, {stderr, os.Stderr}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			copyWithPrefix(pipe.w, pipe.r, prefix)
		}()
	}
	wg.Wait()
	if err := cmd.Wait(); err != nil {
		return errors.Wrapf(err, "rank %d", rank)
	}
	return nil
}

var outputMu sync.Mutex

func copyWithPrefix(w io.Writer, r io.Reader, prefix string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		outputMu.Lock()
		_, _ = fmt.Fprintf(w, "%s%s\n", prefix, scanner.Text())
		outputMu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		klog.Warningf("%sfailed to read output: %v", prefix, err)
		_, _ = io.Copy(io.Discard, r)
	}
}
