package main

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/gomlx/distcomm/pkg/distributed/native"
	"github.com/gomlx/distcomm/pkg/distributed/transport"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	selftestCommand  = "selftest"
	worldSizeFlag    = "world-size"
	nprocPerNodeFlag = "nproc-per-node"
	transportsFlag   = "transports"
	backendFlag      = "backend"
	timeoutFlag      = "timeout"
)

func newSelftestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   selftestCommand,
		Short: "Run groups of ranks in this process over each transport, and check their collectives",
		Args:  cobra.NoArgs,
		RunE:  runSelftest,
	}
	flags := cmd.Flags()
	flags.IntP(worldSizeFlag, "n", 4, "Number of ranks, each run as a goroutine.")
	flags.Int(nprocPerNodeFlag, 0, "Number of ranks per simulated node. Defaults to --world-size.")
	flags.StringSlice(transportsFlag, []string{transport.LocalScheme, "tcp", "http"}, "Transports to check.")
	flags.String(backendFlag, native.BackendName, `Backend to check: "native[:gloo|nccl]", "horovod" or "xla".`)
	flags.String(payloadFlag, "1MiB", "Size of the tensor all-reduced by the payload check.")
	flags.String(dtypeFlag, "float32", "DType of the tensor all-reduced by the payload check.")
	flags.Duration(timeoutFlag, time.Minute, "Maximum time for the checks of each transport.")
	bindFlags(selftestCommand, flags)
	return cmd
}

type transportResults struct {
	scheme  string
	results []checkResult
	err     error
}

func runSelftest(*cobra.Command, []string) error {
	key := func(flag string) string { return flagKey(selftestCommand, flag) }
	worldSize := viper.GetInt(key(worldSizeFlag))
	nprocPerNode := viper.GetInt(key(nprocPerNodeFlag))
	if nprocPerNode == 0 {
		nprocPerNode = worldSize
	}
	if worldSize <= 0 || nprocPerNode <= 0 || worldSize%nprocPerNode != 0 {
		return errors.Errorf("invalid --%s=%d with --%s=%d", worldSizeFlag, worldSize, nprocPerNodeFlag, nprocPerNode)
	}
	payloadBytes, err := humanize.ParseBytes(viper.GetString(key(payloadFlag)))
	if err != nil {
		return errors.Wrapf(err, "invalid --%s", payloadFlag)
	}
	dtype, err := parsePayloadDType(viper.GetString(key(dtypeFlag)))
	if err != nil {
		return errors.WithMessagef(err, "invalid --%s", dtypeFlag)
	}
	backend := viper.GetString(key(backendFlag))
	schemes := viper.GetStringSlice(key(transportsFlag))
	timeout := viper.GetDuration(key(timeoutFlag))

	checks := newChecks(int(payloadBytes), dtype)
	bar := progressbar.NewOptions(len(schemes)*len(checks),
		progressbar.OptionSetDescription(fmt.Sprintf("%s, %d ranks", backend, worldSize)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionEnableColorCodes(colored()),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish())
	var all []transportResults
	for _, scheme := range schemes {
		tr := transportResults{scheme: scheme}
		initMethod, err := selftestInitMethod(scheme)
		if err == nil {
			tr.results, err = runSelftestGroup(backend, initMethod, worldSize, nprocPerNode, checks, timeout,
				func(checkResult) { _ = bar.Add(1) })
		}
		tr.err = err
		all = append(all, tr)
	}
	_ = bar.Finish()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Selftest of %s with %d ranks (%d per node)", backend, worldSize, nprocPerNode)))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right).
		Headers("Transport", "Check", "Status", "Time", "Throughput")
	var failed int
	for _, tr := range all {
		for _, result := range tr.results {
			table.Row(tr.scheme, result.name, status(result.err), result.elapsed.Round(time.Microsecond).String(), throughput(result))
		}
		if tr.err != nil {
			failed++
			table.Row(tr.scheme, "(group)", status(tr.err), "-", "-")
		}
	}
	fmt.Println(table.Render())
	showCollectiveMetrics()
	if failed > 0 {
		return errors.Errorf("selftest failed for %d of %d transports", failed, len(all))
	}
	return nil
}

// selftestInitMethod returns an init method for the transport scheme on the local host.
func selftestInitMethod(scheme string) (string, error) {
	if scheme == transport.LocalScheme {
		return fmt.Sprintf("%s://selftest-%s", scheme, uuid.NewString()), nil
	}
	port, err := freePort()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://127.0.0.1:%d", scheme, port), nil
}

func freePort() (int, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Wrap(err, "failed to find a free port")
	}
	defer func() { _ = lis.Close() }()
	return lis.Addr().(*net.TCPAddr).Port, nil
}

// runSelftestGroup runs the checks on a group of worldSize goroutines, and returns the results observed
// by rank 0.
func runSelftestGroup(backend, initMethod string, worldSize, nprocPerNode int, checks []check, timeout time.Duration,
	onDone func(checkResult)) ([]checkResult, error) {
	jobID := uuid.NewString()
	var rank0Results []checkResult
	var g errgroup.Group
	for rank := range worldSize {
		g.Go(func() error {
			b, err := newBackend(backend, rankConfig{
				rank:         rank,
				localRank:    rank % nprocPerNode,
				worldSize:    worldSize,
				nprocPerNode: nprocPerNode,
				initMethod:   initMethod,
				jobID:        jobID,
			})
			if err != nil {
				abortGroup(initMethod)
				return errors.WithMessagef(err, "rank %d", rank)
			}
			var rankOnDone func(checkResult)
			if rank == 0 {
				rankOnDone = onDone
			}
			results := runChecks(distributed.NewComm(b), checks, rankOnDone)
			if rank == 0 {
				rank0Results = results
			}
			for _, result := range results {
				if result.err != nil {
					abortGroup(initMethod)
					return errors.WithMessagef(result.err, "rank %d", rank)
				}
			}
			return b.Finalize()
		})
	}
	wait := make(chan error, 1)
	go func() { wait <- g.Wait() }()
	select {
	case err := <-wait:
		return rank0Results, err
	case <-time.After(timeout):
		abortGroup(initMethod)
		return nil, errors.Errorf("timed out after %s", timeout)
	}
}

// abortGroup releases the ranks of an in-process group. Ranks of other transports are left to the timeout.
func abortGroup(initMethod string) {
	u, err := url.Parse(initMethod)
	if err != nil || u.Scheme != transport.LocalScheme {
		return
	}
	klog.Warningf("aborting group %q", initMethod)
	transport.AbortLocal(u.Host)
}

// showCollectiveMetrics prints the counters of collective calls collected during the selftest.
func showCollectiveMetrics() {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		klog.Warningf("failed to gather metrics: %v", err)
		return
	}
	callsName := distributed.MetricsNamespace + "_collective_calls_total"
	var rows [][]string
	for _, family := range families {
		if family.GetName() != callsName {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := make(map[string]string)
			for _, label := range metric.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}
			rows = append(rows, []string{labels["collective"], labels["model"], labels["status"],
				humanize.Comma(int64(metric.GetCounter().GetValue()))})
		}
	}
	if len(rows) == 0 {
		return
	}
	sort.Slice(rows, func(i, j int) bool {
		for col := range 3 {
			if rows[i][col] != rows[j][col] {
				return rows[i][col] < rows[j][col]
			}
		}
		return false
	})
	fmt.Println(titleStyle.Render("Collective calls"))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right).
		Headers("Collective", "Model", "Status", "Calls")
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
