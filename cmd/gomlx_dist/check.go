package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

const (
	checkCommand    = "check"
	payloadFlag     = "payload"
	dtypeFlag       = "dtype"
	metricsAddrFlag = "metrics-addr"
)

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   checkCommand,
		Short: "Join the distributed group configured by the environment and check its collectives",
		Long: `Check joins the distributed group configured by the environment (see "gomlx_dist info"), runs a
series of collectives on all ranks and reports the results on rank 0.

It is the default program run by "gomlx_dist launch".`,
		Args: cobra.NoArgs,
		RunE: runCheckCommand,
	}
	flags := cmd.Flags()
	flags.String(payloadFlag, "1MiB", "Size of the tensor all-reduced by the payload check.")
	flags.String(dtypeFlag, "float32", "DType of the tensor all-reduced by the payload check.")
	flags.String(metricsAddrFlag, "", `If set, e.g. ":9090", Prometheus metrics are served at "/metrics" during the checks.`)
	bindFlags(checkCommand, flags)
	return cmd
}

func runCheckCommand(*cobra.Command, []string) error {
	payloadBytes, err := humanize.ParseBytes(viper.GetString(flagKey(checkCommand, payloadFlag)))
	if err != nil {
		return errors.Wrapf(err, "invalid --%s", payloadFlag)
	}
	dtype, err := parsePayloadDType(viper.GetString(flagKey(checkCommand, dtypeFlag)))
	if err != nil {
		return errors.WithMessagef(err, "invalid --%s", dtypeFlag)
	}
	if addr := viper.GetString(flagKey(checkCommand, metricsAddrFlag)); addr != "" {
		stop, err := serveMetrics(addr)
		if err != nil {
			return err
		}
		defer stop()
	}

	if err := distributed.Sync(); err != nil {
		return err
	}
	distributed.ShowConfig()
	comm := distributed.Default()
	results := runChecks(comm, newChecks(int(payloadBytes), dtype), func(result checkResult) {
		klog.V(1).Infof("rank %d: check %q: %v (%s)", distributed.Rank(), result.name, result.err, result.elapsed)
	})
	if distributed.Rank() == 0 {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Checks of %s with %d ranks", distributed.ModelName(), distributed.WorldSize())))
		fmt.Println(resultsTable(results).Render())
	}
	for _, result := range results {
		if result.err != nil {
			// Other ranks may be blocked in a collective: don't wait for them in Finalize.
			return errors.WithMessagef(result.err, "rank %d", distributed.Rank())
		}
	}
	return distributed.Finalize()
}

func resultsTable(results []checkResult) *lgtable.Table {
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right).
		Headers("Check", "Status", "Time", "Throughput")
	for _, result := range results {
		table.Row(result.name, status(result.err), result.elapsed.Round(time.Microsecond).String(), throughput(result))
	}
	return table
}

func throughput(result checkResult) string {
	if result.payloadBytes == 0 || result.err != nil || result.elapsed <= 0 {
		return "-"
	}
	return humanize.Bytes(uint64(float64(result.payloadBytes)/result.elapsed.Seconds())) + "/s"
}

// serveMetrics serves the Prometheus metrics at addr, and returns a function that stops the server.
func serveMetrics(addr string) (stop func(), err error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen for metrics on %q", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("metrics server failed: %v", err)
		}
	}()
	klog.Infof("serving metrics at http://%s/metrics", lis.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}
