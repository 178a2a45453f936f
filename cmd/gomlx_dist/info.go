package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/distributed"
	"github.com/gomlx/distcomm/pkg/distributed/native"
	"github.com/spf13/cobra"
)

// infoEnvVars are the environment variables that configure the distributed backends.
var infoEnvVars = []string{
	distributed.DistEnv, distributed.JobIDEnv, native.InitMethodEnv, devices.AcceleratorsEnv, "CUDA_VISIBLE_DEVICES",
	"RANK", "WORLD_SIZE", "LOCAL_RANK", "LOCAL_WORLD_SIZE", "MASTER_ADDR", "MASTER_PORT",
	"HOROVOD_RANK", "HOROVOD_SIZE", "HOROVOD_LOCAL_RANK", "HOROVOD_LOCAL_SIZE",
	"HOROVOD_GLOO_RENDEZVOUS_ADDR", "HOROVOD_GLOO_RENDEZVOUS_PORT",
	"XRT_SHARD_ORDINAL", "XRT_SHARD_WORLD_SIZE", "XRT_SHARD_LOCAL_ORDINAL", "XRT_LOCAL_WORLD_SIZE",
	"XRT_POD_COORDINATOR",
}

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the distributed backends available and the environment of this process",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			showInfo()
			return nil
		},
	}
}

func showInfo() {
	fmt.Println(titleStyle.Render("Distributed environment"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	selected, config := distributed.Selected()
	if config != "" {
		selected += " (" + config + ")"
	}
	table.Row("selected backend", selected)
	table.Row("available backends", strings.Join(distributed.AvailableBackends(), ", "))
	table.Row("hostname", distributed.Hostname())
	table.Row("accelerators", fmt.Sprintf("%d", devices.NumAccelerators()))
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Environment variables"))
	table = newPlainTable(lipgloss.Right, lipgloss.Left).Headers("Variable", "Value")
	for _, name := range infoEnvVars {
		if value, found := os.LookupEnv(name); found {
			table.Row(name, value)
		}
	}
	fmt.Println(table.Render())
}
