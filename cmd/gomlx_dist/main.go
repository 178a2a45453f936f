// gomlx_dist inspects the distributed environment of a process, tests the distributed backends and
// launches distributed jobs on the local node.
//
// Flags can also be given as environment variables prefixed with GOMLX_DIST
// or in a gomlx_dist.yaml configuration file, in $HOME/.gomlx or in the current directory.
// Environment variables and configuration keys are scoped by command: e.g. GOMLX_DIST_SELFTEST_WORLD_SIZE=8.
//
// Examples:
//
//	gomlx_dist info
//	gomlx_dist selftest --world-size=4 --transports=inproc,tcp,http --backend=horovod
//	gomlx_dist launch --nproc-per-node=4 -- ./my_training_program --epochs=10
package main

import (
	goflag "flag"
	"os"
	"strings"

	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/distcomm/pkg/distributed/default"
)

func main() {
	klog.InitFlags(nil)
	root := newRootCommand()
	root.PersistentFlags().AddGoFlagSet(goflag.CommandLine)
	root.AddCommand(newInfoCommand(), newCheckCommand(), newSelftestCommand(), newLaunchCommand())
	if err := root.Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// newRootCommand makes all sub-commands read their flags from the command line, from environment variables
// prefixed with GOMLX_DIST, or from the gomlx_dist.yaml configuration file (in that order).
func newRootCommand() *cobra.Command {
	viper.SetConfigName("gomlx_dist")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("GOMLX_DIST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	for _, path := range []string{"$HOME/.gomlx", "."} {
		viper.AddConfigPath(path)
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			klog.Warningf("failed to read configuration file: %v", err)
		}
	}
	return &cobra.Command{
		Use:           "gomlx_dist",
		Short:         "Inspect, test and launch distributed GoMLX jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// bindFlags makes the flags of the command available through viper, under the key "<command>.<flag>".
// E.g. the flag --world-size of selftest can be set with $GOMLX_DIST_SELFTEST_WORLD_SIZE.
func bindFlags(command string, flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		must.M(viper.BindPFlag(flagKey(command, flag.Name), flag))
	})
}

func flagKey(command, flag string) string {
	return command + "." + flag
}
