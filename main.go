package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var flags struct {
	configPath string
	debug      bool
	dryRun     bool
}

var rootCmd = &cobra.Command{
	Use:          "shellyd",
	Short:        "Poll Shelly cloud sensors and store their readings",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll in the foreground, or under the service manager when started by it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "log at debug level")
	rootCmd.PersistentFlags().BoolVarP(&flags.dryRun, "dryrun", "n", false, "log readings instead of writing them to the database")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serviceCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
