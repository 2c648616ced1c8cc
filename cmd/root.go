// Package cmd defines the CLI commands for the spiderd executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spiderd",
		Short: "A crawl job dispatch and process supervision daemon.",
		Long: `spiderd accepts crawl jobs over HTTP, queues them per project in
durable priority queues, and runs them as supervised subprocesses bounded
by a fixed pool of worker slots.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./spiderd.yaml if present)")

	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
