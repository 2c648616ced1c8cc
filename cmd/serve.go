package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/crawlhq/spiderd/internal/app"
	"github.com/crawlhq/spiderd/internal/config"
)

// newServeCmd creates the 'serve' subcommand, which runs the daemon until
// interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the spiderd daemon",
		Long: `Starts the HTTP interface, the queue poller and the process launcher,
and runs until SIGINT or SIGTERM.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("spiderd.yaml"); err == nil {
			path = "spiderd.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer application.Close()

	application.Logger().Info("spiderd starting")
	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	application.Logger().Info("spiderd stopped")
	return nil
}
