package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"signet/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the memory daemon in the foreground",
	Long: `Starts the daemon: opens the store, applies pending migrations,
binds the loopback HTTP API, and runs the worker loops until
interrupted. Exits with status 2 if another daemon already holds the
data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return daemon.Run(ctx, daemon.Options{
			ConfigPath: configPath,
			Version:    Version,
		})
	},
}
