// signet is the local-first memory daemon and its CLI. The daemon owns
// the SQLite store and serves a loopback HTTP API; every other
// subcommand is a thin client of that API.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"signet/internal/daemon"
)

// Version is stamped by the build; "dev" for local builds.
var Version = "dev"

var (
	configPath string
	port       int
)

var rootCmd = &cobra.Command{
	Use:   "signet",
	Short: "Signet - persistent memory daemon for AI agents",
	Long: `Signet is a local-first memory daemon. It stores memories in SQLite,
recalls them with hybrid keyword and vector search, signs them with an
Ed25519 did:key identity, and distills session transcripts into durable
facts through an asynchronous worker pipeline.

Run "signet daemon" to start the daemon; the other subcommands talk to
it over the loopback HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default <agents_dir>/config.yaml)")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "daemon port (default from config)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the signet version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
