package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"signet/internal/config"
	"signet/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	Long: `Opens the database, brings the schema forward to the current
version, and prints the resulting version. Safe to run repeatedly;
already-applied migrations are skipped. Do not run while a daemon is
serving the same database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = filepath.Join(config.DefaultConfig().Daemon.AgentsDir, "config.yaml")
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		st, err := store.Open(store.Options{
			Path:        cfg.DatabasePath(),
			BusyTimeout: cfg.Memory.BusyTimeout.Std(),
		})
		if err != nil {
			return err
		}
		defer st.Close()

		v, err := st.SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Printf("schema version %d (%s)\n", v, cfg.DatabasePath())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
