package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lineops/shiftline/config"
	"github.com/lineops/shiftline/internal/server"
)

func main() {
	root := &cobra.Command{Use: "shiftline"}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the turn API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.Run(cmd.Context(), configPath)
		},
	}

	var migDir string
	var direction string
	var steps int
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			return server.Migrate(migDir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	migrateCmd.Flags().StringVar(&migDir, "dir", "file://internal/store/migrations", "migrations source")
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	root.AddCommand(serve, migrateCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
