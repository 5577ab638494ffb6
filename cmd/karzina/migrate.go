package main

import (
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/karzina/config"
	srv "github.com/mohammad-safakhou/karzina/internal/server"
)

func migrateCMD() *cobra.Command {
	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int
	var cfgPath string

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if migDir == "" {
				migDir = migDirDefault
			}
			return srv.Migrate(migDir, cfg.Databases.Postgres.DSN(), direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	migrate.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return migrate
}
