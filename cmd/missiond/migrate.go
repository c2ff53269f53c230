package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marketpulse/missioncore/internal/config"
	"github.com/marketpulse/missioncore/internal/server"
)

func migrateCMD() *cobra.Command {
	var cfgPath, dir, direction string
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return server.Migrate(dir, cfg.Database.URL, direction, steps)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (YAML); env vars with MISSIONCORE_ prefix override")
	cmd.Flags().StringVar(&dir, "dir", "file://migrations", "migrations source directory")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return cmd
}
