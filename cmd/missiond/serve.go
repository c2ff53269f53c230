package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marketpulse/missioncore/internal/config"
	"github.com/marketpulse/missioncore/internal/server"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mission core HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return server.Run(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (YAML); env vars with MISSIONCORE_ prefix override")
	return cmd
}
