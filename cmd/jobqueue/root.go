package main

import (
	"github.com/spf13/cobra"

	"github.com/zerverless/jobqueue/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "jobqueue",
	Short:        "Grading job queue with local and remote workers",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (env vars override it)")
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.Load()
		return cfg, cfg.Validate()
	}
	return config.LoadFile(configPath)
}
