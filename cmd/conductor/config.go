package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	Long: `Print the configuration conductor would run with, after merging
defaults, the user config, any project .conductor.yaml, and CONDUCTOR_*
environment variables.`,
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("User config: %s\n\n", config.GetUserConfigPath())
	fmt.Printf("server.listen: %s\n", cfg.Server.Listen)
	fmt.Printf("data.dir: %s\n", cfg.Data.Dir)
	fmt.Printf("  checkpoints: %s\n", cfg.CheckpointDBPath())
	fmt.Printf("  memory: %s\n", cfg.MemoryDBPath())
	fmt.Printf("supervisor.quality_threshold: %.2f\n", cfg.Supervisor.QualityThreshold)
	fmt.Printf("supervisor.max_iterations: %d\n", cfg.Supervisor.MaxIterations)
	fmt.Printf("supervisor.default_timeout: %s\n", cfg.Supervisor.DefaultTimeout)
	if cfg.Workers.File != "" {
		fmt.Printf("workers.file: %s\n", cfg.Workers.File)
	} else {
		fmt.Println("workers.file: (built-in defaults)")
	}
	return nil
}
