package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"conductor/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Multi-agent task orchestrator",
	Long: `Conductor coordinates specialized worker processes through a fixed
research, design, implementation and review pipeline.

Clients connect over a websocket session, submit a task, and receive
streamed progress until the task succeeds or fails. Every state change
is checkpointed, so interrupted sessions resume where they left off,
and workers share findings through a searchable memory store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration, honoring the --config flag when set.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromPath(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (overrides discovery)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
