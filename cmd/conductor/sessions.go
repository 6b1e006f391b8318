package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"conductor/internal/checkpoint"
)

var purgeOlderThan time.Duration

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List checkpointed sessions",
	Long: `List every checkpointed session with its latest status.

With --purge-older-than, completed and failed sessions whose last update
is older than the given duration are deleted first. In-flight sessions
are never purged.`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().DurationVar(&purgeOlderThan, "purge-older-than", 0, "delete terminal sessions older than this duration (e.g. 720h)")
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := checkpoint.Open(cfg.CheckpointDBPath())
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	if purgeOlderThan > 0 {
		n, err := store.PurgeOlderThan(purgeOlderThan)
		if err != nil {
			return fmt.Errorf("purge sessions: %w", err)
		}
		fmt.Printf("Purged %d session(s).\n", n)
	}

	sums, err := store.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sums) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	fmt.Printf("%-38s %-16s %-6s %s\n", "SESSION", "STATUS", "VER", "UPDATED")
	for _, sum := range sums {
		age := formatDuration(time.Since(sum.UpdatedAt))
		fmt.Printf("%-38s %-16s %-6d %s ago\n", sum.SessionID, colorStatus(sum.Status), sum.LatestVersion, age)
	}
	return nil
}
