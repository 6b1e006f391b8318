package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"conductor/internal/checkpoint"
	"conductor/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session's workflow state",
	Long: `Display the latest checkpointed state of a session.

Shows:
  - Workflow status and review progress
  - The step history with per-worker outcomes
  - Recorded errors`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := checkpoint.Open(cfg.CheckpointDBPath())
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	state, version, err := store.LoadLatest(args[0])
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			fmt.Printf("No checkpoints for session %s.\n", args[0])
			return nil
		}
		var corrupt *checkpoint.CorruptionError
		if errors.As(err, &corrupt) {
			return fmt.Errorf("session %s has a corrupt checkpoint at version %d: %w", args[0], corrupt.Version, corrupt.Err)
		}
		return fmt.Errorf("load checkpoint: %w", err)
	}

	fmt.Printf("Session: %s (checkpoint v%d)\n", state.SessionID, version)
	fmt.Printf("  Task: %s\n", state.TaskDescription)
	fmt.Printf("  Status: %s\n", colorStatus(state.Status))
	if state.ReviewIteration > 0 || state.QualityScore > 0 {
		fmt.Printf("  Review: iteration %d, score %.2f\n", state.ReviewIteration, state.QualityScore)
	}

	if len(state.StepHistory) > 0 {
		fmt.Println("  Steps:")
		for _, step := range state.StepHistory {
			elapsed := step.FinishedAt.Sub(step.StartedAt)
			line := fmt.Sprintf("    %-14s %-7s %s", step.WorkerName, step.Outcome, formatDuration(elapsed))
			if step.ResultSummary != "" {
				line += fmt.Sprintf("  %q", truncate(step.ResultSummary, 60))
			}
			fmt.Println(line)
		}
	}

	if len(state.ErrorLog) > 0 {
		fmt.Println("  Errors:")
		for _, e := range state.ErrorLog {
			fmt.Printf("    %s\n", e)
		}
	}
	return nil
}

// colorStatus renders a workflow status with terminal color.
func colorStatus(s models.Status) string {
	switch s {
	case models.StatusSucceeded:
		return color.GreenString(string(s))
	case models.StatusFailed:
		return color.RedString(string(s))
	case models.StatusRunning, models.StatusAwaitingWorker:
		return color.CyanString(string(s))
	case models.StatusNeedsRevision:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
