package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"conductor/internal/checkpoint"
	"conductor/internal/config"
	"conductor/internal/gateway"
	"conductor/internal/memory"
	"conductor/internal/rpc"
	"conductor/internal/session"
	"conductor/internal/supervisor"
	"conductor/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conductor daemon",
	Long: `Start the websocket gateway and resume any interrupted sessions.

The daemon opens the checkpoint and memory databases, loads the worker
registry (watching it for changes), restores non-terminal sessions from
their latest checkpoints, and serves client sessions until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	checkpoints, err := checkpoint.Open(cfg.CheckpointDBPath())
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer checkpoints.Close()

	memories, err := memory.Open(cfg.MemoryDBPath())
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer memories.Close()

	registry, err := config.LoadRegistry(cfg.Workers.File)
	if err != nil {
		return fmt.Errorf("load worker registry: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Workers.File != "" {
		if err := registry.Watch(ctx); err != nil {
			return fmt.Errorf("watch worker registry: %w", err)
		}
	}

	// The client forwards progress into the manager, and the manager invokes
	// workers through the client, so the handler closes over the manager
	// variable assigned just below.
	var mgr *session.Manager
	client := rpc.NewClient(rpc.WithProgressHandler(func(sessionID string, p worker.Progress) {
		if mgr != nil {
			mgr.HandleProgress(sessionID, p)
		}
	}))
	defer client.Close()

	policy := supervisor.Policy{
		QualityThreshold: cfg.Supervisor.QualityThreshold,
		MaxIterations:    cfg.Supervisor.MaxIterations,
	}
	mgr = session.NewManager(client, checkpoints, memories, registry, policy)
	defer mgr.CloseAll()

	resumed, err := mgr.Restore()
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	if resumed > 0 {
		log.Printf("[serve] resumed %d interrupted session(s)", resumed)
	}

	srv := gateway.NewServer(gateway.Config{
		Listen:  cfg.Server.Listen,
		Manager: mgr,
	})

	go func() {
		<-ctx.Done()
		log.Printf("[serve] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[serve] shutdown: %v", err)
		}
	}()

	return srv.ListenAndServe()
}
