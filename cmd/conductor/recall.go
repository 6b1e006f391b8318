package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"conductor/internal/memory"
)

var (
	recallWorker string
	recallKind   string
	recallLimit  int
)

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search the cross-worker memory store",
	Long: `Search stored memories by similarity to a query.

Results are ranked by cosine similarity, most similar first. Filters
restrict the search to a producing worker or a memory kind.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecall,
}

func init() {
	recallCmd.Flags().StringVar(&recallWorker, "worker", "", "only memories produced by this worker")
	recallCmd.Flags().StringVar(&recallKind, "kind", "", "only memories of this kind")
	recallCmd.Flags().IntVar(&recallLimit, "limit", memory.DefaultSearchLimit, "maximum number of results")
}

func runRecall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := memory.Open(cfg.MemoryDBPath())
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	query := strings.Join(args, " ")
	filter := memory.Filter{ProducingWorker: recallWorker, Kind: recallKind}
	results, err := store.Search(query, filter, recallLimit)
	if err != nil {
		return fmt.Errorf("search memories: %w", err)
	}
	if len(results) == 0 {
		fmt.Println("No matching memories.")
		return nil
	}

	for i, r := range results {
		fmt.Printf("%d. [%.3f] %s (%s, %s)\n", i+1, r.Score, r.Item.ID, r.Item.Metadata.ProducingWorker, r.Item.Metadata.Kind)
		fmt.Printf("   %s\n", r.Item.Content)
	}
	return nil
}
