package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/haru/pkg/haru/copilot/memory"
	"github.com/jholhewres/haru/pkg/haru/workspace"
)

// newMemoryCmd creates `haru memory` with search and index subcommands.
func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Search and maintain the long-term memory index",
		Long: `Query the hybrid (semantic + keyword) memory index, or re-index the
workspace memory directory after editing files by hand.

Examples:
  haru memory search "dentist appointment"
  haru memory index`,
	}
	cmd.AddCommand(newMemorySearchCmd(), newMemoryIndexCmd())
	return cmd
}

// openMemory opens the on-disk chunk index with the configured embedder.
func openMemory(cmd *cobra.Command) (*memory.Store, string, error) {
	logger := newLogger(cmd, "")
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return nil, "", err
	}
	ws, err := workspace.NewStore(cfg.WorkspaceDir, logger)
	if err != nil {
		return nil, "", err
	}
	engine := memory.NewEngine(memory.NewProviderFromEnv(logger), logger)
	store, err := memory.Open(filepath.Join(ws.MemoryPath(), ".vector-store.db"), engine, logger)
	if err != nil {
		return nil, "", err
	}
	return store, ws.MemoryPath(), nil
}

func newMemorySearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topK, _ := cmd.Flags().GetInt("limit")
			store, _, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			query := strings.Join(args, " ")
			hits := store.HybridSearch(context.Background(), query, memory.HybridOptions{
				TopK:   topK,
				UseRRF: true,
			})
			if len(hits) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for i, h := range hits {
				fmt.Printf("%d. [%s] score %.3f\n   %s\n", i+1, h.Source, h.Score, strings.TrimSpace(h.Text))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 5, "max results")
	return cmd
}

func newMemoryIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Re-index the workspace memory directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, memDir, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.IndexDir(context.Background(), memDir)
			if err != nil {
				return err
			}
			fmt.Printf("Indexed %d chunks (%d total in store)\n", n, store.CountChunks())
			return nil
		},
	}
}
