// memory_tools.go registers the long-term memory tools: saving facts to
// the daily log and hybrid retrieval over the indexed chunks.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/haru/pkg/haru/copilot/memory"
	"github.com/jholhewres/haru/pkg/haru/workspace"
)

// RegisterMemoryTools registers remember and search_memory. The store may
// be nil when the memory subsystem is disabled; search then reports that.
func RegisterMemoryTools(reg *Registry, ws *workspace.Store, store *memory.Store) {
	reg.Register(&Tool{
		Def: ToolDefinition{
			Name: "remember",
			Description: "Save a fact, preference or event to long-term memory. " +
				"It lands in today's daily log and becomes searchable.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{"type": "string", "description": "What to remember, one self-contained note"},
				},
				"required": []string{"content"},
			}),
		},
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Content string `json:"content"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Content) == "" {
				return "", fmt.Errorf("content is required")
			}
			if err := ws.AppendDailyLog(args.Content); err != nil {
				return "", err
			}
			// Re-index today's file so the note is searchable immediately.
			// Indexing failure keeps the note on disk, so it is not fatal.
			if store != nil {
				day := time.Now().Format("2006-01-02")
				if _, err := store.IndexFile(ctx, ws.MemoryPath()+"/"+day+".md"); err != nil {
					return fmt.Sprintf("Saved to today's log (indexing deferred: %v)", err), nil
				}
			}
			return "Saved to today's log.", nil
		},
	})

	reg.Register(&Tool{
		Def: ToolDefinition{
			Name:        "search_memory",
			Description: "Search long-term memory with combined semantic and keyword retrieval.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "What to look for"},
					"limit": map[string]any{"type": "integer", "description": "Max results, default 5"},
				},
				"required": []string{"query"},
			}),
		},
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			if args.Query == "" {
				return "", fmt.Errorf("query is required")
			}
			if store == nil {
				return "Memory search is disabled.", nil
			}
			limit := args.Limit
			if limit <= 0 || limit > 20 {
				limit = 5
			}
			hits := store.HybridSearch(ctx, args.Query, memory.HybridOptions{
				TopK:   limit,
				UseRRF: true,
			})
			if len(hits) == 0 {
				return "No matching memories.", nil
			}
			var b strings.Builder
			for i, h := range hits {
				fmt.Fprintf(&b, "%d. [%s, score %.2f] %s\n", i+1, h.Source, h.Score, strings.TrimSpace(h.Text))
			}
			return b.String(), nil
		},
	})
}
