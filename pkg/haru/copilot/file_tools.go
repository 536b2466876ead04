// file_tools.go registers the workspace file tools. All paths are
// confined to the workspace root.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jholhewres/haru/pkg/haru/workspace"
)

// maxReadBytes bounds a single read_file result before compression.
const maxReadBytes = 256 * 1024

// RegisterFileTools registers read_file, write_file and list_directory.
func RegisterFileTools(reg *Registry, ws *workspace.Store) {
	root := ws.Root()

	reg.Register(&Tool{
		Def: ToolDefinition{
			Name:        "read_file",
			Description: "Read a file from the workspace. Paths are relative to the workspace root.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "File path relative to the workspace"},
				},
				"required": []string{"path"},
			}),
		},
		Compress: compressHead,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			path, err := confinePath(root, args.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading %s: %w", args.Path, err)
			}
			if len(data) > maxReadBytes {
				data = data[:maxReadBytes]
			}
			return string(data), nil
		},
	})

	reg.Register(&Tool{
		Def: ToolDefinition{
			Name:        "write_file",
			Description: "Write or overwrite a file in the workspace. Creates parent directories as needed.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string", "description": "File path relative to the workspace"},
					"content": map[string]any{"type": "string", "description": "Full file content"},
				},
				"required": []string{"path", "content"},
			}),
		},
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			path, err := confinePath(root, args.Path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", fmt.Errorf("creating directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(args.Content), 0o600); err != nil {
				return "", fmt.Errorf("writing %s: %w", args.Path, err)
			}
			// Persona files feed the system prompt; drop the cached snapshot.
			ws.Invalidate()
			return fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path), nil
		},
	})

	reg.Register(&Tool{
		Def: ToolDefinition{
			Name:        "list_directory",
			Description: "List a workspace directory. Folders end with a slash.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string", "description": "Directory path relative to the workspace; empty lists the root"},
				},
			}),
		},
		Compress: compressDirListing,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			path, err := confinePath(root, args.Path)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return "", fmt.Errorf("listing %s: %w", args.Path, err)
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			if len(names) == 0 {
				return "(empty directory)", nil
			}
			return strings.Join(names, "\n"), nil
		},
	})
}
