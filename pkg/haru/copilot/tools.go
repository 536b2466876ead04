// tools.go holds shared helpers for the builtin tool set. Each concern
// registers its tools from its own *_tools.go file.
package copilot

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// mustSchema marshals a JSON-schema map at registration time. Schemas are
// static literals, so a failure is a programming error.
func mustSchema(schema map[string]any) json.RawMessage {
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("invalid tool schema: %v", err))
	}
	return data
}

// decodeArgs unmarshals tool input into a typed argument struct.
func decodeArgs(input json.RawMessage, out any) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, out); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return nil
}

// confinePath resolves a possibly-relative path against root and rejects
// anything that escapes the root after cleaning.
func confinePath(root, requested string) (string, error) {
	if requested == "" {
		return root, nil
	}
	path := requested
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", requested)
	}
	return path, nil
}
