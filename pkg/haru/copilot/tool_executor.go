// tool_executor.go holds the tool registry and the parallel dispatcher the
// tool-use loop drives. Tool failures never propagate as errors: they come
// back as "Error: …" strings inside the tool_result so the model can decide
// how to recover.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// defaultToolTimeout bounds one tool execution.
	defaultToolTimeout = 30 * time.Second
	// commandToolTimeout is the ceiling for shell execution.
	commandToolTimeout = 60 * time.Second
	// defaultResultCap is the maximum tool result length before
	// compression kicks in.
	defaultResultCap = 10000
)

// ToolHandler executes one tool call and returns its textual result.
type ToolHandler func(ctx context.Context, input json.RawMessage) (string, error)

// Compressor shrinks an oversized tool result to fit the cap.
type Compressor func(result string, limit int) string

// Tool couples a definition with its runtime behavior.
type Tool struct {
	Def       ToolDefinition
	Handler   ToolHandler
	Timeout   time.Duration // 0 means defaultToolTimeout
	ResultCap int           // 0 means defaultResultCap
	Compress  Compressor    // nil means hard truncation
}

// ToolUseRecord is the short per-call summary the loop accumulates.
type ToolUseRecord struct {
	Name   string
	Input  string // truncated to 200 chars
	Output string // truncated to 500 chars
}

// Registry is the catalog of tools available to the model.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "tools"),
		tools:  make(map[string]*Tool),
	}
}

// Register adds a tool, replacing any existing one with the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Def.Name] = t
}

// Definitions returns the tool catalog sorted by name, for request shaping.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists the registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs one tool call under its timeout and compresses the result.
// The returned string is always usable as tool_result content.
func (r *Registry) Execute(ctx context.Context, call ToolCall) string {
	tool, ok := r.Get(call.Name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", call.Name)
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result, err := runTool(runCtx, tool, call.Input)
	elapsed := time.Since(started)

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		r.logger.Warn("tool timed out", "tool", call.Name, "timeout", timeout)
		return fmt.Sprintf("Error: tool %s timed out after %s", call.Name, timeout)
	case err != nil:
		r.logger.Warn("tool failed", "tool", call.Name, "elapsed", elapsed, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}

	r.logger.Debug("tool executed", "tool", call.Name, "elapsed", elapsed, "result_len", len(result))

	resultCap := tool.ResultCap
	if resultCap <= 0 {
		resultCap = defaultResultCap
	}
	if len(result) > resultCap {
		if tool.Compress != nil {
			return tool.Compress(result, resultCap)
		}
		return compressDefault(result, resultCap)
	}
	return result
}

// runTool guards the handler against panics, which surface as errors like
// any other tool failure.
func runTool(ctx context.Context, tool *Tool, input json.RawMessage) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return tool.Handler(ctx, input)
}

// ExecuteAll fans the calls out in parallel and returns tool_result blocks
// in the same order as the tool_use blocks they answer, plus the per-call
// summaries.
func (r *Registry) ExecuteAll(ctx context.Context, calls []ToolCall) ([]ContentBlock, []ToolUseRecord) {
	results := make([]string, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			results[i] = r.Execute(ctx, call)
		}(i, call)
	}
	wg.Wait()

	blocks := make([]ContentBlock, len(calls))
	records := make([]ToolUseRecord, len(calls))
	for i, call := range calls {
		blocks[i] = ContentBlock{
			Type:      "tool_result",
			ToolUseID: call.ID,
			Content:   results[i],
		}
		records[i] = ToolUseRecord{
			Name:   call.Name,
			Input:  truncateRunes(string(call.Input), 200),
			Output: truncateRunes(results[i], 500),
		}
	}
	return blocks, records
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
