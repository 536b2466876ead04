// prompt.go assembles the system prompt. Assembly order is fixed so the
// provider's prompt cache stays warm across turns: stable sections first,
// volatile ones (time, memory hits) last.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/jholhewres/haru/pkg/haru/copilot/memory"
	"github.com/jholhewres/haru/pkg/haru/workspace"
)

const (
	// memoryQueryMaxLen truncates the vector-search query text.
	memoryQueryMaxLen = 500
	// memoryTopK / memoryMinScore shape the retrieval injected into the
	// prompt.
	memoryTopK     = 3
	memoryMinScore = 0.4
)

// PromptBuilder assembles system prompts from the workspace, session
// state, and memory retrieval.
type PromptBuilder struct {
	workspace *workspace.Store
	memory    *memory.Store
	sessions  *Sessions
	tools     *Registry
	timezone  *time.Location
	version   string
	logger    *slog.Logger
}

func NewPromptBuilder(ws *workspace.Store, mem *memory.Store, sessions *Sessions, tools *Registry, tz *time.Location, version string, logger *slog.Logger) *PromptBuilder {
	if tz == nil {
		tz = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptBuilder{
		workspace: ws,
		memory:    mem,
		sessions:  sessions,
		tools:     tools,
		timezone:  tz,
		version:   version,
		logger:    logger.With("component", "prompt"),
	}
}

// Build assembles the system prompt for one conversation turn.
func (p *PromptBuilder) Build(ctx context.Context, chatID string, history []chatMessage) string {
	ws := p.workspace.Load()

	var b strings.Builder

	// Fixed identity preamble.
	b.WriteString("You are a personal assistant living in a chat app. ")
	b.WriteString("You help one person with their daily life: reminders, schedules, notes, questions, and small tasks. ")
	b.WriteString("You remember what matters to them and act proactively when asked to.\n\n")

	// Tool availability.
	if names := p.tools.Names(); len(names) > 0 {
		b.WriteString("## Available tools\n")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("\n\n")
	}

	// Messaging and tool-call style.
	b.WriteString("## Style\n")
	b.WriteString("Answer in chat register: short, warm, no markdown headers unless asked. ")
	b.WriteString("Use tools rather than guessing; never invent file contents or dates. ")
	b.WriteString("When a tool fails, say what failed in one line and move on.\n\n")

	// Workspace location, time, heartbeat semantics, runtime fingerprint.
	fmt.Fprintf(&b, "Workspace directory: %s\n", p.workspace.Root())
	now := time.Now().In(p.timezone)
	fmt.Fprintf(&b, "Current time: %s (%s)\n", now.Format("2006-01-02 15:04 Mon"), p.timezone)
	b.WriteString("Heartbeat turns: if nothing needs attention, reply with exactly HEARTBEAT_OK and nothing else.\n")
	fmt.Fprintf(&b, "Runtime: haru %s (%s/%s)\n\n", p.version, runtime.GOOS, runtime.GOARCH)

	if ws.Bootstrap != "" {
		// Onboarding replaces the persona sections until completed.
		b.WriteString("## Onboarding\n")
		b.WriteString(ws.Bootstrap)
		b.WriteString("\n\n")
	} else {
		appendSection(&b, "Identity", ws.Identity)
		appendSection(&b, "Persona", ws.Soul)
		appendSection(&b, "About the user", ws.User)
		appendSection(&b, "Operating rules", ws.Agents)
		appendSection(&b, "Tool notes", ws.Tools)

		if pinned := p.sessions.Pinned(chatID); pinned != "" {
			appendSection(&b, "Pinned context", pinned)
		}

		if recent := p.workspace.RecentDaily(2); recent != "" {
			appendSection(&b, "Recent daily notes", recent)
		}

		if hits := p.searchMemory(ctx, history); hits != "" {
			appendSection(&b, "Relevant older memories", hits)
		}

		appendSection(&b, "Long-term memory", ws.Memory)
	}

	if len(ws.Truncated) > 0 {
		fmt.Fprintf(&b, "Note: these files were truncated on load: %s\n\n", strings.Join(ws.Truncated, ", "))
	}

	return strings.TrimRight(b.String(), "\n")
}

func appendSection(b *strings.Builder, title, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n%s\n\n", title, content)
}

// searchMemory retrieves chunks relevant to the last three user messages.
func (p *PromptBuilder) searchMemory(ctx context.Context, history []chatMessage) string {
	if p.memory == nil {
		return ""
	}
	query := lastUserText(history, 3, memoryQueryMaxLen)
	if query == "" {
		return ""
	}

	hits := p.memory.HybridSearch(ctx, query, memory.HybridOptions{
		TopK:     memoryTopK,
		MinScore: memoryMinScore,
		UseRRF:   true,
	})
	if len(hits) == 0 {
		return ""
	}

	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "[%s] %s\n", h.Source, strings.TrimSpace(h.Text))
	}
	return b.String()
}

// lastUserText concatenates the trailing n user messages, newest last,
// truncated to maxLen.
func lastUserText(history []chatMessage, n, maxLen int) string {
	var picked []string
	for i := len(history) - 1; i >= 0 && len(picked) < n; i-- {
		if history[i].Role != "user" {
			continue
		}
		if text := strings.TrimSpace(history[i].ContentText()); text != "" {
			picked = append([]string{text}, picked...)
		}
	}
	joined := strings.Join(picked, "\n")
	if len(joined) > maxLen {
		joined = joined[:maxLen]
	}
	return joined
}
