// assistant.go wires the subsystems into the running bot: channels in,
// orchestrated turns through the LLM, proactive loops, and persistence.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/haru/pkg/haru/channels"
	"github.com/jholhewres/haru/pkg/haru/channels/discord"
	"github.com/jholhewres/haru/pkg/haru/copilot/memory"
	"github.com/jholhewres/haru/pkg/haru/copilot/security"
	"github.com/jholhewres/haru/pkg/haru/sandbox"
	"github.com/jholhewres/haru/pkg/haru/scheduler"
	"github.com/jholhewres/haru/pkg/haru/workspace"
)

// Version is stamped by the build; the prompt carries it as a runtime
// fingerprint.
var Version = "dev"

// Assistant owns every subsystem and the inbound message loop.
type Assistant struct {
	cfg    *Config
	logger *slog.Logger

	channelMgr   *channels.Manager
	workspace    *workspace.Store
	memStore     *memory.Store
	memEngine    *memory.Engine
	llm          *LLMClient
	tools        *Registry
	orchestrator *Orchestrator
	sessions     *Sessions
	prompts      *PromptBuilder
	reminders    *scheduler.ReminderStore
	engine       *scheduler.Engine
	agents       *AgentManager
	heartbeat    *Heartbeat
	briefings    *Briefings
	warmup       *Warmup
	sandboxMgr   *sandbox.SessionManager

	limiter *rateLimiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the assistant from configuration. Secrets resolve through
// the keyring; a missing LLM key is fatal here so the process can exit
// non-zero before any subsystem starts.
func New(cfg *Config, logger *slog.Logger) (*Assistant, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	apiKey, err := RequireSecret(SecretLLMAPIKey)
	if err != nil {
		return nil, err
	}

	ws, err := workspace.NewStore(cfg.WorkspaceDir, logger)
	if err != nil {
		return nil, err
	}

	tz := cfg.Location()

	a := &Assistant{
		cfg:        cfg,
		logger:     logger,
		channelMgr: channels.NewManager(logger),
		workspace:  ws,
		limiter:    newRateLimiter(cfg.Limits.MessagesPerMinute),
	}

	a.llm = NewLLMClient(LLMOptions{
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   apiKey,
		Models:   cfg.LLM.Models,
		Fallback: cfg.LLM.Fallback,
	}, logger)

	// Memory subsystem. A broken index degrades to no retrieval rather
	// than blocking startup.
	if cfg.Memory.Enabled {
		provider := memory.NewProviderFromEnv(logger)
		a.memEngine = memory.NewEngine(provider, logger)
		store, err := memory.Open(filepath.Join(ws.MemoryPath(), ".vector-store.db"), a.memEngine, logger)
		if err != nil {
			logger.Warn("memory index unavailable", "error", err)
		} else {
			a.memStore = store
		}
	}

	a.sessions = NewSessions(dailyLogPersister{ws}, logger)
	a.tools = NewRegistry(logger)
	a.orchestrator = NewOrchestrator(a.llm, a.tools, logger)
	a.prompts = NewPromptBuilder(ws, a.memStore, a.sessions, a.tools, tz, Version, logger)
	a.warmup = NewWarmup(a.memEngine, a.memStore, ws, logger)

	// Sandbox rooted at the workspace; config may extend the whitelist.
	policy := sandbox.NewPolicy(ws.Root())
	policy.AllowBins(cfg.Sandbox.ExtraBins)
	a.sandboxMgr = sandbox.NewSessionManager(policy)

	// Scheduling. Reminders deliver directly; cron jobs run agent turns.
	a.reminders = scheduler.NewReminderStore(
		filepath.Join(cfg.WorkspaceDir, "reminders.json"),
		a.deliverToTarget, logger)
	jobStore := scheduler.NewFileStore(filepath.Join(cfg.WorkspaceDir, "cron-jobs.json"), logger)
	a.engine = scheduler.NewEngine(jobStore, a.runJobPayload, logger)

	a.agents = NewAgentManager(a.orchestrator, a.Deliver, cfg.LLM.DefaultModel, logger)
	a.heartbeat = NewHeartbeat(cfg.Heartbeat, a.RunTurn, a.Deliver, tz, logger)
	a.briefings = NewBriefings(DefaultBriefingPath(ws.Root()), a.RunTurn, a.Deliver, logger)

	// Builtin tool set.
	RegisterFileTools(a.tools, ws)
	RegisterExecTools(a.tools, a.sandboxMgr)
	RegisterWebTools(a.tools, security.NewGuard())
	RegisterMemoryTools(a.tools, ws, a.memStore)
	RegisterScheduleTools(a.tools, a.reminders, a.engine, tz)
	RegisterAgentTools(a.tools, a.agents)
	RegisterBriefingTool(a.tools, a.briefings)

	// Chat transport.
	if cfg.Discord.Token == "" {
		cfg.Discord.Token = ResolveSecret(SecretChatToken)
	}
	if cfg.Discord.Token != "" {
		a.channelMgr.Register(discord.New(cfg.Discord, logger))
	}

	return a, nil
}

// Start brings up every subsystem and begins consuming messages.
func (a *Assistant) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("starting haru",
		"version", Version,
		"workspace", a.workspace.Root(),
		"model", a.cfg.LLM.DefaultModel)

	if err := a.channelMgr.Start(a.ctx); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}

	go a.warmup.Run(a.ctx)
	a.reminders.Start(a.ctx)
	a.engine.Start(a.ctx)
	a.agents.StartSweeper(a.ctx)
	a.sandboxMgr.StartReaper(a.ctx)
	a.heartbeat.Start(a.ctx)
	a.briefings.Start(a.ctx)

	a.wg.Add(1)
	go a.messageLoop()
	return nil
}

// StartLocal brings the assistant up without chat transports, for the
// CLI chat surface. Loops that need a delivery channel stay off.
func (a *Assistant) StartLocal(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)
	go a.warmup.Run(a.ctx)
	a.reminders.Start(a.ctx)
	a.engine.Start(a.ctx)
	a.agents.StartSweeper(a.ctx)
	a.sandboxMgr.StartReaper(a.ctx)
}

// Command services one slash command and returns the reply text.
func (a *Assistant) Command(chatID, text string) string {
	return a.handleCommand(chatID, text)
}

// Stop shuts the subsystems down in reverse order.
func (a *Assistant) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.engine.Stop()
	a.reminders.Stop()
	a.channelMgr.Stop()
	if a.memStore != nil {
		a.memStore.Close()
	}
	a.wg.Wait()
	a.logger.Info("haru stopped")
}

// Sessions exposes the session manager, mainly for the CLI chat surface.
func (a *Assistant) Sessions() *Sessions { return a.sessions }

// Tools exposes the tool registry.
func (a *Assistant) Tools() *Registry { return a.tools }

// Workspace exposes the workspace store.
func (a *Assistant) Workspace() *workspace.Store { return a.workspace }

// Memory exposes the memory store; nil when disabled.
func (a *Assistant) Memory() *memory.Store { return a.memStore }

// messageLoop drains the channel manager until shutdown.
func (a *Assistant) messageLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case msg, ok := <-a.channelMgr.Incoming():
			if !ok {
				return
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handleMessage(msg)
			}()
		}
	}
}

// handleMessage runs one inbound message through a serialized session
// turn. The rate limit sits at the transport boundary, before any model
// work happens.
func (a *Assistant) handleMessage(msg *channels.Incoming) {
	chatID := channels.Target{Channel: msg.Channel, ChatID: msg.ChatID}.String()

	if !a.limiter.allow(chatID, time.Now()) {
		a.logger.Warn("rate limit exceeded, dropping message", "chat_id", chatID)
		return
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		if reply := a.handleCommand(chatID, text); reply != "" {
			a.deliverOrLog(chatID, reply)
		}
		return
	}

	target := channels.Target{Channel: msg.Channel, ChatID: msg.ChatID}
	err := a.sessions.WithTurn(a.ctx, chatID, func(ctx context.Context) error {
		a.channelMgr.Typing(ctx, target)

		history := a.sessions.History(chatID)
		history = append(history, textMessage("user", text))
		system := a.prompts.Build(ctx, chatID, history)
		model, thinking := a.sessions.Model(chatID)

		res, err := a.orchestrator.Chat(ctx, history, system, model, thinking)
		if err != nil {
			a.deliverOrLog(chatID, UserFacingError(err))
			return err
		}

		a.sessions.Append(chatID, textMessage("user", text))
		a.sessions.Append(chatID, textMessage("assistant", res.Text))
		a.sessions.PersistExchange(chatID, text, res.Text)

		return a.channelMgr.DeliverText(ctx, target, res.Text)
	})
	if err != nil {
		a.logger.Warn("turn failed", "chat_id", chatID, "error", err)
	}
}

// RunTurn executes a synthesized user turn (heartbeat, briefing, cron)
// through the same serialized session path as real messages. The answer
// is returned, not delivered; callers decide whether to send it.
func (a *Assistant) RunTurn(ctx context.Context, chatID, message string) (string, error) {
	var out string
	err := a.sessions.WithTurn(ctx, chatID, func(ctx context.Context) error {
		history := a.sessions.History(chatID)
		history = append(history, textMessage("user", message))
		system := a.prompts.Build(ctx, chatID, history)

		model, _ := a.sessions.Model(chatID)
		res, err := a.orchestrator.Chat(ctx, history, system, model, ThinkingOff)
		if err != nil {
			return err
		}
		out = res.Text

		// Synthesized turns only enter history when they said something;
		// suppressed heartbeats must not pile up.
		if !IsHeartbeatOK(res.Text) {
			a.sessions.Append(chatID, textMessage("user", message))
			a.sessions.Append(chatID, textMessage("assistant", res.Text))
		}
		return nil
	})
	return out, err
}

// Deliver implements DeliverText against the channel manager. chatID is
// a full "channel:chatID" delivery target.
func (a *Assistant) Deliver(ctx context.Context, chatID, text string) error {
	target, err := channels.ParseTarget(chatID)
	if err != nil {
		return err
	}
	return a.channelMgr.DeliverText(ctx, target, text)
}

// deliverToTarget adapts the channel manager to the reminder store's
// delivery signature.
func (a *Assistant) deliverToTarget(ctx context.Context, channel, chatID, message string) error {
	target := channels.Target{Channel: channel, ChatID: chatID}
	return a.channelMgr.DeliverText(ctx, target, "Reminder: "+message)
}

// runJobPayload executes one due cron job.
func (a *Assistant) runJobPayload(ctx context.Context, job scheduler.Job) error {
	switch job.Payload.Kind {
	case "agentTurn":
		chatID := job.ChatID
		if job.Channel != "" {
			chatID = channels.Target{Channel: job.Channel, ChatID: job.ChatID}.String()
		}
		text, err := a.RunTurn(ctx, chatID, job.Payload.Message)
		if err != nil {
			return err
		}
		if text == "" || IsHeartbeatOK(text) {
			return nil
		}
		return a.Deliver(ctx, chatID, text)
	default:
		return fmt.Errorf("unknown payload kind %q", job.Payload.Kind)
	}
}

func (a *Assistant) deliverOrLog(chatID, text string) {
	if err := a.Deliver(a.ctx, chatID, text); err != nil {
		a.logger.Warn("delivery failed", "chat_id", chatID, "error", err)
	}
}

// ---------- Slash commands ----------

// handleCommand services the in-chat control commands. It returns the
// reply text, or empty for silence.
func (a *Assistant) handleCommand(chatID, text string) string {
	fields := strings.Fields(text)
	cmd := fields[0]
	arg := ""
	if len(fields) > 1 {
		arg = strings.Join(fields[1:], " ")
	}

	switch cmd {
	case "/help":
		return "Commands: /model [small|medium|large], /think [off|low|medium|high], /pin <note>, /compact, /clear, /status"

	case "/model":
		if arg == "" {
			model, _ := a.sessions.Model(chatID)
			return "Current model: " + model
		}
		if err := a.sessions.SetModel(chatID, arg); err != nil {
			return err.Error()
		}
		return "Model set to " + arg + "."

	case "/think":
		level, err := ParseThinkingLevel(arg)
		if err != nil {
			return err.Error()
		}
		a.sessions.SetThinking(chatID, level)
		return "Thinking level set to " + arg + "."

	case "/pin":
		if arg == "" {
			return "Usage: /pin <note to keep in context>"
		}
		a.sessions.AppendPinned(chatID, arg)
		return "Pinned."

	case "/compact":
		oldLen := len(a.sessions.History(chatID))
		if oldLen <= keepOnCompact {
			return "History is already short."
		}
		a.sessions.Compact(chatID, a.summarizeForCompact(chatID))
		newLen := len(a.sessions.History(chatID))
		return fmt.Sprintf("Compacted history: %d -> %d messages.", oldLen, newLen)

	case "/clear":
		a.sessions.Clear(chatID)
		return "Session cleared."

	case "/status":
		status := a.warmup.Status()
		return fmt.Sprintf("haru %s | warmup done: %t | sessions: %d | ~%d tokens in this chat",
			Version, status.Done, a.sessions.Count(), a.sessions.EstimatedTokens(chatID))

	default:
		return "Unknown command. Try /help."
	}
}

// summarizeForCompact asks the small model for a summary of the history
// about to be dropped. An LLM failure degrades to a plain marker so
// compaction still happens.
func (a *Assistant) summarizeForCompact(chatID string) []string {
	history := a.sessions.History(chatID)
	if len(history) <= keepOnCompact {
		return nil
	}
	drop := history[:len(history)-keepOnCompact]

	var b strings.Builder
	for _, msg := range drop {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, truncateForLog(msg.ContentText(), 300))
	}

	ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
	defer cancel()
	resp, err := a.llm.Complete(ctx, CallParams{
		ModelAlias: "small",
		System:     "Summarize this conversation in a short paragraph preserving names, dates, decisions and open tasks.",
		Messages:   []chatMessage{textMessage("user", b.String())},
		Thinking:   ThinkingOff,
	})
	if err != nil {
		a.logger.Warn("compact summary failed", "error", err)
		return []string{"(earlier conversation trimmed)"}
	}
	return []string{resp.Content}
}

// ---------- Rate limiting ----------

// rateLimiter is a per-chat sliding window counter.
type rateLimiter struct {
	perMinute int
	mu        sync.Mutex
	hits      map[string][]time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		perMinute: perMinute,
		hits:      make(map[string][]time.Time),
	}
}

func (r *rateLimiter) allow(chatID string, now time.Time) bool {
	if r.perMinute <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	kept := r.hits[chatID][:0]
	for _, t := range r.hits[chatID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.perMinute {
		r.hits[chatID] = kept
		return false
	}
	r.hits[chatID] = append(kept, now)
	return true
}

// dailyLogPersister adapts the workspace daily log to SessionPersister.
type dailyLogPersister struct {
	ws *workspace.Store
}

func (p dailyLogPersister) PersistTurn(chatID, userText, assistantText string) error {
	entry := fmt.Sprintf("[%s]\nUser: %s\nAssistant: %s",
		chatID, workspace.TruncateAt(userText, 500), workspace.TruncateAt(assistantText, 1000))
	return p.ws.AppendDailyLog(entry)
}
