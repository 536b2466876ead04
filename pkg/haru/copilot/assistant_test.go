package copilot

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/haru/pkg/haru/scheduler"
	"github.com/jholhewres/haru/pkg/haru/workspace"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	r := newRateLimiter(3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !r.allow("discord:1", now.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("message %d rejected under the limit", i)
		}
	}
	if r.allow("discord:1", now.Add(3*time.Second)) {
		t.Fatal("fourth message within the minute accepted")
	}
	// A different chat has its own window.
	if !r.allow("discord:2", now.Add(3*time.Second)) {
		t.Fatal("separate chat shared the window")
	}
	// After the window slides, the chat recovers.
	if !r.allow("discord:1", now.Add(62*time.Second)) {
		t.Fatal("message rejected after window slid")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	r := newRateLimiter(0)
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !r.allow("discord:1", now) {
			t.Fatal("disabled limiter rejected a message")
		}
	}
}

func newCommandAssistant(t *testing.T) *Assistant {
	t.Helper()
	ws, err := workspace.NewStore(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return &Assistant{
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		sessions: NewSessions(nil, nil),
		warmup:   NewWarmup(nil, nil, ws, nil),
	}
}

func TestHandleCommandModel(t *testing.T) {
	a := newCommandAssistant(t)

	if got := a.handleCommand("discord:1", "/model"); !strings.Contains(got, "medium") {
		t.Fatalf("default model reply = %q", got)
	}
	if got := a.handleCommand("discord:1", "/model large"); !strings.Contains(got, "large") {
		t.Fatalf("set model reply = %q", got)
	}
	if model, _ := a.sessions.Model("discord:1"); model != "large" {
		t.Fatalf("model = %q after /model large", model)
	}
	if got := a.handleCommand("discord:1", "/model enormous"); !strings.Contains(got, "unknown model") {
		t.Fatalf("bad model reply = %q", got)
	}
}

func TestHandleCommandThinkAndPin(t *testing.T) {
	a := newCommandAssistant(t)

	a.handleCommand("discord:1", "/think high")
	if _, level := a.sessions.Model("discord:1"); level != ThinkingHigh {
		t.Fatalf("thinking = %q", level)
	}
	if got := a.handleCommand("discord:1", "/think extreme"); !strings.Contains(got, "unknown thinking level") {
		t.Fatalf("bad level reply = %q", got)
	}

	a.handleCommand("discord:1", "/pin flight lands friday")
	if pinned := a.sessions.Pinned("discord:1"); pinned != "flight lands friday" {
		t.Fatalf("pinned = %q", pinned)
	}
}

func TestHandleCommandClearKeepsPinned(t *testing.T) {
	a := newCommandAssistant(t)
	a.sessions.Append("discord:1", textMessage("user", "hello"))
	a.sessions.AppendPinned("discord:1", "keep me")

	a.handleCommand("discord:1", "/clear")

	if len(a.sessions.History("discord:1")) != 0 {
		t.Fatal("history survived /clear")
	}
	if a.sessions.Pinned("discord:1") != "keep me" {
		t.Fatal("pinned context lost on /clear")
	}
}

func TestHandleCommandUnknown(t *testing.T) {
	a := newCommandAssistant(t)
	if got := a.handleCommand("discord:1", "/frobnicate"); !strings.Contains(got, "/help") {
		t.Fatalf("unknown command reply = %q", got)
	}
}

func TestDailyLogPersister(t *testing.T) {
	dir := t.TempDir()
	ws, err := workspace.NewStore(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	p := dailyLogPersister{ws}
	if err := p.PersistTurn("discord:1", "remind me about rent", "done, set for the 1st"); err != nil {
		t.Fatalf("PersistTurn: %v", err)
	}
	recent := ws.RecentDaily(1)
	if !strings.Contains(recent, "remind me about rent") || !strings.Contains(recent, "set for the 1st") {
		t.Fatalf("daily log = %q", recent)
	}
}

func TestNewWiresWorkspaceLayout(t *testing.T) {
	t.Setenv("HARU_LLM_API_KEY", "test-key")

	cfg := DefaultConfig()
	cfg.WorkspaceDir = t.TempDir()
	cfg.Memory.Enabled = true
	cfg.Discord.Token = ""

	a, err := New(cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if a.memStore != nil {
			a.memStore.Close()
		}
	}()

	// The vector index lives inside the memory directory, hidden so daily
	// log ingestion skips it.
	dbPath := filepath.Join(cfg.WorkspaceDir, "memory", ".vector-store.db")
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("vector store not at %s: %v", dbPath, err)
	}

	// Cron jobs persist at the documented root-level file.
	if _, err := a.engine.CreateJob("morning check", "", "local",
		scheduler.Schedule{Kind: "cron", Expression: "0 9 * * *", Timezone: "UTC"},
		scheduler.Payload{Kind: "agentTurn", Message: "hi"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkspaceDir, "cron-jobs.json")); err != nil {
		t.Errorf("job store not at cron-jobs.json: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkspaceDir, "cron.json")); err == nil {
		t.Errorf("job store written to legacy cron.json path")
	}
}
