// briefing.go delivers scheduled daily briefings: at each configured
// local time a synthesized "send briefing" turn runs and its answer goes
// to the owning chat.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// BriefingConfig is one chat's daily briefing slot.
type BriefingConfig struct {
	ChatID   string `json:"chatId"`
	Enabled  bool   `json:"enabled"`
	Time     string `json:"time"` // "HH:MM" in Timezone
	City     string `json:"city,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

var briefingTimeRe = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// Validate checks the time format and timezone.
func (c BriefingConfig) Validate() error {
	if c.ChatID == "" {
		return fmt.Errorf("briefing needs a chatId")
	}
	if !briefingTimeRe.MatchString(c.Time) {
		return fmt.Errorf("briefing time %q must be HH:MM", c.Time)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("briefing timezone: %w", err)
		}
	}
	return nil
}

type briefingDoc struct {
	Configs []BriefingConfig `json:"configs"`
}

// Briefings owns the config file and the delivery loop.
type Briefings struct {
	path    string
	runner  TurnRunner
	deliver DeliverText
	logger  *slog.Logger

	mu      sync.Mutex
	configs []BriefingConfig
	// lastFired tracks the last "YYYY-MM-DD HH:MM" fired per chat so one
	// slot never fires twice within its minute.
	lastFired map[string]string
}

func NewBriefings(path string, runner TurnRunner, deliver DeliverText, logger *slog.Logger) *Briefings {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Briefings{
		path:      path,
		runner:    runner,
		deliver:   deliver,
		logger:    logger.With("component", "briefing"),
		lastFired: make(map[string]string),
	}
	b.load()
	return b
}

func (b *Briefings) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return // missing file means no briefings
	}
	var doc briefingDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		b.logger.Warn("corrupt briefing file, starting empty", "path", b.path, "error", err)
		return
	}
	b.configs = doc.Configs
}

func (b *Briefings) persist() error {
	b.mu.Lock()
	doc := briefingDoc{Configs: b.configs}
	b.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

// Set adds or replaces the briefing for a chat.
func (b *Briefings) Set(cfg BriefingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	replaced := false
	for i := range b.configs {
		if b.configs[i].ChatID == cfg.ChatID {
			b.configs[i] = cfg
			replaced = true
			break
		}
	}
	if !replaced {
		b.configs = append(b.configs, cfg)
	}
	b.mu.Unlock()
	return b.persist()
}

// Remove deletes a chat's briefing.
func (b *Briefings) Remove(chatID string) error {
	b.mu.Lock()
	kept := b.configs[:0]
	for _, c := range b.configs {
		if c.ChatID != chatID {
			kept = append(kept, c)
		}
	}
	b.configs = kept
	b.mu.Unlock()
	return b.persist()
}

// List returns the configured briefings.
func (b *Briefings) List() []BriefingConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BriefingConfig, len(b.configs))
	copy(out, b.configs)
	return out
}

// Start checks every 30 seconds whether a slot's local minute has arrived.
func (b *Briefings) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.tick(ctx, time.Now())
			}
		}
	}()
}

func (b *Briefings) tick(ctx context.Context, now time.Time) {
	for _, cfg := range b.due(now) {
		go b.fire(ctx, cfg)
	}
}

// due returns slots whose local time matches now's minute and that have
// not fired in this minute yet.
func (b *Briefings) due(now time.Time) []BriefingConfig {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []BriefingConfig
	for _, cfg := range b.configs {
		if !cfg.Enabled {
			continue
		}
		loc := time.Local
		if cfg.Timezone != "" {
			if l, err := time.LoadLocation(cfg.Timezone); err == nil {
				loc = l
			}
		}
		local := now.In(loc)
		if local.Format("15:04") != cfg.Time {
			continue
		}
		stamp := local.Format("2006-01-02 15:04")
		if b.lastFired[cfg.ChatID] == stamp {
			continue
		}
		b.lastFired[cfg.ChatID] = stamp
		out = append(out, cfg)
	}
	return out
}

func (b *Briefings) fire(ctx context.Context, cfg BriefingConfig) {
	prompt := "Send the user their daily briefing: date, anything scheduled today, open reminders"
	if cfg.City != "" {
		prompt += ", and the weather in " + cfg.City
	}
	prompt += ". Keep it short and friendly."

	text, err := b.runner(ctx, cfg.ChatID, prompt)
	if err != nil {
		b.logger.Warn("briefing turn failed", "chat_id", cfg.ChatID, "error", err)
		return
	}
	if IsHeartbeatOK(text) || text == "" {
		return
	}
	if err := b.deliver(ctx, cfg.ChatID, text); err != nil {
		b.logger.Warn("briefing delivery failed", "chat_id", cfg.ChatID, "error", err)
	}
}

// DefaultBriefingPath returns the briefing file inside the workspace.
func DefaultBriefingPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, "briefing.json")
}
