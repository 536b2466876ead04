// heartbeat.go runs the periodic proactive check: a synthesized turn that
// asks the assistant whether anything needs attention. The model answers
// either with a user-visible message or with the HEARTBEAT_OK sentinel,
// which is suppressed.
package copilot

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// HeartbeatOK is the sentinel the model emits when nothing needs saying.
const HeartbeatOK = "HEARTBEAT_OK"

const heartbeatPrompt = "Heartbeat check: review your heartbeat checklist and current state. " +
	"If something needs the user's attention, write them a short message. " +
	"If not, reply with exactly HEARTBEAT_OK."

// TurnRunner executes a synthesized user turn through the orchestrator and
// returns the assistant text.
type TurnRunner func(ctx context.Context, chatID, message string) (string, error)

// DeliverText sends proactive text to a conversation.
type DeliverText func(ctx context.Context, chatID, text string) error

// HeartbeatConfig controls cadence and quiet hours.
type HeartbeatConfig struct {
	Enabled  bool          `yaml:"enabled"`
	ChatID   string        `yaml:"chat_id"`
	Interval time.Duration `yaml:"interval"`
	// ActiveFrom/ActiveTo bound the local hours during which heartbeats
	// may message the user. Equal values mean always active.
	ActiveFrom int `yaml:"active_from"`
	ActiveTo   int `yaml:"active_to"`
}

// Heartbeat drives the periodic check loop.
type Heartbeat struct {
	cfg     HeartbeatConfig
	runner  TurnRunner
	deliver DeliverText
	tz      *time.Location
	logger  *slog.Logger
}

func NewHeartbeat(cfg HeartbeatConfig, runner TurnRunner, deliver DeliverText, tz *time.Location, logger *slog.Logger) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if tz == nil {
		tz = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		cfg:     cfg,
		runner:  runner,
		deliver: deliver,
		tz:      tz,
		logger:  logger.With("component", "heartbeat"),
	}
}

// Start runs the loop until ctx is cancelled.
func (h *Heartbeat) Start(ctx context.Context) {
	if !h.cfg.Enabled || h.cfg.ChatID == "" {
		h.logger.Debug("heartbeat disabled")
		return
	}
	ticker := time.NewTicker(h.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.runOnce(ctx)
			}
		}
	}()
	h.logger.Info("heartbeat started", "interval", h.cfg.Interval, "chat_id", h.cfg.ChatID)
}

func (h *Heartbeat) runOnce(ctx context.Context) {
	if !h.withinActiveHours(time.Now().In(h.tz)) {
		h.logger.Debug("outside active hours, skipping heartbeat")
		return
	}

	text, err := h.runner(ctx, h.cfg.ChatID, heartbeatPrompt)
	if err != nil {
		h.logger.Warn("heartbeat turn failed", "error", err)
		return
	}
	if IsHeartbeatOK(text) {
		h.logger.Debug("heartbeat ok, suppressed")
		return
	}
	if err := h.deliver(ctx, h.cfg.ChatID, text); err != nil {
		h.logger.Warn("heartbeat delivery failed", "error", err)
	}
}

func (h *Heartbeat) withinActiveHours(now time.Time) bool {
	from, to := h.cfg.ActiveFrom, h.cfg.ActiveTo
	if from == to {
		return true
	}
	hour := now.Hour()
	if from < to {
		return hour >= from && hour < to
	}
	// Window wraps midnight, e.g. 22–7.
	return hour >= from || hour < to
}

// IsHeartbeatOK reports whether the assistant answered with the sentinel
// (alone or as the whole meaningful content).
func IsHeartbeatOK(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == HeartbeatOK {
		return true
	}
	// Tolerate models that wrap the sentinel in quotes or punctuation.
	stripped := strings.Trim(trimmed, "\"'`.! \n")
	return stripped == HeartbeatOK
}
