package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the registered adapters: it connects them, merges their
// incoming streams into one, and routes deliveries by target.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Channel

	incoming chan *Incoming
	wg       sync.WaitGroup
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "channels"),
		adapters: make(map[string]Channel),
		incoming: make(chan *Incoming, 256),
	}
}

// Register adds an adapter. Must happen before Start.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[ch.Name()] = ch
}

// Start connects every adapter and begins forwarding its messages. An
// adapter that fails to connect is logged and skipped so one broken
// platform does not take the assistant down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.adapters) == 0 {
		return fmt.Errorf("no channels registered")
	}

	connected := 0
	for name, ch := range m.adapters {
		if err := ch.Connect(ctx); err != nil {
			m.logger.Error("channel failed to connect", "channel", name, "error", err)
			continue
		}
		connected++
		m.wg.Add(1)
		go m.forward(ctx, ch)
	}
	if connected == 0 {
		return fmt.Errorf("all channels failed to connect")
	}
	return nil
}

func (m *Manager) forward(ctx context.Context, ch Channel) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			select {
			case m.incoming <- msg:
			default:
				m.logger.Warn("incoming buffer full, dropping message",
					"channel", msg.Channel, "chat_id", msg.ChatID)
			}
		}
	}
}

// Stop disconnects every adapter and waits for forwarders to drain.
func (m *Manager) Stop() {
	m.mu.RLock()
	for name, ch := range m.adapters {
		if err := ch.Disconnect(); err != nil {
			m.logger.Warn("channel disconnect failed", "channel", name, "error", err)
		}
	}
	m.mu.RUnlock()
	m.wg.Wait()
}

// Incoming is the merged stream from all adapters.
func (m *Manager) Incoming() <-chan *Incoming {
	return m.incoming
}

// Deliver sends a message to the target's adapter.
func (m *Manager) Deliver(ctx context.Context, target Target, msg *Outgoing) error {
	m.mu.RLock()
	ch, ok := m.adapters[target.Channel]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no channel %q registered", target.Channel)
	}
	if !ch.IsConnected() {
		return fmt.Errorf("channel %q: %w", target.Channel, ErrDisconnected)
	}
	return ch.Send(ctx, target.ChatID, msg)
}

// DeliverText is the common case: plain text to a target.
func (m *Manager) DeliverText(ctx context.Context, target Target, text string) error {
	return m.Deliver(ctx, target, &Outgoing{Content: text})
}

// Typing forwards a typing indicator when the adapter supports one.
func (m *Manager) Typing(ctx context.Context, target Target) {
	m.mu.RLock()
	ch, ok := m.adapters[target.Channel]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if tc, ok := ch.(TypingChannel); ok {
		if err := tc.SendTyping(ctx, target.ChatID); err != nil {
			m.logger.Debug("typing indicator failed", "channel", target.Channel, "error", err)
		}
	}
}
