// session.go holds per-conversation state: message history, model choice,
// pinned context, and the LRU/TTL eviction policy.
package copilot

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// sessionTTL evicts conversations idle longer than this.
	sessionTTL = 24 * time.Hour
	// sessionCap bounds the number of live sessions (LRU beyond it).
	sessionCap = 100
	// keepOnCompact is how many trailing messages survive compaction
	// verbatim.
	keepOnCompact = 4
	// maxSummaryChunks bounds the summary messages compaction may insert.
	maxSummaryChunks = 3
)

// Session is the state of one conversation.
type Session struct {
	ChatID       string
	Model        string // model alias: small, medium, large
	Thinking     ThinkingLevel
	History      []chatMessage
	Pinned       string
	LastAccessed time.Time

	// turnMu serializes turns within this conversation. Distinct
	// conversations run in parallel.
	turnMu sync.Mutex
}

// SessionPersister saves conversation turns outside the process, e.g. the
// daily workspace log. Nil disables persistence.
type SessionPersister interface {
	PersistTurn(chatID, userText, assistantText string) error
}

// Sessions is the conversation store with TTL and LRU eviction.
type Sessions struct {
	logger    *slog.Logger
	persister SessionPersister

	mu    sync.Mutex
	byID  map[string]*list.Element // chatID -> element in order
	order *list.List               // front = most recently accessed
}

func NewSessions(persister SessionPersister, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		logger:    logger.With("component", "sessions"),
		persister: persister,
		byID:      make(map[string]*list.Element),
		order:     list.New(),
	}
}

// get returns the session for chatID, creating it on first contact, and
// marks it most recently used. Callers hold no lock.
func (s *Sessions) get(chatID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.byID[chatID]; ok {
		sess := el.Value.(*Session)
		sess.LastAccessed = time.Now()
		s.order.MoveToFront(el)
		return sess
	}

	sess := &Session{
		ChatID:       chatID,
		Model:        "medium",
		Thinking:     ThinkingOff,
		LastAccessed: time.Now(),
	}
	s.byID[chatID] = s.order.PushFront(sess)
	s.evictLocked()
	return sess
}

// evictLocked enforces TTL then the hard cap, oldest first.
func (s *Sessions) evictLocked() {
	cutoff := time.Now().Add(-sessionTTL)
	for el := s.order.Back(); el != nil; {
		sess := el.Value.(*Session)
		if sess.LastAccessed.After(cutoff) {
			break
		}
		prev := el.Prev()
		s.removeLocked(el)
		el = prev
	}
	for s.order.Len() > sessionCap {
		s.removeLocked(s.order.Back())
	}
}

func (s *Sessions) removeLocked(el *list.Element) {
	sess := el.Value.(*Session)
	delete(s.byID, sess.ChatID)
	s.order.Remove(el)
	s.logger.Debug("session evicted", "chat_id", sess.ChatID)
}

// Count returns the number of live sessions.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// History returns a copy of the conversation history.
func (s *Sessions) History(chatID string) []chatMessage {
	sess := s.get(chatID)
	out := make([]chatMessage, len(sess.History))
	copy(out, sess.History)
	return out
}

// Append records a completed exchange in wall-time order and forwards it
// to the persister.
func (s *Sessions) Append(chatID string, msgs ...chatMessage) {
	sess := s.get(chatID)
	sess.History = append(sess.History, msgs...)
}

// PersistExchange writes one user/assistant pair through the persister.
func (s *Sessions) PersistExchange(chatID, userText, assistantText string) {
	if s.persister == nil {
		return
	}
	if err := s.persister.PersistTurn(chatID, userText, assistantText); err != nil {
		s.logger.Warn("failed to persist turn", "chat_id", chatID, "error", err)
	}
}

// SetModel switches the conversation's model alias.
func (s *Sessions) SetModel(chatID, model string) error {
	switch model {
	case "small", "medium", "large":
	default:
		return fmt.Errorf("unknown model %q, want small/medium/large", model)
	}
	s.get(chatID).Model = model
	return nil
}

// SetThinking switches the conversation's thinking level.
func (s *Sessions) SetThinking(chatID string, level ThinkingLevel) {
	s.get(chatID).Thinking = level
}

// Model returns the conversation's model alias and thinking level.
func (s *Sessions) Model(chatID string) (string, ThinkingLevel) {
	sess := s.get(chatID)
	return sess.Model, sess.Thinking
}

// AppendPinned adds a note to the pinned context. Pinned context is
// injected into every system prompt and survives compaction.
func (s *Sessions) AppendPinned(chatID, note string) {
	sess := s.get(chatID)
	if sess.Pinned != "" {
		sess.Pinned += "\n"
	}
	sess.Pinned += strings.TrimSpace(note)
}

// Pinned returns the pinned context.
func (s *Sessions) Pinned(chatID string) string {
	return s.get(chatID).Pinned
}

// Clear drops the conversation history but keeps the pinned context.
func (s *Sessions) Clear(chatID string) {
	sess := s.get(chatID)
	sess.History = nil
}

// Compact replaces all but the last keepOnCompact messages with the given
// assistant-authored summaries. Pinned context is untouched.
func (s *Sessions) Compact(chatID string, summaries []string) {
	sess := s.get(chatID)
	if len(sess.History) <= keepOnCompact {
		return
	}
	if len(summaries) > maxSummaryChunks {
		summaries = summaries[:maxSummaryChunks]
	}

	tail := sess.History[len(sess.History)-keepOnCompact:]
	compacted := make([]chatMessage, 0, len(summaries)+keepOnCompact)
	for _, sum := range summaries {
		compacted = append(compacted, textMessage("assistant", "[Earlier conversation summary]\n"+sum))
	}
	compacted = append(compacted, tail...)
	sess.History = compacted
	s.logger.Info("history compacted", "chat_id", chatID, "kept", keepOnCompact, "summaries", len(summaries))
}

// EstimatedTokens returns the token estimate for the history.
func (s *Sessions) EstimatedTokens(chatID string) int {
	return EstimateMessageTokens(s.get(chatID).History)
}

// WithTurn serializes fn against other turns of the same conversation and
// binds the chatID into the context so tools can discover it.
func (s *Sessions) WithTurn(ctx context.Context, chatID string, fn func(ctx context.Context) error) error {
	sess := s.get(chatID)
	sess.turnMu.Lock()
	defer sess.turnMu.Unlock()
	return fn(WithConversation(ctx, chatID))
}

// ---------- Ambient conversation binding ----------

type conversationKey struct{}

// WithConversation binds the current chatID into the context. The binding
// is per-turn, so concurrent turns of different conversations never
// observe each other.
func WithConversation(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, conversationKey{}, chatID)
}

// CurrentConversation reads the bound chatID, if any.
func CurrentConversation(ctx context.Context) (string, bool) {
	chatID, ok := ctx.Value(conversationKey{}).(string)
	return chatID, ok && chatID != ""
}
