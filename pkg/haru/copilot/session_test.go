package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestSessions() *Sessions {
	return NewSessions(nil, slog.Default())
}

func TestSessionCreatedOnFirstContact(t *testing.T) {
	s := newTestSessions()
	if got := s.History("chat1"); len(got) != 0 {
		t.Errorf("fresh history = %v", got)
	}
	model, thinking := s.Model("chat1")
	if model != "medium" || thinking != ThinkingOff {
		t.Errorf("defaults = (%s, %s)", model, thinking)
	}
	if s.Count() != 1 {
		t.Errorf("count = %d", s.Count())
	}
}

func TestSessionCapLRUEviction(t *testing.T) {
	s := newTestSessions()
	for i := 0; i < sessionCap+10; i++ {
		s.get(fmt.Sprintf("chat%d", i))
	}
	if got := s.Count(); got != sessionCap {
		t.Errorf("count = %d, want %d", got, sessionCap)
	}

	// Oldest were evicted, newest survive.
	s.mu.Lock()
	_, oldest := s.byID["chat0"]
	_, newest := s.byID[fmt.Sprintf("chat%d", sessionCap+9)]
	s.mu.Unlock()
	if oldest {
		t.Errorf("chat0 should have been evicted")
	}
	if !newest {
		t.Errorf("newest session should survive")
	}
}

func TestSessionTTLEviction(t *testing.T) {
	s := newTestSessions()
	stale := s.get("stale")
	stale.LastAccessed = time.Now().Add(-25 * time.Hour)
	s.get("fresh")

	// Eviction runs on the next create.
	s.get("another")
	s.mu.Lock()
	_, ok := s.byID["stale"]
	s.mu.Unlock()
	if ok {
		t.Errorf("stale session should have been evicted by TTL")
	}
}

func TestSetModelValidates(t *testing.T) {
	s := newTestSessions()
	if err := s.SetModel("c", "large"); err != nil {
		t.Fatal(err)
	}
	if model, _ := s.Model("c"); model != "large" {
		t.Errorf("model = %s", model)
	}
	if err := s.SetModel("c", "enormous"); err == nil {
		t.Error("invalid model alias should be rejected")
	}
}

func TestCompactKeepsTailAndPinned(t *testing.T) {
	s := newTestSessions()
	s.AppendPinned("c", "calls me by nickname")
	for i := 0; i < 10; i++ {
		s.Append("c", textMessage("user", fmt.Sprintf("message %d", i)))
	}

	s.Compact("c", []string{"we talked about the trip", "then about dinner plans"})

	hist := s.History("c")
	if len(hist) != 2+keepOnCompact {
		t.Fatalf("history length = %d, want %d", len(hist), 2+keepOnCompact)
	}
	if !strings.Contains(hist[0].ContentText(), "trip") {
		t.Errorf("first message should be a summary: %q", hist[0].ContentText())
	}
	if got := hist[len(hist)-1].ContentText(); got != "message 9" {
		t.Errorf("last message = %q", got)
	}
	if s.Pinned("c") != "calls me by nickname" {
		t.Errorf("pinned context lost")
	}
}

func TestCompactShortHistoryNoop(t *testing.T) {
	s := newTestSessions()
	s.Append("c", textMessage("user", "only one"))
	s.Compact("c", []string{"summary"})
	if got := len(s.History("c")); got != 1 {
		t.Errorf("short history should be untouched, got %d", got)
	}
}

func TestCompactSummaryLimit(t *testing.T) {
	s := newTestSessions()
	for i := 0; i < 10; i++ {
		s.Append("c", textMessage("user", "m"))
	}
	s.Compact("c", []string{"a", "b", "c", "d", "e"})
	if got := len(s.History("c")); got != maxSummaryChunks+keepOnCompact {
		t.Errorf("history length = %d", got)
	}
}

func TestWithTurnSerializesConversation(t *testing.T) {
	s := newTestSessions()
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.WithTurn(context.Background(), "same", func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("max concurrent turns in one conversation = %d, want 1", maxActive)
	}
}

func TestConversationBinding(t *testing.T) {
	s := newTestSessions()
	err := s.WithTurn(context.Background(), "chat42", func(ctx context.Context) error {
		chatID, ok := CurrentConversation(ctx)
		if !ok || chatID != "chat42" {
			t.Errorf("binding = (%q, %v)", chatID, ok)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := CurrentConversation(context.Background()); ok {
		t.Error("unbound context should have no conversation")
	}
}
