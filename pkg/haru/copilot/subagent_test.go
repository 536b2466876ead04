package copilot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type deliveryRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (d *deliveryRecorder) deliver(ctx context.Context, chatID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texts = append(d.texts, text)
	return nil
}

func (d *deliveryRecorder) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.texts) >= n {
			out := append([]string(nil), d.texts...)
			d.mu.Unlock()
			return out
		}
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries", n)
	return nil
}

func TestAgentSpawnDeliversResult(t *testing.T) {
	srv := scriptedServer(t, textResponse("archived all three reports"))
	o, _ := newTestOrchestrator(t, srv.URL)
	rec := &deliveryRecorder{}
	m := NewAgentManager(o, rec.deliver, "medium", nil)

	id := m.Spawn(context.Background(), "archive my reports", "discord:1")
	if id == "" {
		t.Fatal("empty agent id")
	}

	texts := rec.wait(t, 1)
	if !strings.Contains(texts[0], "archived all three reports") {
		t.Fatalf("delivered = %q", texts[0])
	}

	agent, ok := m.Get(id)
	if !ok || agent.Status != AgentCompleted {
		t.Fatalf("agent = %+v, ok=%t", agent, ok)
	}
}

func TestAgentCancelDiscardsLateResult(t *testing.T) {
	srv := scriptedServer(t, textResponse("too late"))
	o, _ := newTestOrchestrator(t, srv.URL)
	rec := &deliveryRecorder{}
	m := NewAgentManager(o, rec.deliver, "medium", nil)

	// Seed a running agent directly so the cancel races nothing.
	agent := &Agent{ID: "abc12345", Task: "t", ChatID: "discord:1", Status: AgentRunning, CreatedAt: time.Now()}
	m.mu.Lock()
	m.agents[agent.ID] = agent
	m.mu.Unlock()

	if err := m.Cancel(agent.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := m.Cancel(agent.ID); err == nil {
		t.Fatal("second cancel should fail")
	}

	// A late run result against the cancelled agent must not deliver.
	m.run(context.Background(), func() {}, agent)
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.texts) != 0 {
		t.Fatalf("cancelled agent delivered: %v", rec.texts)
	}
	if got, _ := m.Get(agent.ID); got.Status != AgentCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestAgentSweepReapsStuckAndOld(t *testing.T) {
	m := NewAgentManager(nil, func(context.Context, string, string) error { return nil }, "", nil)

	now := time.Now()
	stuck := &Agent{ID: "stuck", Status: AgentRunning, CreatedAt: now.Add(-2 * time.Hour)}
	old := &Agent{ID: "old", Status: AgentCompleted, CreatedAt: now.Add(-3 * time.Hour), CompletedAt: now.Add(-2 * time.Hour)}
	fresh := &Agent{ID: "fresh", Status: AgentCompleted, CreatedAt: now, CompletedAt: now}
	m.mu.Lock()
	m.agents["stuck"], m.agents["old"], m.agents["fresh"] = stuck, old, fresh
	m.mu.Unlock()

	m.sweep(now)

	if got, ok := m.Get("stuck"); !ok || got.Status != AgentFailed {
		t.Fatalf("stuck agent = %+v, ok=%t", got, ok)
	}
	if _, ok := m.Get("old"); ok {
		t.Fatal("old finished agent survived the sweep")
	}
	if _, ok := m.Get("fresh"); !ok {
		t.Fatal("fresh agent was reaped")
	}
}

func TestAgentListNewestFirst(t *testing.T) {
	m := NewAgentManager(nil, nil, "", nil)
	now := time.Now()
	m.mu.Lock()
	m.agents["a"] = &Agent{ID: "a", CreatedAt: now.Add(-time.Hour)}
	m.agents["b"] = &Agent{ID: "b", CreatedAt: now}
	m.mu.Unlock()

	list := m.List()
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Fatalf("list = %+v", list)
	}
}
