// subagent.go runs background agents: independent LLM tasks spawned from
// a conversation that report back when they finish. Agents share no
// history with the owning session.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// agentSweepInterval drives the periodic reaper.
	agentSweepInterval = 10 * time.Minute
	// agentMaxLifetime force-fails agents still running after this long.
	agentMaxLifetime = 1 * time.Hour
	// agentRetention keeps finished agents queryable before the sweep
	// drops them.
	agentRetention = 1 * time.Hour
)

// AgentStatus is the lifecycle state of a background agent.
type AgentStatus string

const (
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentCancelled AgentStatus = "cancelled"
)

// Agent is one background task.
type Agent struct {
	ID          string
	Task        string
	ChatID      string
	Status      AgentStatus
	CreatedAt   time.Time
	CompletedAt time.Time
	Result      string
	Error       string
}

// AgentManager owns the agent map and the delivery of results back to the
// chat. It never owns the transport: delivery goes through the injected
// callback.
type AgentManager struct {
	orchestrator *Orchestrator
	deliver      DeliverText
	model        string
	logger       *slog.Logger

	mu      sync.Mutex
	agents  map[string]*Agent
	cancels map[string]context.CancelFunc
}

func NewAgentManager(orchestrator *Orchestrator, deliver DeliverText, model string, logger *slog.Logger) *AgentManager {
	if model == "" {
		model = "medium"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentManager{
		orchestrator: orchestrator,
		deliver:      deliver,
		model:        model,
		logger:       logger.With("component", "agents"),
		agents:       make(map[string]*Agent),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Spawn starts a background agent and returns its id immediately.
func (m *AgentManager) Spawn(ctx context.Context, task, chatID string) string {
	agent := &Agent{
		ID:        uuid.NewString()[:8],
		Task:      task,
		ChatID:    chatID,
		Status:    AgentRunning,
		CreatedAt: time.Now(),
	}

	// The agent's lifetime is detached from the spawning turn but
	// bounded by its own deadline.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), agentMaxLifetime)

	m.mu.Lock()
	m.agents[agent.ID] = agent
	m.cancels[agent.ID] = cancel
	m.mu.Unlock()

	go m.run(runCtx, cancel, agent)
	m.logger.Info("agent spawned", "id", agent.ID, "chat_id", chatID, "task", truncateForLog(task, 80))
	return agent.ID
}

func (m *AgentManager) run(ctx context.Context, cancel context.CancelFunc, agent *Agent) {
	defer cancel()

	system := "You are a background worker agent. Complete the task you are given and report the outcome concisely. You have the same tools as the main assistant."
	res, err := m.orchestrator.Chat(ctx,
		[]chatMessage{textMessage("user", agent.Task)},
		system, m.model, ThinkingOff)

	m.mu.Lock()
	if agent.Status == AgentCancelled {
		// A cancelled agent's late result is discarded.
		m.mu.Unlock()
		return
	}
	agent.CompletedAt = time.Now()
	if err != nil {
		agent.Status = AgentFailed
		agent.Error = err.Error()
	} else {
		agent.Status = AgentCompleted
		agent.Result = res.Text
	}
	delete(m.cancels, agent.ID)
	status, chatID := agent.Status, agent.ChatID
	m.mu.Unlock()

	var notice string
	if status == AgentCompleted {
		notice = fmt.Sprintf("Background task finished (%s):\n%s", agent.ID, agent.Result)
	} else {
		notice = fmt.Sprintf("Background task %s failed: %s", agent.ID, agent.Error)
	}
	if err := m.deliver(ctx, chatID, notice); err != nil {
		m.logger.Warn("agent result delivery failed", "id", agent.ID, "error", err)
	}
}

// Cancel aborts a running agent. Its in-flight request is cut and any
// eventual result dropped.
func (m *AgentManager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("no agent %q", id)
	}
	if agent.Status != AgentRunning {
		return fmt.Errorf("agent %s is already %s", id, agent.Status)
	}
	agent.Status = AgentCancelled
	agent.CompletedAt = time.Now()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
	m.logger.Info("agent cancelled", "id", id)
	return nil
}

// Get returns a snapshot of one agent.
func (m *AgentManager) Get(id string) (Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *agent, true
}

// List returns snapshots of all agents, newest first.
func (m *AgentManager) List() []Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// StartSweeper launches the periodic reaper.
func (m *AgentManager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(agentSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep(time.Now())
			}
		}
	}()
}

// sweep drops finished agents past retention and force-fails stuck ones.
func (m *AgentManager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, agent := range m.agents {
		switch agent.Status {
		case AgentRunning:
			if now.Sub(agent.CreatedAt) > agentMaxLifetime {
				agent.Status = AgentFailed
				agent.Error = "agent exceeded max lifetime"
				agent.CompletedAt = now
				if cancel, ok := m.cancels[id]; ok {
					cancel()
					delete(m.cancels, id)
				}
				m.logger.Warn("stuck agent reaped", "id", id)
			}
		default:
			if !agent.CompletedAt.IsZero() && now.Sub(agent.CompletedAt) > agentRetention {
				delete(m.agents, id)
			}
		}
	}
}
