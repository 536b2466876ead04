// engine.go is the tick-driven dispatcher: every tick it asks the store for
// due jobs, fans out payload execution, and marks each run atomically so a
// job fires at most once between ticks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTickInterval is the dispatch cadence. Due jobs fire within one
// tick of their nextRun.
const DefaultTickInterval = 30 * time.Second

// restoreGraceWindow: one-shot jobs whose fire time passed while the
// process was down still fire once if they are at most this late.
const restoreGraceWindow = 5 * time.Minute

// PayloadRunner executes a fired job's payload. For agentTurn payloads the
// assistant synthesizes a user turn and delivers the response to the
// owning chat. Errors are logged; the job stays on schedule.
type PayloadRunner func(ctx context.Context, job Job) error

// Engine owns the persisted job set and the dispatch loop.
type Engine struct {
	store  *FileStore
	runner PayloadRunner
	logger *slog.Logger
	tick   time.Duration

	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]bool
}

// NewEngine creates a scheduler engine over the given store.
func NewEngine(store *FileStore, runner PayloadRunner, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		runner:  runner,
		logger:  logger.With("component", "scheduler"),
		tick:    DefaultTickInterval,
		running: make(map[string]bool),
	}
}

// SetTickInterval overrides the dispatch cadence (mainly for tests).
func (e *Engine) SetTickInterval(d time.Duration) {
	if d > 0 {
		e.tick = d
	}
}

// Start restores persisted jobs and launches the tick loop.
func (e *Engine) Start(ctx context.Context) {
	now := time.Now()
	e.restore(now)

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.loop(loopCtx)

	e.logger.Info("scheduler started", "jobs", len(e.store.Load()), "tick", e.tick.String())
}

// Stop halts the tick loop. In-flight payloads finish on their own.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// restore recomputes nextRun for jobs whose stored value is missing or in
// the past. Recurring jobs advance; expired one-shots fire once if within
// the grace window, otherwise they are disabled.
func (e *Engine) restore(now time.Time) {
	for _, job := range e.store.Load() {
		if !job.Enabled {
			continue
		}
		if job.NextRun != nil && job.NextRun.After(now) {
			continue
		}

		if job.Schedule.Kind == "at" {
			at := time.UnixMilli(job.Schedule.AtMs)
			if !at.After(now) && now.Sub(at) > restoreGraceWindow {
				e.logger.Info("dropping expired one-shot job", "job", job.ID, "name", job.Name, "was_due", at)
				job.Enabled = false
				job.NextRun = nil
				if err := e.store.Update(job); err != nil {
					e.logger.Warn("failed to disable expired job", "job", job.ID, "error", err)
				}
				continue
			}
			// Within grace: leave nextRun at the past instant so the first
			// tick fires it.
			job.NextRun = &at
			if err := e.store.Update(job); err != nil {
				e.logger.Warn("failed to restore job", "job", job.ID, "error", err)
			}
			continue
		}

		next, ok := job.Schedule.NextAfter(now, job.CreatedAt)
		if !ok {
			job.Enabled = false
			job.NextRun = nil
		} else {
			job.NextRun = &next
		}
		if err := e.store.Update(job); err != nil {
			e.logger.Warn("failed to restore job", "job", job.ID, "error", err)
		}
	}
}

func (e *Engine) loop(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tickOnce(ctx, time.Now())
		case <-ctx.Done():
			e.logger.Info("scheduler stopped")
			return
		}
	}
}

// tickOnce dispatches every due job. Execution fans out so a slow payload
// never delays the tick.
func (e *Engine) tickOnce(ctx context.Context, now time.Time) {
	for _, job := range e.dueJobs(now) {
		e.mu.Lock()
		if e.running[job.ID] {
			e.mu.Unlock()
			continue
		}
		e.running[job.ID] = true
		e.mu.Unlock()

		go e.executeJob(ctx, job, now)
	}
}

// dueJobs returns enabled jobs whose nextRun has arrived and whose run
// budget is not exhausted.
func (e *Engine) dueJobs(now time.Time) []Job {
	var due []Job
	for _, job := range e.store.Load() {
		if !job.Enabled || job.NextRun == nil || job.NextRun.After(now) {
			continue
		}
		if job.MaxRuns > 0 && job.RunCount >= job.MaxRuns {
			continue
		}
		due = append(due, job)
	}
	return due
}

// executeJob marks the execution first, then runs the payload. The
// inversion is deliberate: MarkExecuted advances nextRun under the store
// lock before the next tick can see the job again, which bounds each job
// to one fire per due instant and keeps a crashing payload from causing
// a re-fire storm. The cost is that a payload failure consumes the run.
func (e *Engine) executeJob(ctx context.Context, job Job, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("job payload panicked", "job", job.ID, "name", job.Name, "panic", r)
		}
		e.mu.Lock()
		delete(e.running, job.ID)
		e.mu.Unlock()
	}()

	e.logger.Info("executing job", "job", job.ID, "name", job.Name, "run_count", job.RunCount)

	// Mark first so a payload crash cannot cause a re-fire storm on the
	// next tick; payload failures are logged and the job stays on schedule.
	if err := e.store.MarkExecuted(job.ID, job.RunCount, now); err != nil {
		e.logger.Error("failed to mark job executed", "job", job.ID, "error", err)
		return
	}

	if e.runner == nil {
		return
	}
	if err := e.runner(ctx, job); err != nil {
		e.logger.Error("job payload failed", "job", job.ID, "name", job.Name, "error", err)
	}
}

// CreateJob builds a validated job with a fresh id and its initial nextRun,
// and persists it.
func (e *Engine) CreateJob(name, channel, chatID string, schedule Schedule, payload Payload) (Job, error) {
	if err := schedule.Validate(); err != nil {
		return Job{}, err
	}
	if err := payload.Validate(); err != nil {
		return Job{}, err
	}

	now := time.Now()
	next, ok := schedule.NextAfter(now, now)
	if !ok {
		return Job{}, fmt.Errorf("schedule never fires")
	}

	job := Job{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Channel:   channel,
		Name:      name,
		Schedule:  schedule,
		Payload:   payload,
		Enabled:   true,
		CreatedAt: now,
		NextRun:   &next,
	}
	if err := e.store.Add(job); err != nil {
		return Job{}, err
	}
	e.logger.Info("job created", "job", job.ID, "name", name, "next_run", next)
	return job, nil
}

// RemoveJob deletes a job by id.
func (e *Engine) RemoveJob(id string) error { return e.store.Remove(id) }

// Jobs lists all persisted jobs.
func (e *Engine) Jobs() []Job { return e.store.Load() }
