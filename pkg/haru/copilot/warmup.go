// warmup.go preloads the expensive singletons once at startup: the
// embedding pipeline, the workspace snapshot, and the memory index.
// Individual failures are recorded, not fatal.
package copilot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/haru/pkg/haru/copilot/memory"
	"github.com/jholhewres/haru/pkg/haru/workspace"
)

// WarmupTimings reports how long each preload took. A zero duration with
// a non-empty error string means the task failed.
type WarmupTimings struct {
	Embeddings    time.Duration
	Workspace     time.Duration
	MemoryChunks  time.Duration
	Total         time.Duration
	EmbeddingsErr string
	MemoryErr     string
}

// Done reports whether warmup has completed (successfully or not).
type WarmupStatus struct {
	Done    bool
	Timings WarmupTimings
}

// Warmup coordinates the one-time preload. Concurrent callers share the
// same run.
type Warmup struct {
	engine    *memory.Engine
	store     *memory.Store
	workspace *workspace.Store
	logger    *slog.Logger

	once    sync.Once
	timings WarmupTimings
	done    bool
	mu      sync.Mutex
}

func NewWarmup(engine *memory.Engine, store *memory.Store, ws *workspace.Store, logger *slog.Logger) *Warmup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Warmup{
		engine:    engine,
		store:     store,
		workspace: ws,
		logger:    logger.With("component", "warmup"),
	}
}

// Run performs the preload exactly once and returns the timings. Later
// calls return the cached result immediately.
func (w *Warmup) Run(ctx context.Context) WarmupTimings {
	w.once.Do(func() {
		started := time.Now()
		var wg sync.WaitGroup
		var timings WarmupTimings

		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.engine == nil {
				return
			}
			t := time.Now()
			if err := w.engine.Preload(ctx); err != nil {
				timings.EmbeddingsErr = err.Error()
				w.logger.Warn("embedding preload failed", "error", err)
				return
			}
			timings.Embeddings = time.Since(t)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.Now()
			w.workspace.Load()
			timings.Workspace = time.Since(t)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.Now()
			if w.store == nil {
				return
			}
			n, err := w.store.IndexDir(ctx, w.workspace.MemoryPath())
			if err != nil {
				timings.MemoryErr = err.Error()
				w.logger.Warn("memory preload failed", "error", err)
				return
			}
			timings.MemoryChunks = time.Since(t)
			w.logger.Debug("memory preloaded", "chunks", n)
		}()

		wg.Wait()
		timings.Total = time.Since(started)

		w.mu.Lock()
		w.timings = timings
		w.done = true
		w.mu.Unlock()
		w.logger.Info("warmup complete",
			"total", timings.Total,
			"embeddings", timings.Embeddings,
			"workspace", timings.Workspace,
			"memory", timings.MemoryChunks)
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timings
}

// Status reports warmup state for health checks.
func (w *Warmup) Status() WarmupStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WarmupStatus{Done: w.done, Timings: w.timings}
}
