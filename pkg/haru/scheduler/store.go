// store.go persists cron jobs as a single JSON document guarded by an
// advisory lock file. Writes are read-modify-write against a temp file
// followed by an atomic rename, so readers never observe a partial file.
package scheduler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// storeVersion is the on-disk schema version of cron-jobs.json.
const storeVersion = 1

// Schedule is a tagged variant: exactly one of the three kinds is active.
type Schedule struct {
	// Kind is "at", "every", or "cron".
	Kind string `json:"kind"`

	// AtMs is the one-shot fire instant in Unix milliseconds (kind "at").
	AtMs int64 `json:"atMs,omitempty"`

	// EveryMs is the interval in milliseconds (kind "every"); StartMs
	// optionally anchors the first run.
	EveryMs int64 `json:"everyMs,omitempty"`
	StartMs int64 `json:"startMs,omitempty"`

	// Expression and Timezone describe a recurring cron schedule (kind "cron").
	Expression string `json:"expression,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

// Validate checks the variant is well-formed before it is persisted.
func (s Schedule) Validate() error {
	switch s.Kind {
	case "at":
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires atMs")
		}
	case "every":
		if s.EveryMs < int64(time.Minute/time.Millisecond) {
			return fmt.Errorf("every schedule requires an interval of at least one minute")
		}
	case "cron":
		if _, err := ParseCron(s.Expression); err != nil {
			return err
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("unknown timezone %q: %w", s.Timezone, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Location resolves the schedule's timezone, defaulting to the process zone.
func (s Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// NextAfter computes the first fire instant strictly after now. ok is false
// when the schedule is terminal (a one-shot already in the past).
func (s Schedule) NextAfter(now, createdAt time.Time) (next time.Time, ok bool) {
	switch s.Kind {
	case "at":
		at := time.UnixMilli(s.AtMs)
		if at.After(now) {
			return at, true
		}
		return time.Time{}, false

	case "every":
		interval := time.Duration(s.EveryMs) * time.Millisecond
		base := createdAt
		if s.StartMs > 0 {
			base = time.UnixMilli(s.StartMs)
		}
		if base.After(now) {
			return base, true
		}
		elapsed := now.Sub(base)
		steps := elapsed/interval + 1
		return base.Add(steps * interval), true

	case "cron":
		expr, err := ParseCron(s.Expression)
		if err != nil {
			return time.Time{}, false
		}
		next := expr.Next(now, s.Location())
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	}
	return time.Time{}, false
}

// Payload is what a job does when it fires. The common case is an agent
// turn: a synthesized user message run through the orchestrator.
type Payload struct {
	// Kind is "agentTurn".
	Kind string `json:"kind"`

	// Message is the synthesized user message (kind "agentTurn").
	Message string `json:"message,omitempty"`
}

// Validate rejects unknown payload kinds at creation time.
func (p Payload) Validate() error {
	switch p.Kind {
	case "agentTurn":
		if p.Message == "" {
			return fmt.Errorf("agentTurn payload requires a message")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// Job is one persisted scheduled job.
type Job struct {
	ID       string   `json:"id"`
	ChatID   string   `json:"chatId"`
	Channel  string   `json:"channel,omitempty"`
	Name     string   `json:"name"`
	Schedule Schedule `json:"schedule"`
	Payload  Payload  `json:"payload"`
	Enabled  bool     `json:"enabled"`

	CreatedAt time.Time  `json:"createdAt"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	NextRun   *time.Time `json:"nextRun,omitempty"`
	RunCount  int        `json:"runCount"`
	MaxRuns   int        `json:"maxRuns,omitempty"`
}

// storeDoc is the JSON document shape.
type storeDoc struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// FileStore reads and writes the job document with an advisory lock.
type FileStore struct {
	path   string
	logger *slog.Logger
}

// NewFileStore creates a store backed by the given JSON file path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	return &FileStore{path: path, logger: logger.With("component", "cron-store")}
}

const (
	lockRetries    = 100
	lockRetryDelay = 50 * time.Millisecond
	lockStaleAfter = 5 * time.Second
)

// acquireLock creates the sibling lock file with O_EXCL, retrying for up to
// five seconds. A lock file older than five seconds is treated as stale and
// removed. If the lock never frees, we proceed anyway with a warning rather
// than wedging the scheduler.
func (s *FileStore) acquireLock() func() {
	lockPath := s.path + ".lock"
	for i := 0; i < lockRetries; i++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return func() { os.Remove(lockPath) }
		}
		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleAfter {
				s.logger.Warn("removing stale cron store lock", "age", time.Since(info.ModTime()))
				os.Remove(lockPath)
				continue
			}
		}
		time.Sleep(lockRetryDelay)
	}
	s.logger.Warn("cron store lock acquisition timed out, proceeding without lock")
	return func() {}
}

// Load reads all jobs. A missing or corrupt file yields an empty job set.
func (s *FileStore) Load() []Job {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var doc storeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("cron store corrupt, starting empty", "path", s.path, "error", err)
		return nil
	}
	return doc.Jobs
}

// write serializes the document to a sibling temp file and renames it over
// the store path.
func (s *FileStore) write(jobs []Job) error {
	doc := storeDoc{Version: storeVersion, Jobs: jobs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cron store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing cron store temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming cron store: %w", err)
	}
	return nil
}

// mutate runs fn over the current job set under the advisory lock and
// persists the result atomically.
func (s *FileStore) mutate(fn func(jobs []Job) ([]Job, error)) error {
	unlock := s.acquireLock()
	defer unlock()

	jobs, err := fn(s.Load())
	if err != nil {
		return err
	}
	return s.write(jobs)
}

// Add validates and persists a new job.
func (s *FileStore) Add(job Job) error {
	if err := job.Schedule.Validate(); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	if err := job.Payload.Validate(); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return s.mutate(func(jobs []Job) ([]Job, error) {
		for _, j := range jobs {
			if j.ID == job.ID {
				return nil, fmt.Errorf("job %s already exists", job.ID)
			}
		}
		return append(jobs, job), nil
	})
}

// Remove deletes a job by id.
func (s *FileStore) Remove(id string) error {
	return s.mutate(func(jobs []Job) ([]Job, error) {
		out := jobs[:0]
		found := false
		for _, j := range jobs {
			if j.ID == id {
				found = true
				continue
			}
			out = append(out, j)
		}
		if !found {
			return nil, fmt.Errorf("job %s not found", id)
		}
		return out, nil
	})
}

// Update replaces a job in place.
func (s *FileStore) Update(job Job) error {
	return s.mutate(func(jobs []Job) ([]Job, error) {
		for i, j := range jobs {
			if j.ID == job.ID {
				jobs[i] = job
				return jobs, nil
			}
		}
		return nil, fmt.Errorf("job %s not found", job.ID)
	})
}

// MarkExecuted records a completed run for the job: increments the run
// count, stamps lastRun, and recomputes nextRun. Terminal jobs (one-shots,
// exhausted maxRuns) are disabled with nextRun cleared. Idempotent for a
// given (job, expectRunCount) pair: a second call with the same expected
// count is a no-op.
func (s *FileStore) MarkExecuted(id string, expectRunCount int, ranAt time.Time) error {
	return s.mutate(func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID != id {
				continue
			}
			if jobs[i].RunCount != expectRunCount {
				return jobs, nil
			}
			j := &jobs[i]
			j.RunCount++
			ran := ranAt
			j.LastRun = &ran

			if j.MaxRuns > 0 && j.RunCount >= j.MaxRuns {
				j.Enabled = false
				j.NextRun = nil
				return jobs, nil
			}
			next, ok := j.Schedule.NextAfter(ranAt, j.CreatedAt)
			if !ok {
				j.Enabled = false
				j.NextRun = nil
				return jobs, nil
			}
			j.NextRun = &next
			return jobs, nil
		}
		return nil, fmt.Errorf("job %s not found", id)
	})
}
