package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingRunner struct {
	mu   sync.Mutex
	jobs []Job
}

func (r *recordingRunner) run(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func newTestEngine(t *testing.T) (*Engine, *FileStore, *recordingRunner) {
	t.Helper()
	store := NewFileStore(filepath.Join(t.TempDir(), "cron-jobs.json"), slog.Default())
	runner := &recordingRunner{}
	return NewEngine(store, runner.run, slog.Default()), store, runner
}

func TestCreateJobComputesNextRun(t *testing.T) {
	e, _, _ := newTestEngine(t)

	job, err := e.CreateJob("daily", "discord", "chat-1",
		Schedule{Kind: "cron", Expression: "0 9 * * *", Timezone: "Asia/Seoul"},
		Payload{Kind: "agentTurn", Message: "briefing"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.NextRun == nil || !job.NextRun.After(time.Now()) {
		t.Errorf("NextRun = %v, want a future instant", job.NextRun)
	}
	if len(e.Jobs()) != 1 {
		t.Errorf("job not persisted")
	}

	if _, err := e.CreateJob("bad", "discord", "c",
		Schedule{Kind: "cron", Expression: "60 0 * * *"},
		Payload{Kind: "agentTurn", Message: "x"}); err == nil {
		t.Errorf("invalid cron should not be persisted")
	}
}

func TestTickDispatchesDueJobOnce(t *testing.T) {
	e, store, runner := newTestEngine(t)

	job := testJob("due")
	past := time.Now().Add(-time.Minute)
	job.NextRun = &past
	if err := store.Add(job); err != nil {
		t.Fatal(err)
	}

	e.tickOnce(context.Background(), time.Now())

	deadline := time.After(2 * time.Second)
	for runner.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("due job never dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// markExecuted moved nextRun into the future, so a second tick is a no-op.
	time.Sleep(50 * time.Millisecond)
	e.tickOnce(context.Background(), time.Now())
	time.Sleep(100 * time.Millisecond)
	if got := runner.count(); got != 1 {
		t.Errorf("job fired %d times, want 1", got)
	}

	updated := e.Jobs()[0]
	if updated.RunCount != 1 || updated.NextRun == nil || !updated.NextRun.After(time.Now()) {
		t.Errorf("job state after fire: %+v", updated)
	}
}

func TestTickSkipsDisabledAndFuture(t *testing.T) {
	e, store, runner := newTestEngine(t)

	disabled := testJob("off")
	past := time.Now().Add(-time.Minute)
	disabled.NextRun = &past
	disabled.Enabled = false
	store.Add(disabled)

	future := testJob("later")
	next := time.Now().Add(time.Hour)
	future.NextRun = &next
	store.Add(future)

	e.tickOnce(context.Background(), time.Now())
	time.Sleep(100 * time.Millisecond)
	if runner.count() != 0 {
		t.Errorf("nothing should have fired, got %d", runner.count())
	}
}

func TestRestoreRecomputesStaleNextRun(t *testing.T) {
	e, store, _ := newTestEngine(t)

	stale := testJob("stale")
	old := time.Now().Add(-48 * time.Hour)
	stale.NextRun = &old
	store.Add(stale)

	missing := testJob("missing")
	store.Add(missing)

	e.restore(time.Now())

	for _, j := range e.Jobs() {
		if j.NextRun == nil || !j.NextRun.After(time.Now()) {
			t.Errorf("job %s nextRun = %v, want future", j.ID, j.NextRun)
		}
	}
}

func TestRestoreDropsExpiredOneShot(t *testing.T) {
	e, store, _ := newTestEngine(t)

	expired := testJob("gone")
	expired.Schedule = Schedule{Kind: "at", AtMs: time.Now().Add(-time.Hour).UnixMilli()}
	was := time.Now().Add(-time.Hour)
	expired.NextRun = &was
	store.Add(expired)

	graced := testJob("grace")
	graced.Schedule = Schedule{Kind: "at", AtMs: time.Now().Add(-time.Minute).UnixMilli()}
	store.Add(graced)

	e.restore(time.Now())

	for _, j := range e.Jobs() {
		switch j.ID {
		case "gone":
			if j.Enabled {
				t.Errorf("hour-old one-shot should be disabled")
			}
		case "grace":
			if !j.Enabled || j.NextRun == nil {
				t.Errorf("in-grace one-shot should stay armed: %+v", j)
			}
		}
	}
}
