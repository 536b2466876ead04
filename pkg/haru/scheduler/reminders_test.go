package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingDeliver struct {
	mu   sync.Mutex
	msgs []string
	fail bool
}

func (d *recordingDeliver) deliver(_ context.Context, _, _, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return context.DeadlineExceeded
	}
	d.msgs = append(d.msgs, message)
	return nil
}

func (d *recordingDeliver) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

func newTestReminders(t *testing.T, d *recordingDeliver) *ReminderStore {
	t.Helper()
	r := NewReminderStore(filepath.Join(t.TempDir(), "reminders.json"), d.deliver, slog.Default())
	t.Cleanup(r.Stop)
	return r
}

func TestReminderFiresAndIsRemoved(t *testing.T) {
	d := &recordingDeliver{}
	r := newTestReminders(t, d)
	r.Start(context.Background())

	if _, err := r.Add("discord", "chat-1", "tea time", time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for d.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("reminder never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	time.Sleep(50 * time.Millisecond)
	if got := len(r.List()); got != 0 {
		t.Errorf("fired one-shot should be removed, %d left", got)
	}
}

func TestReminderPastRejected(t *testing.T) {
	r := newTestReminders(t, &recordingDeliver{})
	if _, err := r.Add("discord", "c", "late", time.Now().Add(-time.Minute)); err == nil {
		t.Errorf("past reminder should be rejected")
	}
}

func TestReminderCancel(t *testing.T) {
	d := &recordingDeliver{}
	r := newTestReminders(t, d)
	r.Start(context.Background())

	rem, err := r.Add("discord", "c", "never", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Cancel(rem.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.Cancel(rem.ID); err == nil {
		t.Errorf("double cancel should fail")
	}
	if len(r.List()) != 0 {
		t.Errorf("cancelled reminder still listed")
	}
}

// Delays past the single-timer horizon must install a daily recheck
// instead of arming (or worse, firing) directly.
func TestLongHorizonInstallsRecheck(t *testing.T) {
	delay, recheck := armDelay(60 * 24 * time.Hour)
	if !recheck {
		t.Fatalf("60-day delay should install a recheck")
	}
	if delay != 24*time.Hour {
		t.Errorf("recheck delay = %v, want 24h", delay)
	}

	delay, recheck = armDelay(time.Hour)
	if recheck || delay != time.Hour {
		t.Errorf("short delay should arm directly, got (%v, %v)", delay, recheck)
	}

	if delay, _ := armDelay(-time.Minute); delay != time.Second {
		t.Errorf("overdue delay should clamp to 1s, got %v", delay)
	}
}

// A reminder counts as fired only once delivery returns nil; failed
// delivery keeps the entry so a restart can retry it.
func TestReminderSurvivesFailedDelivery(t *testing.T) {
	d := &recordingDeliver{fail: true}
	r := newTestReminders(t, d)
	r.Start(context.Background())

	if _, err := r.Add("discord", "c", "flaky", time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if len(r.List()) != 1 {
		t.Errorf("reminder with failed delivery should remain persisted")
	}
}

func TestReminderRestoreDropsStale(t *testing.T) {
	d := &recordingDeliver{}
	path := filepath.Join(t.TempDir(), "reminders.json")

	first := NewReminderStore(path, d.deliver, slog.Default())
	first.Start(context.Background())
	if _, err := first.Add("discord", "c", "keep", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	first.Stop()

	// Simulate a stale entry by rewriting the file with a long-past one-shot.
	stale := Reminder{
		ID: "stale", ChatID: "c", Message: "old",
		ScheduledAt: time.Now().Add(-time.Hour), CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	second := NewReminderStore(path, d.deliver, slog.Default())
	second.mu.Lock()
	second.reminders[stale.ID] = &stale
	second.mu.Unlock()
	second.persist()
	second.reminders = make(map[string]*Reminder)

	second.Start(context.Background())
	defer second.Stop()

	for _, rem := range second.List() {
		if rem.ID == "stale" {
			t.Errorf("hour-old one-shot should be dropped on restore")
		}
	}
}

func TestRecurringReminderValidation(t *testing.T) {
	r := newTestReminders(t, &recordingDeliver{})
	if _, err := r.AddRecurring("discord", "c", "standup", "not a cron"); err == nil {
		t.Errorf("invalid cron should be rejected")
	}
	if _, err := r.AddRecurring("discord", "c", "standup", "0 9 * * 1-5"); err != nil {
		t.Errorf("valid cron rejected: %v", err)
	}
}
