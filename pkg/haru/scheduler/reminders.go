// reminders.go holds one-shot and recurring timed notifications. One-shots
// arm an in-process timer; recurring reminders run on a cron schedule via
// robfig/cron. Entries persist to reminders.json and are re-armed on
// startup.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// maxTimerDelay is the longest single-fire delay we arm directly. Delays
// past this install a daily recheck that re-arms once the remaining delay
// is representable. (Mirrors the ~24.8 day signed 32-bit millisecond cap
// that platform timers historically impose.)
const maxTimerDelay = 24 * 24 * time.Hour

// reminderGraceWindow: one-shots that came due while the process was down
// still fire once if at most this late.
const reminderGraceWindow = 5 * time.Minute

// Reminder is one timed notification.
type Reminder struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chatId"`
	Channel     string    `json:"channel,omitempty"`
	Message     string    `json:"message"`
	ScheduledAt time.Time `json:"scheduledAt"`
	CreatedAt   time.Time `json:"createdAt"`
	Recurring   bool      `json:"recurring"`
	CronExpr    string    `json:"cronExpr,omitempty"`
}

type reminderDoc struct {
	Reminders []Reminder `json:"reminders"`
}

// DeliverFunc sends a reminder message to its chat. A reminder counts as
// fired only after this returns nil.
type DeliverFunc func(ctx context.Context, channel, chatID, message string) error

// ReminderStore schedules and persists reminders.
type ReminderStore struct {
	path    string
	deliver DeliverFunc
	logger  *slog.Logger

	mu        sync.Mutex
	reminders map[string]*Reminder
	timers    map[string]*time.Timer
	cronIDs   map[string]cron.EntryID

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewReminderStore creates a reminder store persisting to path.
func NewReminderStore(path string, deliver DeliverFunc, logger *slog.Logger) *ReminderStore {
	return &ReminderStore{
		path:      path,
		deliver:   deliver,
		logger:    logger.With("component", "reminders"),
		reminders: make(map[string]*Reminder),
		timers:    make(map[string]*time.Timer),
		cronIDs:   make(map[string]cron.EntryID),
		cron:      cron.New(),
	}
}

// Start loads persisted reminders, drops stale one-shots, and re-arms the
// rest.
func (r *ReminderStore) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.cron.Start()

	now := time.Now()
	loaded := r.load()
	kept := 0
	for i := range loaded {
		rem := loaded[i]
		if !rem.Recurring && !rem.ScheduledAt.After(now) {
			if now.Sub(rem.ScheduledAt) > reminderGraceWindow {
				r.logger.Info("dropping expired reminder", "id", rem.ID, "was_due", rem.ScheduledAt)
				continue
			}
			// Within grace: fire promptly.
			rem.ScheduledAt = now.Add(time.Second)
		}
		r.mu.Lock()
		r.reminders[rem.ID] = &rem
		r.mu.Unlock()
		r.arm(&rem)
		kept++
	}
	r.persist()
	r.logger.Info("reminders restored", "count", kept)
}

// Stop cancels timers and the cron runner.
func (r *ReminderStore) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.cron.Stop()
	r.mu.Lock()
	for _, t := range r.timers {
		t.Stop()
	}
	r.mu.Unlock()
}

// Add creates a one-shot reminder at the given instant.
func (r *ReminderStore) Add(channel, chatID, message string, at time.Time) (*Reminder, error) {
	if !at.After(time.Now()) {
		return nil, fmt.Errorf("reminder time is in the past")
	}
	rem := &Reminder{
		ID:          uuid.New().String(),
		ChatID:      chatID,
		Channel:     channel,
		Message:     message,
		ScheduledAt: at,
		CreatedAt:   time.Now(),
	}
	r.mu.Lock()
	r.reminders[rem.ID] = rem
	r.mu.Unlock()
	r.arm(rem)
	r.persist()
	r.logger.Info("reminder added", "id", rem.ID, "at", at)
	return rem, nil
}

// AddRecurring creates a recurring reminder on a cron expression.
func (r *ReminderStore) AddRecurring(channel, chatID, message, cronExpr string) (*Reminder, error) {
	if _, err := ParseCron(cronExpr); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	rem := &Reminder{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		Channel:   channel,
		Message:   message,
		CreatedAt: time.Now(),
		Recurring: true,
		CronExpr:  cronExpr,
	}
	r.mu.Lock()
	r.reminders[rem.ID] = rem
	r.mu.Unlock()
	r.arm(rem)
	r.persist()
	r.logger.Info("recurring reminder added", "id", rem.ID, "cron", cronExpr)
	return rem, nil
}

// Cancel removes a reminder and disarms its timer or cron entry.
func (r *ReminderStore) Cancel(id string) error {
	r.mu.Lock()
	_, ok := r.reminders[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("reminder %s not found", id)
	}
	delete(r.reminders, id)
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	if cid, ok := r.cronIDs[id]; ok {
		r.cron.Remove(cid)
		delete(r.cronIDs, id)
	}
	r.mu.Unlock()
	r.persist()
	return nil
}

// List returns all live reminders.
func (r *ReminderStore) List() []Reminder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Reminder, 0, len(r.reminders))
	for _, rem := range r.reminders {
		out = append(out, *rem)
	}
	return out
}

// arm schedules the in-process trigger for a reminder.
func (r *ReminderStore) arm(rem *Reminder) {
	if rem.Recurring {
		id, err := r.cron.AddFunc(rem.CronExpr, func() { r.fire(rem.ID, false) })
		if err != nil {
			r.logger.Error("failed to arm recurring reminder", "id", rem.ID, "error", err)
			return
		}
		r.mu.Lock()
		r.cronIDs[rem.ID] = id
		r.mu.Unlock()
		return
	}

	delay, recheck := armDelay(time.Until(rem.ScheduledAt))
	if recheck {
		// Too far out for a single timer: recheck daily and re-arm once the
		// remaining delay is representable.
		r.setTimer(rem.ID, delay, func() {
			r.mu.Lock()
			current, ok := r.reminders[rem.ID]
			r.mu.Unlock()
			if ok {
				r.arm(current)
			}
		})
		return
	}
	r.setTimer(rem.ID, delay, func() { r.fire(rem.ID, true) })
}

// armDelay returns the next timer delay for a one-shot due in `until`, and
// whether that timer is a daily recheck rather than the final fire.
func armDelay(until time.Duration) (time.Duration, bool) {
	if until > maxTimerDelay {
		return 24 * time.Hour, true
	}
	if until < 0 {
		until = time.Second
	}
	return until, false
}

func (r *ReminderStore) setTimer(id string, delay time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.timers[id]; ok {
		old.Stop()
	}
	r.timers[id] = time.AfterFunc(delay, fn)
}

// fire delivers a reminder. One-shots are removed only after delivery
// succeeds; on failure the entry stays persisted so a restart retries it.
func (r *ReminderStore) fire(id string, oneShot bool) {
	r.mu.Lock()
	rem, ok := r.reminders[id]
	r.mu.Unlock()
	if !ok {
		return // cancelled in the meantime
	}

	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	msg := fmt.Sprintf("⏰ Reminder: %s", rem.Message)
	if err := r.deliver(ctx, rem.Channel, rem.ChatID, msg); err != nil {
		r.logger.Error("reminder delivery failed", "id", id, "error", err)
		return
	}
	r.logger.Info("reminder fired", "id", id, "recurring", rem.Recurring)

	if oneShot && !rem.Recurring {
		r.mu.Lock()
		delete(r.reminders, id)
		delete(r.timers, id)
		r.mu.Unlock()
		r.persist()
	}
}

// load reads reminders.json; missing or corrupt files yield an empty set.
func (r *ReminderStore) load() []Reminder {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil
	}
	var doc reminderDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("reminder store corrupt, starting empty", "error", err)
		return nil
	}
	return doc.Reminders
}

// persist writes the current set atomically.
func (r *ReminderStore) persist() {
	r.mu.Lock()
	doc := reminderDoc{Reminders: make([]Reminder, 0, len(r.reminders))}
	for _, rem := range r.reminders {
		doc.Reminders = append(doc.Reminders, *rem)
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		r.logger.Warn("failed to persist reminders", "error", err)
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		r.logger.Warn("failed to persist reminders", "error", err)
	}
}
