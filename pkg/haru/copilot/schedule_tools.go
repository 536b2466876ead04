// schedule_tools.go registers the time tools: one-shot and recurring
// reminders, and named cron jobs whose payload is a synthesized agent
// turn. Schedule phrases accept English and Korean natural language.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/haru/pkg/haru/channels"
	"github.com/jholhewres/haru/pkg/haru/scheduler"
)

// RegisterScheduleTools registers the remind and schedule dispatchers.
// The bound conversation id carries the delivery target.
func RegisterScheduleTools(reg *Registry, reminders *scheduler.ReminderStore, engine *scheduler.Engine, tz *time.Location) {
	if tz == nil {
		tz = time.Local
	}

	reg.Register(&Tool{
		Def: ToolDefinition{
			Name: "remind",
			Description: "Manage reminders. Actions: add (one-shot or recurring from a natural phrase like " +
				"'tomorrow at 9am', 'in 20 minutes', '매주 월요일 9시'), list, cancel.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":  map[string]any{"type": "string", "enum": []string{"add", "list", "cancel"}},
					"message": map[string]any{"type": "string", "description": "What to remind (for add)"},
					"when":    map[string]any{"type": "string", "description": "When, in natural language (for add)"},
					"id":      map[string]any{"type": "string", "description": "Reminder id (for cancel)"},
				},
				"required": []string{"action"},
			}),
		},
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Action  string `json:"action"`
				Message string `json:"message"`
				When    string `json:"when"`
				ID      string `json:"id"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}

			switch args.Action {
			case "add":
				if args.Message == "" || args.When == "" {
					return "", fmt.Errorf("add needs both message and when")
				}
				channel, chatID, err := boundTarget(ctx)
				if err != nil {
					return "", err
				}
				parsed, err := scheduler.ParseNatural(args.When, time.Now(), tz)
				if err != nil {
					return "", fmt.Errorf("could not understand %q: %w", args.When, err)
				}
				if parsed.Kind == "cron" {
					rem, err := reminders.AddRecurring(channel, chatID, args.Message, parsed.Expression)
					if err != nil {
						return "", err
					}
					return fmt.Sprintf("Recurring reminder %s set (%s).", rem.ID, parsed.Expression), nil
				}
				rem, err := reminders.Add(channel, chatID, args.Message, parsed.At)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Reminder %s set for %s.", rem.ID, parsed.At.In(tz).Format("2006-01-02 15:04")), nil

			case "list":
				items := reminders.List()
				if len(items) == 0 {
					return "No reminders set.", nil
				}
				var b strings.Builder
				for _, r := range items {
					if r.Recurring {
						fmt.Fprintf(&b, "%s  (cron %s)  %s\n", r.ID, r.CronExpr, r.Message)
					} else {
						fmt.Fprintf(&b, "%s  %s  %s\n", r.ID, r.ScheduledAt.In(tz).Format("2006-01-02 15:04"), r.Message)
					}
				}
				return b.String(), nil

			case "cancel":
				if args.ID == "" {
					return "", fmt.Errorf("cancel needs an id")
				}
				if err := reminders.Cancel(args.ID); err != nil {
					return "", err
				}
				return fmt.Sprintf("Reminder %s cancelled.", args.ID), nil

			default:
				return "", fmt.Errorf("unknown action %q", args.Action)
			}
		},
	})

	reg.Register(&Tool{
		Def: ToolDefinition{
			Name: "schedule",
			Description: "Manage recurring jobs that run an assistant task on a schedule. " +
				"Actions: add (natural phrase like 'every day at 8am' or '매일 아침 8시'), list, remove.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":  map[string]any{"type": "string", "enum": []string{"add", "list", "remove"}},
					"name":    map[string]any{"type": "string", "description": "Short job name (for add)"},
					"when":    map[string]any{"type": "string", "description": "Schedule phrase (for add)"},
					"message": map[string]any{"type": "string", "description": "The task to run when the job fires (for add)"},
					"id":      map[string]any{"type": "string", "description": "Job id (for remove)"},
				},
				"required": []string{"action"},
			}),
		},
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Action  string `json:"action"`
				Name    string `json:"name"`
				When    string `json:"when"`
				Message string `json:"message"`
				ID      string `json:"id"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}

			switch args.Action {
			case "add":
				if args.When == "" || args.Message == "" {
					return "", fmt.Errorf("add needs when and message")
				}
				channel, chatID, err := boundTarget(ctx)
				if err != nil {
					return "", err
				}
				parsed, err := scheduler.ParseNatural(args.When, time.Now(), tz)
				if err != nil {
					return "", fmt.Errorf("could not understand %q: %w", args.When, err)
				}
				var sched scheduler.Schedule
				if parsed.Kind == "cron" {
					sched = scheduler.Schedule{Kind: "cron", Expression: parsed.Expression, Timezone: tz.String()}
				} else {
					sched = scheduler.Schedule{Kind: "at", AtMs: parsed.At.UnixMilli()}
				}
				name := args.Name
				if name == "" {
					name = truncateForLog(args.Message, 40)
				}
				job, err := engine.CreateJob(name, channel, chatID, sched, scheduler.Payload{
					Kind:    "agentTurn",
					Message: args.Message,
				})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Job %s (%s) created.", job.ID, job.Name), nil

			case "list":
				jobs := engine.Jobs()
				if len(jobs) == 0 {
					return "No scheduled jobs.", nil
				}
				var b strings.Builder
				for _, j := range jobs {
					next := "-"
					if j.NextRun != nil {
						next = j.NextRun.In(tz).Format("2006-01-02 15:04")
					}
					state := "enabled"
					if !j.Enabled {
						state = "disabled"
					}
					fmt.Fprintf(&b, "%s  %s  next %s  (%s, runs %d)\n", j.ID, j.Name, next, state, j.RunCount)
				}
				return b.String(), nil

			case "remove":
				if args.ID == "" {
					return "", fmt.Errorf("remove needs an id")
				}
				if err := engine.RemoveJob(args.ID); err != nil {
					return "", err
				}
				return fmt.Sprintf("Job %s removed.", args.ID), nil

			default:
				return "", fmt.Errorf("unknown action %q", args.Action)
			}
		},
	})
}

// boundTarget splits the conversation binding into channel and chat id.
func boundTarget(ctx context.Context) (channel, chatID string, err error) {
	bound, ok := CurrentConversation(ctx)
	if !ok {
		return "", "", fmt.Errorf("no conversation bound to this turn")
	}
	target, err := channels.ParseTarget(bound)
	if err != nil {
		// Bare chat ids (CLI sessions) have no channel prefix.
		return "", bound, nil
	}
	return target.Channel, target.ChatID, nil
}
