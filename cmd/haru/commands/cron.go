package commands

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/haru/pkg/haru/scheduler"
)

// newCronCmd creates `haru cron` with list/add/rm subcommands. The
// daemon picks up store changes on its next tick, so edits here need no
// restart.
func newCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
		Long: `Inspect and edit the persisted job store. Schedules accept natural
language in English and Korean.

Examples:
  haru cron list
  haru cron add --when "every day at 8am" --message "send my briefing"
  haru cron add --when "매주 월요일 9시" --message "weekly planning prompt"
  haru cron rm 3f2a...`,
	}
	cmd.AddCommand(newCronListCmd(), newCronAddCmd(), newCronRmCmd())
	return cmd
}

// openEngine builds a store-backed engine for CRUD without starting the
// tick loop.
func openEngine(cmd *cobra.Command) (*scheduler.Engine, *time.Location, error) {
	logger := newLogger(cmd, "")
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return nil, nil, err
	}
	store := scheduler.NewFileStore(filepath.Join(cfg.WorkspaceDir, "cron-jobs.json"), logger)
	return scheduler.NewEngine(store, nil, logger), cfg.Location(), nil
}

func newCronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, loc, err := openEngine(cmd)
			if err != nil {
				return err
			}
			jobs := engine.Jobs()
			if len(jobs) == 0 {
				fmt.Println("No scheduled jobs.")
				return nil
			}
			for _, j := range jobs {
				next := "-"
				if j.NextRun != nil {
					next = j.NextRun.In(loc).Format("2006-01-02 15:04")
				}
				state := ""
				if !j.Enabled {
					state = "  [disabled]"
				}
				fmt.Printf("%s  %-30s next %s  runs %d%s\n", j.ID, j.Name, next, j.RunCount, state)
			}
			return nil
		},
	}
}

func newCronAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a job from a natural-language schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			when, _ := cmd.Flags().GetString("when")
			message, _ := cmd.Flags().GetString("message")
			name, _ := cmd.Flags().GetString("name")
			chat, _ := cmd.Flags().GetString("chat")
			if when == "" || message == "" {
				return fmt.Errorf("--when and --message are required")
			}

			engine, loc, err := openEngine(cmd)
			if err != nil {
				return err
			}

			parsed, err := scheduler.ParseNatural(when, time.Now(), loc)
			if err != nil {
				return fmt.Errorf("could not understand %q: %w", when, err)
			}
			var sched scheduler.Schedule
			if parsed.Kind == "cron" {
				sched = scheduler.Schedule{Kind: "cron", Expression: parsed.Expression, Timezone: loc.String()}
			} else {
				sched = scheduler.Schedule{Kind: "at", AtMs: parsed.At.UnixMilli()}
			}
			if name == "" {
				name = message
				if len(name) > 40 {
					name = name[:40]
				}
			}

			channel, chatID := "", chat
			if c, rest, ok := strings.Cut(chat, ":"); ok {
				channel, chatID = c, rest
			}
			job, err := engine.CreateJob(name, channel, chatID, sched, scheduler.Payload{
				Kind:    "agentTurn",
				Message: message,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created job %s (%s), next run %s\n", job.ID, job.Name, job.NextRun.In(loc).Format("2006-01-02 15:04"))
			return nil
		},
	}
	cmd.Flags().String("when", "", "schedule phrase, e.g. 'every day at 8am'")
	cmd.Flags().String("message", "", "task the assistant runs when the job fires")
	cmd.Flags().String("name", "", "short job name (defaults to the message)")
	cmd.Flags().String("chat", "local", "delivery target as channel:chatID")
	return cmd
}

func newCronRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <job-id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openEngine(cmd)
			if err != nil {
				return err
			}
			if err := engine.RemoveJob(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed job %s\n", args[0])
			return nil
		},
	}
}
