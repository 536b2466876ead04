package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/haru/pkg/haru/copilot"
)

// newServeCmd creates `haru serve`, the daemon mode.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant daemon connected to chat",
		Long: `Start haru as a daemon: connect to the configured chat transport,
process messages, and run the proactive loops (reminders, cron jobs,
heartbeat, briefings).`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd, "")
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	logger = newLogger(cmd, cfg.LogLevel)

	assistant, err := copilot.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := assistant.Start(ctx); err != nil {
		return fmt.Errorf("starting assistant: %w", err)
	}

	// Block until SIGINT/SIGTERM.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
	assistant.Stop()
	return nil
}
