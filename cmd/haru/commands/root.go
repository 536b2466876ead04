// Package commands implements the haru CLI commands using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/haru/pkg/haru/copilot"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	copilot.Version = version

	rootCmd := &cobra.Command{
		Use:   "haru",
		Short: "haru - a personal assistant that lives in your chat",
		Long: `haru is a persistent personal assistant: reminders, schedules,
notes, long-term memory and background tasks, reachable from chat or
this CLI.

Examples:
  haru serve
  haru chat "what's on my plate today?"
  haru cron list
  haru secrets set llm-api-key`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newCronCmd(),
		newMemoryCmd(),
		newSecretsCmd(),
		newSetupCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config.yaml")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig resolves the config path flag and loads the configuration.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*copilot.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = copilot.DefaultConfigPath()
	}
	return copilot.LoadConfig(path, logger)
}

// newLogger builds the process logger from flags and config.
func newLogger(cmd *cobra.Command, level string) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || level == "debug" {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
