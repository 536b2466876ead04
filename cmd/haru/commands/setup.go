package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/haru/pkg/haru/copilot"
	"github.com/jholhewres/haru/pkg/haru/workspace"
)

// onboardingPrompt seeds BOOTSTRAP.md so the first conversation runs the
// get-to-know-you flow instead of the persona sections.
const onboardingPrompt = `You are meeting your user for the first time.
Ask, one question at a time: their name, their timezone and city, what
they want help with day to day, and how formal they want you to be.
When you have all four, write what you learned with the write_file tool
(IDENTITY.md for your role, USER.md for the user), then delete
BOOTSTRAP.md with a final confirmation message.`

// newSetupCmd creates `haru setup`, the interactive first-run wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run configuration",
		Long: `Walk through the initial configuration: workspace location, timezone,
model, chat transport, and secrets. Writes config.yaml and seeds the
workspace with an onboarding prompt.`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	cfg := copilot.DefaultConfig()

	var (
		workspaceDir = cfg.WorkspaceDir
		timezone     = "Asia/Seoul"
		model        = cfg.LLM.DefaultModel
		ownerID      string
		setKey       = true
		setToken     bool
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("Persona files, memory and schedules live here").
				Value(&workspaceDir),
			huh.NewInput().
				Title("Timezone").
				Description("IANA name, e.g. Asia/Seoul or Europe/Berlin").
				Value(&timezone).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					_, err := time.LoadLocation(s)
					return err
				}),
			huh.NewSelect[string]().
				Title("Default model").
				Options(
					huh.NewOption("small - fastest, cheapest", "small"),
					huh.NewOption("medium - balanced (recommended)", "medium"),
					huh.NewOption("large - most capable", "large"),
				).
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Discord owner user id").
				Description("Only this user can talk to the bot; empty allows everyone").
				Value(&ownerID),
			huh.NewConfirm().
				Title("Store the LLM API key in the OS keyring now?").
				Value(&setKey),
			huh.NewConfirm().
				Title("Store the Discord bot token now?").
				Value(&setToken),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.WorkspaceDir = workspaceDir
	cfg.Timezone = timezone
	cfg.LLM.DefaultModel = model
	cfg.Discord.OwnerID = ownerID

	// Secrets go to the keyring, never into config.yaml.
	if setKey {
		if err := promptAndStore(copilot.SecretLLMAPIKey); err != nil {
			return err
		}
	}
	if setToken {
		if err := promptAndStore(copilot.SecretChatToken); err != nil {
			return err
		}
	}

	if err := writeConfig(cfg); err != nil {
		return err
	}

	ws, err := workspace.NewStore(cfg.WorkspaceDir, newLogger(cmd, ""))
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(filepath.Join(cfg.WorkspaceDir, workspace.FileIdentity)); os.IsNotExist(statErr) {
		if err := ws.Save(workspace.FileBootstrap, onboardingPrompt); err != nil {
			return err
		}
	}

	fmt.Println("Setup complete. Run `haru chat` to meet your assistant, or `haru serve` to go live.")
	return nil
}

func promptAndStore(slot string) error {
	value, err := copilot.ReadPassword(fmt.Sprintf("%s: ", slot))
	if err != nil {
		return err
	}
	if value == "" {
		fmt.Printf("Skipped %s.\n", slot)
		return nil
	}
	if !copilot.KeyringAvailable() {
		return fmt.Errorf("OS keyring unavailable; export %s instead", envFallbackHint(slot))
	}
	return copilot.StoreSecret(slot, value)
}

func writeConfig(cfg *copilot.Config) error {
	path := copilot.DefaultConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
