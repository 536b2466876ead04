package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/haru/pkg/haru/copilot"
)

// newSecretsCmd creates `haru secrets` for keyring slot management.
// Values are read with echo off and never touch workspace files.
func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage credentials in the OS keyring",
		Long: `Store and inspect the assistant's credentials. Slots: ` +
			strings.Join(copilot.SecretSlots, ", ") + `.

Examples:
  haru secrets set llm-api-key
  haru secrets list
  haru secrets rm search-api-key`,
	}
	cmd.AddCommand(newSecretsSetCmd(), newSecretsListCmd(), newSecretsRmCmd())
	return cmd
}

func newSecretsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <slot>",
		Short: "Store a secret (prompted, echo off)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot := args[0]
			if !copilot.KeyringAvailable() {
				return fmt.Errorf("OS keyring unavailable; export %s instead", envFallbackHint(slot))
			}
			value, err := copilot.ReadPassword(fmt.Sprintf("Value for %s: ", slot))
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty value")
			}
			if err := copilot.StoreSecret(slot, value); err != nil {
				return err
			}
			fmt.Printf("Stored %s in the OS keyring.\n", slot)
			return nil
		},
	}
}

func newSecretsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show which slots are set (values are never printed)",
		RunE: func(_ *cobra.Command, _ []string) error {
			for _, slot := range copilot.SecretSlots {
				state := "unset"
				if copilot.ResolveSecret(slot) != "" {
					state = "set"
				}
				fmt.Printf("%-18s %s\n", slot, state)
			}
			return nil
		},
	}
}

func newSecretsRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <slot>",
		Short: "Delete a secret from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := copilot.DeleteSecret(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s.\n", args[0])
			return nil
		},
	}
}

func envFallbackHint(slot string) string {
	return "HARU_" + strings.ToUpper(strings.ReplaceAll(slot, "-", "_"))
}
