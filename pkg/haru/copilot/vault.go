// vault.go stores credentials in the operating system's native keyring
// (Linux: Secret Service/GNOME Keyring, macOS: Keychain, Windows:
// Credential Manager). Secrets never land in workspace files.
//
// Priority for resolving a secret:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (HARU_LLM_API_KEY, etc.)
//  3. .env file (loaded by godotenv before config parsing)
package copilot

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "haru"

// Secret slots. Every credential the assistant uses lives under one of
// these names.
const (
	SecretLLMAPIKey     = "llm-api-key"
	SecretChatToken     = "chat-token"
	SecretWeatherAPIKey = "weather-api-key"
	SecretSearchAPIKey  = "search-api-key"
)

// SecretSlots lists the known slot names, in display order.
var SecretSlots = []string{
	SecretLLMAPIKey,
	SecretChatToken,
	SecretWeatherAPIKey,
	SecretSearchAPIKey,
}

// envNameFor maps a slot to its environment variable fallback, e.g.
// llm-api-key -> HARU_LLM_API_KEY.
func envNameFor(slot string) string {
	return "HARU_" + strings.ToUpper(strings.ReplaceAll(slot, "-", "_"))
}

// StoreSecret saves a secret to the OS keyring.
func StoreSecret(slot, value string) error {
	if !validSlot(slot) {
		return fmt.Errorf("unknown secret slot %q", slot)
	}
	return keyring.Set(keyringService, slot, value)
}

// GetSecret retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetSecret(slot string) string {
	val, err := keyring.Get(keyringService, slot)
	if err != nil {
		return ""
	}
	return val
}

// DeleteSecret removes a secret from the OS keyring.
func DeleteSecret(slot string) error {
	return keyring.Delete(keyringService, slot)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	// Try a write+delete cycle with a test key.
	testKey := "__haru_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecret resolves a slot using the priority chain: keyring first,
// then the environment (which godotenv has already populated from .env).
func ResolveSecret(slot string) string {
	if val := GetSecret(slot); val != "" {
		return val
	}
	return os.Getenv(envNameFor(slot))
}

// RequireSecret resolves a slot and errors when it is absent everywhere.
func RequireSecret(slot string) (string, error) {
	val := ResolveSecret(slot)
	if val == "" {
		return "", fmt.Errorf("secret %s not found: set it with `haru secrets set %s` or export %s", slot, slot, envNameFor(slot))
	}
	return val, nil
}

func validSlot(slot string) bool {
	for _, s := range SecretSlots {
		if s == slot {
			return true
		}
	}
	return false
}

// ReadPassword prompts for a secret without echoing it. Falls back to a
// plain read when stdin is not a terminal.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		var line string
		_, err := fmt.Fscanln(os.Stdin, &line)
		return strings.TrimSpace(line), err
	}
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
