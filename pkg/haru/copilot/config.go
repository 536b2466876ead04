// config.go loads the assistant configuration from YAML, with .env
// loading and ${VAR} environment expansion before parsing. Secrets are
// never read from the YAML itself: they resolve through the keyring and
// environment (see vault.go).
package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/haru/pkg/haru/channels/discord"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}           - simple variable
//   - ${VAR_NAME:-default}  - default value if not set
//   - ${VAR_NAME:?error}    - error message if not set
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// Config is the full runtime configuration.
type Config struct {
	// WorkspaceDir holds the markdown workspace, memory index, schedules
	// and session logs. Defaults to ~/.haru.
	WorkspaceDir string `yaml:"workspace_dir"`
	Timezone     string `yaml:"timezone"`
	LogLevel     string `yaml:"log_level"`

	LLM       LLMConfig       `yaml:"llm"`
	Discord   discord.Config  `yaml:"discord"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Memory    MemoryConfig    `yaml:"memory"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// LLMConfig selects the model roster and endpoint.
type LLMConfig struct {
	BaseURL      string               `yaml:"base_url"`
	DefaultModel string               `yaml:"default_model"` // alias: small|medium|large
	Fallback     string               `yaml:"fallback"`
	Models       map[string]ModelSpec `yaml:"models"`
}

// MemoryConfig controls the embedding pipeline behind hybrid retrieval.
type MemoryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	EmbeddingURL   string `yaml:"embedding_url"`
	EmbeddingModel string `yaml:"embedding_model"`
	Dimensions     int    `yaml:"dimensions"`
}

// SandboxConfig extends the command whitelist.
type SandboxConfig struct {
	ExtraBins []string `yaml:"extra_bins"`
}

// LimitsConfig bounds inbound message rates.
type LimitsConfig struct {
	// MessagesPerMinute caps messages accepted per chat per minute.
	MessagesPerMinute int `yaml:"messages_per_minute"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		WorkspaceDir: filepath.Join(home, ".haru"),
		LogLevel:     "info",
		LLM: LLMConfig{
			DefaultModel: "medium",
			Fallback:     "small",
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Minute,
		},
		Memory: MemoryConfig{
			Enabled:    true,
			Dimensions: 256,
		},
		Limits: LimitsConfig{
			MessagesPerMinute: 10,
		},
	}
}

// DefaultConfigPath is ~/.haru/config.yaml.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".haru", "config.yaml")
}

// LoadConfig reads and parses a YAML configuration file. .env files are
// loaded first (never overwriting already-set variables) and ${VAR}
// references in the YAML are expanded before parsing. A missing file
// yields the defaults.
func LoadConfig(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loadEnvFiles(logger)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	checkFilePermissions(path, logger)
	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, starting from defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	if c.LLM.DefaultModel != "" {
		switch c.LLM.DefaultModel {
		case "small", "medium", "large":
		default:
			return fmt.Errorf("llm.default_model must be small, medium or large, got %q", c.LLM.DefaultModel)
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	if c.Limits.MessagesPerMinute < 0 {
		return fmt.Errorf("limits.messages_per_minute must be >= 0")
	}
	return nil
}

// Location resolves the configured timezone, defaulting to the host's.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// loadEnvFiles loads .env from the working directory and ~/.haru/.env.
// godotenv never overwrites variables already set in the environment.
func loadEnvFiles(logger *slog.Logger) {
	candidates := []string{".env"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".haru", ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			logger.Warn("failed to load env file", "path", path, "error", err)
			continue
		}
		logger.Debug("loaded env file", "path", path)
	}
}

// expandEnvVars substitutes ${VAR}, ${VAR:-default} and ${VAR:?error}
// references. A ${VAR:?error} pattern with the variable unset fails the
// load.
func expandEnvVars(content string) (string, error) {
	var firstErr error
	expanded := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, modifier, arg := groups[1], groups[2], groups[3]

		val, set := os.LookupEnv(name)
		switch {
		case set && val != "":
			return val
		case modifier == "-":
			return arg
		case modifier == "?":
			msg := arg
			if msg == "" {
				msg = "required but not set"
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("environment variable %s: %s", name, msg)
			}
			return ""
		default:
			return ""
		}
	})
	return expanded, firstErr
}

// IsEnvReference reports whether a value is an unexpanded ${VAR} pattern.
func IsEnvReference(value string) bool {
	return strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}")
}

// checkFilePermissions warns when the config file is world-readable.
func checkFilePermissions(path string, logger *slog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o044 != 0 {
		logger.Warn("config file is readable by other users",
			"path", path, "mode", fmt.Sprintf("%04o", perm),
			"hint", "chmod 600 "+path)
	}
}
