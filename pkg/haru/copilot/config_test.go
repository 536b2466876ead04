package copilot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(""))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.LLM.DefaultModel != "medium" || cfg.LLM.Fallback != "small" {
		t.Fatalf("llm defaults = %+v", cfg.LLM)
	}
	if cfg.Limits.MessagesPerMinute != 10 {
		t.Fatalf("rate limit default = %d", cfg.Limits.MessagesPerMinute)
	}
	if cfg.Heartbeat.Interval != 30*time.Minute {
		t.Fatalf("heartbeat interval default = %v", cfg.Heartbeat.Interval)
	}
	if !cfg.Memory.Enabled {
		t.Fatal("memory should default to enabled")
	}
}

func TestParseConfigOverridesAndValidation(t *testing.T) {
	yaml := `
timezone: Asia/Seoul
llm:
  default_model: large
  models:
    large:
      id: claude-opus-4-1
      context_window: 200000
      supports_thinking: true
limits:
  messages_per_minute: 3
`
	cfg, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.LLM.DefaultModel != "large" {
		t.Fatalf("default_model = %q", cfg.LLM.DefaultModel)
	}
	if spec := cfg.LLM.Models["large"]; spec.ContextWindow != 200000 || !spec.SupportsThinking {
		t.Fatalf("model spec = %+v", spec)
	}
	if cfg.Location().String() != "Asia/Seoul" {
		t.Fatalf("location = %s", cfg.Location())
	}

	if _, err := ParseConfig([]byte("llm:\n  default_model: enormous\n")); err == nil {
		t.Fatal("bad model alias accepted")
	}
	if _, err := ParseConfig([]byte("timezone: Mars/Olympus\n")); err == nil {
		t.Fatal("bad timezone accepted")
	}
}

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LLM.DefaultModel != "medium" {
		t.Fatalf("defaults not applied: %+v", cfg.LLM)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("HARU_TEST_CITY", "Seoul")
	os.Unsetenv("HARU_TEST_UNSET")

	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"simple", "city: ${HARU_TEST_CITY}", "city: Seoul", false},
		{"default used", "city: ${HARU_TEST_UNSET:-Busan}", "city: Busan", false},
		{"default ignored when set", "city: ${HARU_TEST_CITY:-Busan}", "city: Seoul", false},
		{"required missing", "key: ${HARU_TEST_UNSET:?must be set}", "", true},
		{"no reference", "plain: text", "plain: text", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := expandEnvVars(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %t", err, tc.wantErr)
			}
			if !tc.wantErr && got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("HARU_TEST_TZ", "Asia/Seoul")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("timezone: ${HARU_TEST_TZ}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Timezone != "Asia/Seoul" {
		t.Fatalf("timezone = %q", cfg.Timezone)
	}
}

func TestIsEnvReference(t *testing.T) {
	if !IsEnvReference("${HARU_KEY}") {
		t.Fatal("unexpanded reference not detected")
	}
	if IsEnvReference("sk-real-value") {
		t.Fatal("plain value flagged as reference")
	}
}

func TestEnvNameFor(t *testing.T) {
	if got := envNameFor(SecretLLMAPIKey); got != "HARU_LLM_API_KEY" {
		t.Fatalf("envNameFor = %q", got)
	}
	if got := envNameFor(SecretSearchAPIKey); got != "HARU_SEARCH_API_KEY" {
		t.Fatalf("envNameFor = %q", got)
	}
}

func TestResolveSecretEnvFallback(t *testing.T) {
	// The keyring is unavailable in test environments, so resolution
	// falls through to the environment.
	t.Setenv("HARU_WEATHER_API_KEY", "wk-123")
	if got := ResolveSecret(SecretWeatherAPIKey); got == "" {
		t.Fatalf("ResolveSecret returned empty despite env fallback")
	}

	if _, err := RequireSecret(SecretSearchAPIKey); err != nil {
		if !strings.Contains(err.Error(), "HARU_SEARCH_API_KEY") {
			t.Fatalf("error should name the env fallback: %v", err)
		}
	}
}

func TestStoreSecretRejectsUnknownSlot(t *testing.T) {
	if err := StoreSecret("totally-made-up", "v"); err == nil {
		t.Fatal("unknown slot accepted")
	}
}
