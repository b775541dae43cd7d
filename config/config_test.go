package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every key Load reads so host settings do not leak into tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TWITCH_CLIENT_ID", "TWITCH_CLIENT_SECRET", "TWITCH_ACCESS_TOKEN", "TWITCH_REFRESH_TOKEN",
		"TWITCH_BOT_ID", "TWITCH_BOT_USERNAME", "INITIAL_CHANNELS", "PREFIX", "LOG_DIRECTORY",
		"COMMAND_COOLDOWNS", "COOLDOWN_SCOPE", "SUPPRESS_WHEN_LIVE", "KEEPALIVE_TIMEOUT",
		"SEND_TRANSPORT", "LOG_TIMEZONE", "OPENAI_TEMPERATURE", "HTTP_ADDR",
		"RECONNECT_BACKOFF_MIN", "RECONNECT_BACKOFF_MAX", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !reflect.DeepEqual(cfg.Channels, []string{DefaultChannel}) {
		t.Errorf("Channels = %v, want [%s]", cfg.Channels, DefaultChannel)
	}
	if !reflect.DeepEqual(cfg.Prefixes, []string{"$"}) {
		t.Errorf("Prefixes = %v, want [$]", cfg.Prefixes)
	}
	if cfg.LogDirectory != "logs" {
		t.Errorf("LogDirectory = %q, want logs", cfg.LogDirectory)
	}
	if cfg.OpenAIChatModel != "gpt-4o-mini" || cfg.OpenAITemperature != 1.2 {
		t.Errorf("unexpected openai defaults: %s %v", cfg.OpenAIChatModel, cfg.OpenAITemperature)
	}
	if cfg.CooldownScope != "channel" || !cfg.SuppressWhenLive {
		t.Errorf("unexpected command defaults: scope=%s suppress=%v", cfg.CooldownScope, cfg.SuppressWhenLive)
	}
	if cfg.ReconnectBackoffMin != time.Second || cfg.ReconnectBackoffMax != 2*time.Minute {
		t.Errorf("unexpected backoff defaults: %v..%v", cfg.ReconnectBackoffMin, cfg.ReconnectBackoffMax)
	}
	if !cfg.HTTPEnabled() {
		t.Error("HTTP server should be enabled by default")
	}
}

func TestLoadStripsOAuthPrefixAndChannelHashes(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWITCH_ACCESS_TOKEN", "oauth:abc123")
	t.Setenv("INITIAL_CHANNELS", "#RiotGames; streamer678 ,, #Other")
	t.Setenv("PREFIX", "$,!")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.TwitchAccessToken != "abc123" {
		t.Errorf("TwitchAccessToken = %q, want abc123", cfg.TwitchAccessToken)
	}
	want := []string{"riotgames", "streamer678", "other"}
	if !reflect.DeepEqual(cfg.Channels, want) {
		t.Errorf("Channels = %v, want %v", cfg.Channels, want)
	}
	if !reflect.DeepEqual(cfg.Prefixes, []string{"$", "!"}) {
		t.Errorf("Prefixes = %v", cfg.Prefixes)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	cfg, _ := Load("")
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error when credentials missing")
	}
	for _, key := range []string{"TWITCH_CLIENT_ID", "TWITCH_ACCESS_TOKEN", "TWITCH_BOT_ID"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}

	t.Setenv("TWITCH_CLIENT_ID", "cid")
	t.Setenv("TWITCH_ACCESS_TOKEN", "tok")
	t.Setenv("TWITCH_BOT_ID", "42")
	cfg, _ = Load("")
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	t.Setenv("SEND_TRANSPORT", "irc")
	cfg, _ = Load("")
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "TWITCH_BOT_USERNAME") {
		t.Errorf("irc transport without username should fail, got %v", err)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"COMMAND_COOLDOWNS", "joke"},
		{"COMMAND_COOLDOWNS", "joke=soon"},
		{"COOLDOWN_SCOPE", "user"},
		{"KEEPALIVE_TIMEOUT", "5s"},
		{"SUPPRESS_WHEN_LIVE", "maybe"},
		{"SEND_TRANSPORT", "carrier-pigeon"},
		{"OPENAI_TEMPERATURE", "hot"},
		{"LOG_TIMEZONE", "Mars/Olympus_Mons"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(""); err == nil {
				t.Errorf("Load() with %s=%q: expected error", tt.key, tt.value)
			} else if !strings.Contains(err.Error(), tt.key) && !strings.Contains(err.Error(), "cooldown") {
				t.Errorf("error %q does not mention %s", err, tt.key)
			}
		})
	}
}

func TestParseCooldowns(t *testing.T) {
	got, err := ParseCooldowns("Joke=30s; image=2m")
	if err != nil {
		t.Fatalf("ParseCooldowns error: %v", err)
	}
	want := map[string]time.Duration{"joke": 30 * time.Second, "image": 2 * time.Minute}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseCooldowns = %v, want %v", got, want)
	}

	empty, err := ParseCooldowns("")
	if err != nil || len(empty) != 0 {
		t.Errorf("ParseCooldowns(\"\") = %v, %v", empty, err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "appSettings.env")
	content := "TWITCH_CLIENT_ID=file-cid\nTWITCH_ACCESS_TOKEN=oauth:file-token\nTWITCH_BOT_ID=7\nINITIAL_CHANNELS=#fromfile\nLOG_LEVEL=DEBUG\nLOG_FORMAT=json\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	// Exported values win over the file.
	t.Setenv("TWITCH_BOT_ID", "99")
	// godotenv.Load only fills unset keys; clearEnv set them to "" so unset the ones the file provides.
	for _, k := range []string{"TWITCH_CLIENT_ID", "TWITCH_ACCESS_TOKEN", "INITIAL_CHANNELS", "LOG_LEVEL", "LOG_FORMAT"} {
		if err := os.Unsetenv(k); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() {
		for _, k := range []string{"TWITCH_CLIENT_ID", "TWITCH_ACCESS_TOKEN", "INITIAL_CHANNELS", "LOG_LEVEL", "LOG_FORMAT"} {
			_ = os.Unsetenv(k)
		}
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%s) error: %v", path, err)
	}
	if cfg.TwitchClientID != "file-cid" || cfg.TwitchAccessToken != "file-token" {
		t.Errorf("file values not loaded: %+v", cfg)
	}
	if cfg.TwitchBotID != "99" {
		t.Errorf("TwitchBotID = %q, want exported 99", cfg.TwitchBotID)
	}
	if !reflect.DeepEqual(cfg.Channels, []string{"fromfile"}) {
		t.Errorf("Channels = %v", cfg.Channels)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("logging from file = %q/%q, want debug/json", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bot.yaml")
	content := "initial_channels:\n  - alpha\n  - \"#beta\"\ncommand_cooldowns:\n  joke: 45s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"INITIAL_CHANNELS", "COMMAND_COOLDOWNS"} {
		if err := os.Unsetenv(k); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() {
		_ = os.Unsetenv("INITIAL_CHANNELS")
		_ = os.Unsetenv("COMMAND_COOLDOWNS")
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%s) error: %v", path, err)
	}
	if !reflect.DeepEqual(cfg.Channels, []string{"alpha", "beta"}) {
		t.Errorf("Channels = %v", cfg.Channels)
	}
	if cfg.CommandCooldowns["joke"] != 45*time.Second {
		t.Errorf("joke cooldown = %v, want 45s", cfg.CommandCooldowns["joke"])
	}
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Errorf("missing config file should only warn, got %v", err)
	}
}
