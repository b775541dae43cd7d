// Package config loads environment variables (optionally seeded from a config
// file) and provides the typed Config used across the bot. Defaults let the
// binary start with only the Twitch credentials set; Validate reports what is
// missing before anything connects.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultPath is the env file read when no -config flag is given.
const DefaultPath = "resources/appSettings.env"

// DefaultChannel is joined when INITIAL_CHANNELS is empty.
const DefaultChannel = "riotgames"

type Config struct {
	// Twitch
	TwitchClientID     string
	TwitchClientSecret string
	TwitchAccessToken  string
	TwitchRefreshToken string
	TwitchBotID        string
	TwitchBotUsername  string
	Channels           []string

	// Endpoints
	EventSubURL  string
	HelixBaseURL string
	AuthBaseURL  string

	// Session
	KeepaliveTimeout     time.Duration
	ReconnectBackoffMin  time.Duration
	ReconnectBackoffMax  time.Duration
	SubscribeMaxAttempts int

	// Commands
	Prefixes              []string
	CommandCooldowns      map[string]time.Duration
	CooldownScope         string
	SuppressWhenLive      bool
	LiveCacheTTL          time.Duration
	MaxConcurrentCommands int
	ShutdownGrace         time.Duration

	// Outbound
	SendTransport  string
	SendRatePer30s int

	// Operational logging
	LogLevel  string
	LogFormat string

	// Chat logs
	LogDirectory         string
	LogLocation          *time.Location
	LogCompressAfterDays int
	LogRetentionSchedule string

	// OpenAI
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIChatModel    string
	OpenAITemperature  float64
	OpenAIImageModel   string
	OpenAIImageSize    string
	OpenAIChatTimeout  time.Duration
	OpenAIImageTimeout time.Duration

	// Ops
	HTTPAddr             string
	DBDsn                string
	TokenRefreshInterval time.Duration
	TokenRefreshWindow   time.Duration
}

// Load seeds the environment from the file at path (if any) and parses the
// resulting environment. Variables already exported win over file values.
// It does not check required credentials; call Validate for that.
func Load(path string) (*Config, error) {
	if err := loadFile(path); err != nil {
		return nil, err
	}

	var errs []error
	cfg := &Config{}

	cfg.TwitchClientID = strings.TrimSpace(os.Getenv("TWITCH_CLIENT_ID"))
	cfg.TwitchClientSecret = strings.TrimSpace(os.Getenv("TWITCH_CLIENT_SECRET"))
	cfg.TwitchAccessToken = strings.TrimPrefix(strings.TrimSpace(os.Getenv("TWITCH_ACCESS_TOKEN")), "oauth:")
	cfg.TwitchRefreshToken = strings.TrimSpace(os.Getenv("TWITCH_REFRESH_TOKEN"))
	cfg.TwitchBotID = strings.TrimSpace(os.Getenv("TWITCH_BOT_ID"))
	cfg.TwitchBotUsername = strings.ToLower(strings.TrimSpace(os.Getenv("TWITCH_BOT_USERNAME")))
	cfg.Channels = SplitList(os.Getenv("INITIAL_CHANNELS"))
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{DefaultChannel}
	}

	cfg.EventSubURL = envOr("EVENTSUB_URL", "wss://eventsub.wss.twitch.tv/ws")
	cfg.HelixBaseURL = strings.TrimRight(envOr("HELIX_BASE_URL", "https://api.twitch.tv/helix"), "/")
	cfg.AuthBaseURL = strings.TrimRight(envOr("TWITCH_AUTH_BASE_URL", "https://id.twitch.tv/oauth2"), "/")

	cfg.KeepaliveTimeout = duration("KEEPALIVE_TIMEOUT", 0, &errs)
	if cfg.KeepaliveTimeout != 0 && (cfg.KeepaliveTimeout < 10*time.Second || cfg.KeepaliveTimeout > 600*time.Second) {
		errs = append(errs, fmt.Errorf("KEEPALIVE_TIMEOUT must be between 10s and 600s, got %s", cfg.KeepaliveTimeout))
	}
	cfg.ReconnectBackoffMin = duration("RECONNECT_BACKOFF_MIN", time.Second, &errs)
	cfg.ReconnectBackoffMax = duration("RECONNECT_BACKOFF_MAX", 2*time.Minute, &errs)
	if cfg.ReconnectBackoffMax < cfg.ReconnectBackoffMin {
		cfg.ReconnectBackoffMax = cfg.ReconnectBackoffMin
	}
	cfg.SubscribeMaxAttempts = integer("SUBSCRIBE_MAX_ATTEMPTS", 3, &errs)

	// Prefixes are not lower-cased or #-stripped like channels.
	cfg.Prefixes = splitRaw(os.Getenv("PREFIX"))
	if len(cfg.Prefixes) == 0 {
		cfg.Prefixes = []string{"$"}
	}
	cooldowns, err := ParseCooldowns(os.Getenv("COMMAND_COOLDOWNS"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.CommandCooldowns = cooldowns
	cfg.CooldownScope = strings.ToLower(envOr("COOLDOWN_SCOPE", "channel"))
	if cfg.CooldownScope != "channel" && cfg.CooldownScope != "global" {
		errs = append(errs, fmt.Errorf("COOLDOWN_SCOPE must be channel or global, got %q", cfg.CooldownScope))
	}
	cfg.SuppressWhenLive = boolean("SUPPRESS_WHEN_LIVE", true, &errs)
	cfg.LiveCacheTTL = duration("LIVE_CACHE_TTL", 15*time.Second, &errs)
	cfg.MaxConcurrentCommands = integer("MAX_CONCURRENT_COMMANDS", 4, &errs)
	cfg.ShutdownGrace = duration("SHUTDOWN_GRACE", 10*time.Second, &errs)

	cfg.SendTransport = strings.ToLower(envOr("SEND_TRANSPORT", "helix"))
	if cfg.SendTransport != "helix" && cfg.SendTransport != "irc" {
		errs = append(errs, fmt.Errorf("SEND_TRANSPORT must be helix or irc, got %q", cfg.SendTransport))
	}
	cfg.SendRatePer30s = integer("SEND_RATE_PER_30S", 20, &errs)

	cfg.LogLevel = strings.ToLower(envOr("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(envOr("LOG_FORMAT", "text"))

	cfg.LogDirectory = envOr("LOG_DIRECTORY", "logs")
	cfg.LogLocation = time.Local
	if tz := os.Getenv("LOG_TIMEZONE"); tz != "" && !strings.EqualFold(tz, "local") {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid LOG_TIMEZONE: %w", err))
		} else {
			cfg.LogLocation = loc
		}
	}
	cfg.LogCompressAfterDays = integer("LOG_COMPRESS_AFTER_DAYS", 0, &errs)
	cfg.LogRetentionSchedule = envOr("LOG_RETENTION_SCHEDULE", "@daily")

	cfg.OpenAIAPIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.OpenAIBaseURL = strings.TrimRight(envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/")
	cfg.OpenAIChatModel = envOr("OPENAI_CHAT_MODEL", "gpt-4o-mini")
	cfg.OpenAITemperature = number("OPENAI_TEMPERATURE", 1.2, &errs)
	cfg.OpenAIImageModel = os.Getenv("OPENAI_IMAGE_MODEL")
	cfg.OpenAIImageSize = envOr("OPENAI_IMAGE_SIZE", "1024x1024")
	cfg.OpenAIChatTimeout = duration("OPENAI_CHAT_TIMEOUT", 30*time.Second, &errs)
	cfg.OpenAIImageTimeout = duration("OPENAI_IMAGE_TIMEOUT", 60*time.Second, &errs)

	cfg.HTTPAddr = envOr("HTTP_ADDR", ":8080")
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.TokenRefreshInterval = duration("TOKEN_REFRESH_INTERVAL", 5*time.Minute, &errs)
	cfg.TokenRefreshWindow = duration("TOKEN_REFRESH_WINDOW", 15*time.Minute, &errs)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks the credentials required to connect and chat.
func (c *Config) Validate() error {
	var missing []string
	if c.TwitchClientID == "" {
		missing = append(missing, "TWITCH_CLIENT_ID")
	}
	if c.TwitchAccessToken == "" {
		missing = append(missing, "TWITCH_ACCESS_TOKEN")
	}
	if c.TwitchBotID == "" {
		missing = append(missing, "TWITCH_BOT_ID")
	}
	if c.SendTransport == "irc" && c.TwitchBotUsername == "" {
		missing = append(missing, "TWITCH_BOT_USERNAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// HTTPEnabled reports whether the health/metrics server should run.
func (c *Config) HTTPEnabled() bool {
	return c.HTTPAddr != "" && !strings.EqualFold(c.HTTPAddr, "off")
}

// loadFile exports the config file's values into the environment.
func loadFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			slog.Warn("config file not found; using shell env only", slog.String("path", path))
			return nil
		}
		return fmt.Errorf("stat config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".toml", ".json":
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		for key, val := range v.AllSettings() {
			name := strings.ToUpper(key)
			if _, set := os.LookupEnv(name); set {
				continue
			}
			if err := os.Setenv(name, stringValue(val)); err != nil {
				return fmt.Errorf("export %s: %w", name, err)
			}
		}
	default:
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
	}
	return nil
}

// stringValue flattens list values (e.g. YAML sequences) into comma lists.
func stringValue(v any) string {
	switch t := v.(type) {
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(t, ",")
	case map[string]any:
		parts := make([]string, 0, len(t))
		for k, p := range t {
			parts = append(parts, k+"="+fmt.Sprint(p))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}

// SplitList splits a comma/semicolon separated channel list, stripping a
// leading '#' and lower-casing each entry.
func SplitList(s string) []string {
	raw := splitRaw(s)
	out := raw[:0]
	for _, item := range raw {
		item = strings.ToLower(strings.TrimPrefix(item, "#"))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func splitRaw(s string) []string {
	s = strings.ReplaceAll(s, ";", ",")
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ParseCooldowns parses "joke=30s,image=2m" into per-command overrides.
func ParseCooldowns(s string) (map[string]time.Duration, error) {
	out := map[string]time.Duration{}
	for _, item := range splitRaw(s) {
		name, val, ok := strings.Cut(item, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid COMMAND_COOLDOWNS entry %q (want name=duration)", item)
		}
		d, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid cooldown for %s: %q", name, val)
		}
		out[name] = d
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s (duration): %q", key, v))
		return fallback
	}
	return d
}

func integer(key string, fallback int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s (non-negative integer): %q", key, v))
		return fallback
	}
	return n
}

func number(key string, fallback float64, errs *[]error) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s (number): %q", key, v))
		return fallback
	}
	return f
}

func boolean(key string, fallback bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s (bool): %q", key, v))
		return fallback
	}
	return b
}
