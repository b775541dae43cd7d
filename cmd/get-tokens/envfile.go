package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// knownKeys are written first, in this order, with defaults for values the
// file does not have yet.
var knownKeys = []struct{ key, def string }{
	{"OPENAI_API_KEY", ""},
	{"TWITCH_ACCESS_TOKEN", ""},
	{"TWITCH_REFRESH_TOKEN", ""},
	{"TWITCH_CLIENT_ID", ""},
	{"TWITCH_CLIENT_SECRET", ""},
	{"TWITCH_BOT_ID", ""},
	{"TWITCH_BOT_USERNAME", ""},
	{"PREFIX", "$"},
	{"INITIAL_CHANNELS", "riotgames"},
	{"LOG_DIRECTORY", "logs"},
}

// formatEnv renders env with known keys first and the rest sorted.
func formatEnv(env map[string]string) (string, error) {
	var b strings.Builder
	seen := make(map[string]bool, len(knownKeys))
	line := func(k string) error {
		s, err := godotenv.Marshal(map[string]string{k: env[k]})
		if err != nil {
			return err
		}
		b.WriteString(s)
		b.WriteByte('\n')
		return nil
	}
	for _, kv := range knownKeys {
		seen[kv.key] = true
		if err := line(kv.key); err != nil {
			return "", err
		}
	}
	rest := make([]string, 0, len(env))
	for k := range env {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		if err := line(k); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

// writeEnv replaces path with env, first copying an existing file to
// <path>.bak. It returns the backup path, or "" when there was nothing to
// back up.
func writeEnv(path string, env map[string]string) (string, error) {
	content, err := formatEnv(env)
	if err != nil {
		return "", fmt.Errorf("format env: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}

	var backup string
	if old, err := os.ReadFile(path); err == nil {
		backup = path + ".bak"
		if err := os.WriteFile(backup, old, 0o600); err != nil {
			return "", fmt.Errorf("backup %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return backup, nil
}
