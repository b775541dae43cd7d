package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/device":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "client-abc", r.PostForm.Get("client_id"))
			assert.Equal(t, "chat:read chat:edit user:read:chat user:write:chat", r.PostForm.Get("scopes"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"device_code": "dev-1", "user_code": "ABCD-EFGH",
				"verification_uri": "https://www.twitch.tv/activate", "expires_in": 60, "interval": 1,
			})
		case "/token":
			polls.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "access-1234567890", "refresh_token": "refresh-1234567890",
				"expires_in": 14000, "scope": []string{"user:read:chat"}, "token_type": "bearer",
			})
		case "/validate":
			_ = json.NewEncoder(w).Encode(map[string]any{"login": "mybot", "user_id": "777", "scopes": []string{"user:read:chat"}, "expires_in": 14000})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

func executeCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestGetTokensWritesEnvFile(t *testing.T) {
	srv, polls := newAuthServer(t)
	path := filepath.Join(t.TempDir(), "resources", "appSettings.env")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	original := "TWITCH_CLIENT_ID=client-abc\nCUSTOM_SETTING=keep me\nPREFIX=!\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o600))

	stdout, _, err := executeCLI(t, "\n", "--env-file", path, "--auth-base-url", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), polls.Load())
	assert.Contains(t, stdout, "enter code: ABCD-EFGH")
	assert.Contains(t, stdout, "Press Enter")
	assert.Contains(t, stdout, "Access Token:  access…")
	assert.NotContains(t, stdout, "access-1234567890")
	assert.NotContains(t, stdout, "refresh-1234567890")
	assert.Contains(t, stdout, "Authorized as mybot (777)")

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, original, string(backup))

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "access-1234567890", env["TWITCH_ACCESS_TOKEN"])
	assert.Equal(t, "refresh-1234567890", env["TWITCH_REFRESH_TOKEN"])
	assert.Equal(t, "777", env["TWITCH_BOT_ID"])
	assert.Equal(t, "mybot", env["TWITCH_BOT_USERNAME"])
	assert.Equal(t, "!", env["PREFIX"])
	assert.Equal(t, "keep me", env["CUSTOM_SETTING"])
	assert.Equal(t, "riotgames", env["INITIAL_CHANNELS"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, len(knownKeys)+1)
	assert.True(t, strings.HasPrefix(lines[0], "OPENAI_API_KEY="))
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "CUSTOM_SETTING="))
}

func TestGetTokensNoBrowserPromptSkipsWait(t *testing.T) {
	srv, _ := newAuthServer(t)
	path := filepath.Join(t.TempDir(), "app.env")
	require.NoError(t, os.WriteFile(path, []byte("TWITCH_CLIENT_ID=client-abc\nTWITCH_BOT_ID=123\n"), 0o600))

	stdout, _, err := executeCLI(t, "", "--env-file", path, "--auth-base-url", srv.URL, "--no-browser-prompt")
	require.NoError(t, err)
	assert.NotContains(t, stdout, "Press Enter")

	env, err := godotenv.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "123", env["TWITCH_BOT_ID"], "an existing bot id is kept")
}

func TestGetTokensRequiresClientID(t *testing.T) {
	srv, polls := newAuthServer(t)
	path := filepath.Join(t.TempDir(), "missing.env")

	_, stderr, err := executeCLI(t, "", "--env-file", path, "--auth-base-url", srv.URL, "--no-browser-prompt")
	require.Error(t, err)
	assert.Contains(t, stderr, "Missing TWITCH_CLIENT_ID")
	assert.Zero(t, polls.Load())
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "env file must not be created on failure")
}

func TestFormatEnvRoundTrips(t *testing.T) {
	env := map[string]string{
		"PREFIX":           "$",
		"INITIAL_CHANNELS": "a,b",
		"LOG_DIRECTORY":    `C:\twitch logs`,
		"ZED":              "last",
		"ALPHA":            "first extra",
	}
	content, err := formatEnv(env)
	require.NoError(t, err)

	parsed, err := godotenv.Unmarshal(content)
	require.NoError(t, err)
	for k, v := range env {
		assert.Equal(t, v, parsed[k], k)
	}
	lines := strings.Split(strings.TrimSpace(content), "\n")
	assert.True(t, strings.HasPrefix(lines[len(lines)-2], "ALPHA="))
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "ZED="))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "***", mask("abc"))
	assert.Equal(t, "abcdef…", mask("abcdefghij"))
}
