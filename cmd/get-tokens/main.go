// Command get-tokens obtains a Twitch user token for the bot through the
// device authorization flow and writes it into the bot's env file.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/intermission-bot/config"
	"github.com/onnwee/intermission-bot/twitchapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

type options struct {
	envFile         string
	authBaseURL     string
	noBrowserPrompt bool
	timeout         time.Duration
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "get-tokens",
		Short:        "Obtain a Twitch user token via the device flow and save it to the env file",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGetTokens(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.envFile, "env-file", config.DefaultPath, "env file to read and update")
	cmd.Flags().BoolVar(&opts.noBrowserPrompt, "no-browser-prompt", false, "start polling right away instead of waiting for Enter")
	cmd.Flags().StringVar(&opts.authBaseURL, "auth-base-url", twitchapi.DefaultAuthBaseURL, "Twitch OAuth base URL")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request HTTP timeout")
	_ = cmd.Flags().MarkHidden("auth-base-url")
	return cmd
}

func runGetTokens(cmd *cobra.Command, opts options) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	env, err := readEnv(opts.envFile)
	if err != nil {
		return err
	}
	clientID := strings.TrimSpace(env["TWITCH_CLIENT_ID"])
	if clientID == "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "❌ Missing TWITCH_CLIENT_ID in %s\n", opts.envFile)
		return errors.New("TWITCH_CLIENT_ID is required")
	}

	hc := &http.Client{Timeout: opts.timeout}
	flow := &twitchapi.DeviceFlow{BaseURL: opts.authBaseURL, ClientID: clientID, Scopes: twitchapi.ChatScopes, HTTPClient: hc}
	dc, err := flow.RequestCode(ctx)
	if err != nil {
		return fmt.Errorf("request device code: %w", err)
	}

	fmt.Fprintln(out, "==== Twitch Device Authorization ====")
	fmt.Fprintf(out, "Go to %s and enter code: %s\n", dc.VerificationURI, dc.UserCode)
	if !opts.noBrowserPrompt {
		fmt.Fprint(out, "Press Enter here AFTER you authorize the app in the browser... ")
		_, _ = bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	}
	fmt.Fprintln(out, "Polling Twitch for tokens…")

	tok, err := flow.Poll(ctx, dc)
	if err != nil {
		return fmt.Errorf("device authorization: %w", err)
	}
	env["TWITCH_ACCESS_TOKEN"] = tok.AccessToken
	env["TWITCH_REFRESH_TOKEN"] = tok.RefreshToken

	fmt.Fprintln(out, "✅ Success! Tokens received.")
	fmt.Fprintf(out, "Access Token:  %s\n", mask(tok.AccessToken))
	if tok.RefreshToken != "" {
		fmt.Fprintf(out, "Refresh Token: %s\n", mask(tok.RefreshToken))
	}

	if info, err := twitchapi.ValidateToken(ctx, hc, opts.authBaseURL, tok.AccessToken); err != nil {
		fmt.Fprintf(out, "⚠️ Could not validate the new token: %v\n", err)
	} else {
		if env["TWITCH_BOT_ID"] == "" {
			env["TWITCH_BOT_ID"] = info.UserID
		}
		if env["TWITCH_BOT_USERNAME"] == "" {
			env["TWITCH_BOT_USERNAME"] = info.Login
		}
		fmt.Fprintf(out, "Authorized as %s (%s)\n", info.Login, info.UserID)
	}

	backup, err := writeEnv(opts.envFile, env)
	if err != nil {
		return err
	}
	if backup != "" {
		fmt.Fprintf(out, "📦 Backed up existing env to %s\n", backup)
	}
	fmt.Fprintf(out, "✅ Updated %s\n", opts.envFile)
	return nil
}

// mask shows the first few characters of a secret.
func mask(s string) string {
	const keep = 6
	if len(s) <= keep {
		return strings.Repeat("*", len(s))
	}
	return s[:keep] + "…"
}

func readEnv(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		env = map[string]string{}
	} else if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	for _, kv := range knownKeys {
		if _, ok := env[kv.key]; !ok {
			env[kv.key] = kv.def
		}
	}
	return env, nil
}
