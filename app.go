package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/oauth2"

	"github.com/onnwee/intermission-bot/chat"
	"github.com/onnwee/intermission-bot/chatlog"
	"github.com/onnwee/intermission-bot/commands"
	"github.com/onnwee/intermission-bot/config"
	"github.com/onnwee/intermission-bot/db"
	"github.com/onnwee/intermission-bot/eventsub"
	"github.com/onnwee/intermission-bot/generator"
	"github.com/onnwee/intermission-bot/oauth"
	"github.com/onnwee/intermission-bot/server"
	"github.com/onnwee/intermission-bot/twitchapi"
)

// errStartup marks failures before the bot reached its main loop.
var errStartup = errors.New("startup")

func startupErr(format string, args ...any) error {
	return fmt.Errorf("%w: %w", errStartup, fmt.Errorf(format, args...))
}

// requiredScopes are the user-token scopes chat reading and sending need.
var requiredScopes = []string{"user:read:chat", "user:write:chat"}

// run wires every component and blocks until ctx is cancelled or the
// session closes for good.
func run(ctx context.Context, cfg *config.Config) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	httpClient := &http.Client{Timeout: 15 * time.Second}

	var database *sql.DB
	if cfg.DBDsn != "" {
		d, err := openDatabase(runCtx, cfg.DBDsn)
		if err != nil {
			return startupErr("database: %w", err)
		}
		defer func() {
			if err := d.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		database = d
	}

	holder := twitchapi.NewUserToken(cfg.TwitchAccessToken, cfg.TwitchRefreshToken, time.Time{})
	store, err := tokenStore(runCtx, cfg, database, holder)
	if err != nil {
		return startupErr("token store: %w", err)
	}
	refresh := refreshFunc(cfg, httpClient)
	info, err := authenticate(runCtx, cfg, httpClient, holder, store, refresh)
	if err != nil {
		return startupErr("twitch token: %w", err)
	}
	slog.Info("twitch token valid", slog.String("login", info.Login), slog.String("user_id", info.UserID), slog.Int("expires_in", info.ExpiresIn))
	oauth.StartRefresher(runCtx, store, holder, cfg.TokenRefreshInterval, cfg.TokenRefreshWindow, refresh)

	helix := &twitchapi.HelixClient{
		BaseURL:      cfg.HelixBaseURL,
		ClientID:     cfg.TwitchClientID,
		Tokens:       holder,
		HTTPClient:   httpClient,
		LiveCacheTTL: cfg.LiveCacheTTL,
	}
	channels, err := resolveChannels(runCtx, helix, cfg.Channels)
	if err != nil {
		return startupErr("channels: %w", err)
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		return startupErr("commands: %w", err)
	}

	logs := chatlog.NewWriter(cfg.LogDirectory, cfg.LogLocation)
	if database != nil {
		logs.WithArchive(&db.ChatArchive{DB: database})
	}
	if cfg.LogCompressAfterDays > 0 {
		compactor, err := chatlog.NewCompactor(cfg.LogDirectory, cfg.LogCompressAfterDays, cfg.LogRetentionSchedule, cfg.LogLocation)
		if err != nil {
			return startupErr("log compaction: %w", err)
		}
		compactor.WithWriter(logs)
		if err := compactor.Start(runCtx); err != nil {
			return startupErr("log compaction: %w", err)
		}
	}

	// replies in flight may still be sent during the shutdown grace period
	sendCtx, cancelSend := context.WithCancel(context.WithoutCancel(runCtx))
	defer cancelSend()
	sender := buildSender(sendCtx, cfg, helix, holder, info.UserID, channels)

	bridge := chat.NewBridge(chat.BridgeConfig{
		MaxConcurrent:    cfg.MaxConcurrentCommands,
		SuppressWhenLive: cfg.SuppressWhenLive,
	}, logs, reg, sender, helix)

	session := eventsub.NewSession(eventsub.SessionConfig{
		URL:               cfg.EventSubURL,
		BotUserID:         info.UserID,
		KeepaliveTimeout:  cfg.KeepaliveTimeout,
		BackoffMin:        cfg.ReconnectBackoffMin,
		BackoffMax:        cfg.ReconnectBackoffMax,
		SubscribeAttempts: cfg.SubscribeMaxAttempts,
	}, helix, bridge)
	var readyOnce sync.Once
	session.OnStateChange(func(st eventsub.State) {
		if st == eventsub.Active {
			readyOnce.Do(func() { notifySystemd(daemon.SdNotifyReady) })
		}
	})

	if cfg.HTTPEnabled() {
		health := healthChecks(session, database, reg, info)
		go func() {
			if err := server.Start(runCtx, cfg.HTTPAddr, health); err != nil {
				slog.Error("http server exited with error", slog.Any("err", err))
			}
		}()
	}

	slog.Info("bot starting",
		slog.Int("channels", len(channels)),
		slog.String("prefixes", strings.Join(cfg.Prefixes, " ")),
		slog.String("transport", cfg.SendTransport))
	sessionErr := session.Start(runCtx, channels)

	notifySystemd(daemon.SdNotifyStopping)
	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	if err := bridge.Wait(graceCtx); err != nil {
		slog.Warn("in-flight commands abandoned", slog.Any("err", err))
	}
	cancelGrace()

	if sessionErr != nil {
		return fmt.Errorf("event session: %w", sessionErr)
	}
	return nil
}

func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	// Versioned migrations first; the idempotent DDL covers databases
	// created before schema_migrations existed.
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return database, nil
}

// tokenStore returns where refreshed tokens are kept. A token already in
// the database is newer than the configured one (refresh tokens rotate),
// so it is published to holder.
func tokenStore(ctx context.Context, cfg *config.Config, database *sql.DB, holder *twitchapi.UserToken) (oauth.Store, error) {
	configured := db.Token{Access: cfg.TwitchAccessToken, Refresh: cfg.TwitchRefreshToken}
	if database == nil {
		return oauth.NewMemoryStore(configured), nil
	}
	store := &db.TokenStore{DB: database, Provider: "twitch"}
	stored, ok, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if ok && stored.Access != "" {
		holder.Set(stored.Access, stored.Refresh, stored.ExpiresAt, stored.Scope)
		return store, nil
	}
	if err := store.Save(ctx, configured); err != nil {
		return nil, err
	}
	return store, nil
}

func refreshFunc(cfg *config.Config, hc *http.Client) oauth.RefreshFunc {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
		res, err := twitchapi.RefreshToken(ctx, cfg.AuthBaseURL, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return res.AccessToken, res.RefreshToken, res.Expiry, res.Scope, nil
	}
}

// authenticate validates the current token. A rejected stored token falls
// back to the configured one, then to a forced refresh.
func authenticate(ctx context.Context, cfg *config.Config, hc *http.Client, holder *twitchapi.UserToken, store oauth.Store, refresh oauth.RefreshFunc) (*twitchapi.TokenInfo, error) {
	validate := func() (*twitchapi.TokenInfo, error) {
		tok, err := holder.Token(ctx)
		if err != nil {
			return nil, err
		}
		return twitchapi.ValidateToken(ctx, hc, cfg.AuthBaseURL, tok)
	}

	info, err := validate()
	if twitchapi.IsAuthError(err) {
		if current, _ := holder.Token(ctx); current != cfg.TwitchAccessToken {
			slog.Warn("stored token rejected; trying configured token", slog.String("component", "oauth"))
			holder.Set(cfg.TwitchAccessToken, cfg.TwitchRefreshToken, time.Time{}, "")
			info, err = validate()
		}
	}
	if twitchapi.IsAuthError(err) {
		slog.Warn("access token rejected; trying refresh", slog.String("component", "oauth"))
		access, rt, _, scope := holder.Snapshot()
		if serr := store.Save(ctx, db.Token{Access: access, Refresh: rt, Scope: scope}); serr != nil {
			return nil, serr
		}
		r := &oauth.Refresher{Store: store, Publish: holder, Window: cfg.TokenRefreshWindow, Refresh: refresh}
		if _, rerr := r.Check(ctx, true); rerr != nil {
			return nil, fmt.Errorf("%w; refresh failed: %w", err, rerr)
		}
		info, err = validate()
	}
	if err != nil {
		return nil, err
	}

	if info.UserID != cfg.TwitchBotID {
		return nil, fmt.Errorf("token belongs to user %s (%s), TWITCH_BOT_ID is %s", info.UserID, info.Login, cfg.TwitchBotID)
	}
	if missing := info.MissingScopes(requiredScopes...); len(missing) > 0 {
		slog.Warn("token is missing chat scopes; run get-tokens again", slog.String("missing", strings.Join(missing, " ")), slog.String("component", "oauth"))
	}

	access, refreshTok, _, _ := holder.Snapshot()
	expiresAt := twitchapi.ComputeExpiry(info.ExpiresIn)
	scope := strings.Join(info.Scopes, " ")
	holder.Set(access, refreshTok, expiresAt, scope)
	if err := store.Save(ctx, db.Token{Access: access, Refresh: refreshTok, ExpiresAt: expiresAt, Scope: scope}); err != nil {
		slog.Warn("token persist failed", slog.Any("err", err), slog.String("component", "oauth"))
	}
	return info, nil
}

func resolveChannels(ctx context.Context, helix *twitchapi.HelixClient, logins []string) ([]eventsub.Channel, error) {
	ids, err := helix.ResolveLogins(ctx, logins)
	if err != nil {
		return nil, err
	}
	channels := make([]eventsub.Channel, 0, len(logins))
	for _, login := range logins {
		id, ok := ids[login]
		if !ok {
			slog.Warn("channel not found; skipping", slog.String("channel", login))
			continue
		}
		channels = append(channels, eventsub.Channel{ID: id, Login: login})
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("none of %s could be resolved", strings.Join(logins, ", "))
	}
	return channels, nil
}

func buildRegistry(cfg *config.Config) (*commands.Registry, error) {
	scope, err := commands.ParseScope(cfg.CooldownScope)
	if err != nil {
		return nil, err
	}
	if cfg.OpenAIAPIKey == "" {
		slog.Warn("OPENAI_API_KEY not set; generated commands will reply with their fallback message")
	}
	gen := generator.NewOpenAI(
		generator.WithAPIKey(cfg.OpenAIAPIKey),
		generator.WithBaseURL(cfg.OpenAIBaseURL),
		generator.WithModel(cfg.OpenAIChatModel),
		generator.WithImageModel(cfg.OpenAIImageModel),
		generator.WithImageSize(cfg.OpenAIImageSize),
		generator.WithTemperature(cfg.OpenAITemperature),
		generator.WithTimeouts(cfg.OpenAIChatTimeout, cfg.OpenAIImageTimeout),
		generator.WithImageDir(filepath.Join(cfg.LogDirectory, "images")),
	)
	reg := commands.NewRegistry(gen, commands.WithPrefixes(cfg.Prefixes...), commands.WithScope(scope))
	if _, err := commands.RegisterBuiltins(reg, cfg.CommandCooldowns); err != nil {
		return nil, err
	}
	return reg, nil
}

func buildSender(ctx context.Context, cfg *config.Config, helix *twitchapi.HelixClient, holder *twitchapi.UserToken, botID string, channels []eventsub.Channel) chat.Sender {
	var sender chat.Sender = chat.NewHelixSender(helix, botID)
	if cfg.SendTransport == "irc" {
		logins := make([]string, len(channels))
		for i, ch := range channels {
			logins[i] = ch.Login
		}
		access, _, _, _ := holder.Snapshot()
		irc := chat.NewIRCSender(cfg.TwitchBotUsername, access, logins)
		go func() {
			if err := irc.Run(ctx); err != nil {
				slog.Error("irc sender stopped", slog.Any("err", err), slog.String("component", "chat"))
			}
		}()
		sender = irc
	}
	return chat.NewRateLimitedSender(sender, cfg.SendRatePer30s, 30*time.Second)
}

type statusReport struct {
	State         string                  `json:"state"`
	BotLogin      string                  `json:"bot_login"`
	Subscriptions []eventsub.Subscription `json:"subscriptions"`
	Commands      []string                `json:"commands"`
	Prefixes      []string                `json:"prefixes"`
}

func healthChecks(session *eventsub.Session, database *sql.DB, reg *commands.Registry, info *twitchapi.TokenInfo) server.Health {
	h := server.Health{
		Ready: []server.Check{{Name: "session", Fn: func(context.Context) error {
			if st := session.State(); st != eventsub.Active {
				return fmt.Errorf("session %s", st)
			}
			return nil
		}}},
		Status: func(context.Context) any {
			return statusReport{
				State:         session.State().String(),
				BotLogin:      info.Login,
				Subscriptions: session.Subscriptions(),
				Commands:      reg.Names(),
				Prefixes:      reg.Prefixes(),
			}
		},
	}
	if database != nil {
		h.Ready = append(h.Ready, server.Check{Name: "database", Fn: database.PingContext})
	}
	return h
}

func notifySystemd(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		slog.Debug("systemd notify failed", slog.Any("err", err))
	}
}
