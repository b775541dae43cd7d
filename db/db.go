// Package db provides the optional Postgres archive for chat messages and
// the persisted bot token.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/intermission-bot/chatlog"
)

// Connect opens a Postgres connection pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("db: empty DSN")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	dbx.SetMaxOpenConns(4)
	dbx.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return dbx, nil
}

// Migrate applies the schema with idempotent DDL. It is the fallback when
// versioned migrations cannot run (e.g. a database user without rights on
// schema_migrations).
func Migrate(ctx context.Context, dbx *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id BIGSERIAL PRIMARY KEY,
			message_id TEXT UNIQUE,
			channel TEXT NOT NULL,
			channel_id TEXT,
			sender_id TEXT,
			sender TEXT NOT NULL,
			message TEXT NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_channel_sent ON chat_messages(channel, sent_at)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
	}
	for i, s := range stmts {
		if _, err := dbx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// InsertChatMessage archives one chat line. Redelivered messages (same
// message id) are ignored.
func InsertChatMessage(ctx context.Context, dbx *sql.DB, rec chatlog.Record) error {
	var msgID any
	if rec.MessageID != "" {
		msgID = rec.MessageID
	}
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO chat_messages(message_id, channel, channel_id, sender_id, sender, message, sent_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (message_id) DO NOTHING`,
		msgID, rec.Channel, rec.ChannelID, rec.SenderID, rec.Sender, rec.Text, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// ChatArchive mirrors chat log lines into chat_messages.
type ChatArchive struct{ DB *sql.DB }

var _ chatlog.Archive = (*ChatArchive)(nil)

func (a *ChatArchive) Archive(ctx context.Context, rec chatlog.Record) error {
	return InsertChatMessage(ctx, a.DB, rec)
}

// Token is one oauth_tokens row.
type Token struct {
	Access    string
	Refresh   string
	ExpiresAt time.Time
	Scope     string
}

// SaveToken stores or replaces the token for provider.
func SaveToken(ctx context.Context, dbx *sql.DB, provider string, tok Token) error {
	var exp any
	if !tok.ExpiresAt.IsZero() {
		exp = tok.ExpiresAt.UTC()
	}
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, updated_at)
		 VALUES($1,$2,$3,$4,$5,NOW())
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   scope=EXCLUDED.scope,
		   updated_at=NOW()`,
		provider, tok.Access, tok.Refresh, exp, strings.TrimSpace(tok.Scope))
	if err != nil {
		return fmt.Errorf("save token %s: %w", provider, err)
	}
	return nil
}

// LoadToken returns the stored token for provider. ok is false when no row
// exists.
func LoadToken(ctx context.Context, dbx *sql.DB, provider string) (tok Token, ok bool, err error) {
	var refresh, scope sql.NullString
	var exp sql.NullTime
	err = dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope FROM oauth_tokens WHERE provider = $1`, provider).
		Scan(&tok.Access, &refresh, &exp, &scope)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("load token %s: %w", provider, err)
	}
	tok.Refresh = refresh.String
	tok.Scope = scope.String
	if exp.Valid {
		tok.ExpiresAt = exp.Time
	}
	return tok, true, nil
}

// TokenStore binds the token helpers to one provider row.
type TokenStore struct {
	DB       *sql.DB
	Provider string
}

func (s *TokenStore) Load(ctx context.Context) (Token, bool, error) {
	return LoadToken(ctx, s.DB, s.Provider)
}

func (s *TokenStore) Save(ctx context.Context, tok Token) error {
	if err := SaveToken(ctx, s.DB, s.Provider, tok); err != nil {
		return err
	}
	slog.Debug("token persisted", slog.String("provider", s.Provider), slog.String("component", "db"))
	return nil
}
