// Command intermission-bot is a Twitch chat bot. It:
//   - Loads configuration from an env file plus the environment and
//     initializes structured logging.
//   - Validates the bot's user token and resolves the configured channels.
//   - Subscribes to chat over a single EventSub WebSocket session, logs
//     every message to per-channel daily files (optionally mirrored to
//     Postgres), and answers prefixed commands with canned or generated
//     replies.
//   - Exposes /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/onnwee/intermission-bot/config"
	"github.com/onnwee/intermission-bot/telemetry"
)

const serviceName = "intermission-bot"

var version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultPath, "env-style config file; missing file is not an error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing(serviceName, version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	shutdown()
	if err != nil {
		if errors.Is(err, errStartup) {
			slog.Error("startup failed", slog.Any("err", err))
		} else {
			slog.Error("bot stopped", slog.Any("err", err))
		}
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// setupLogging installs the default slog logger on stdout. level is
// debug|info|warn|error (unknown values fall back to info), format is
// text|json.
func setupLogging(level, format string) {
	handler, lvl, name, known := newLogHandler(os.Stdout, level, format)
	logger := slog.New(handler)
	slog.SetDefault(logger)
	if !known {
		logger.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	logger.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", name))
}

func newLogHandler(w io.Writer, level, format string) (h slog.Handler, lvl slog.Level, fmtName string, known bool) {
	lvl, known = slog.LevelInfo, true
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		known = false
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.NewJSONHandler(w, opts), lvl, "json", known
	}
	return slog.NewTextHandler(w, opts), lvl, "text", known
}
