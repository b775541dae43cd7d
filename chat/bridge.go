package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/onnwee/intermission-bot/chatlog"
	"github.com/onnwee/intermission-bot/commands"
	"github.com/onnwee/intermission-bot/eventsub"
	"github.com/onnwee/intermission-bot/generator"
	"github.com/onnwee/intermission-bot/telemetry"
)

// Logger persists every chat event.
type Logger interface {
	Log(ctx context.Context, rec chatlog.Record) error
}

// Dispatcher is the part of the command registry the bridge uses.
type Dispatcher interface {
	Parse(text string) (name, args string, ok bool)
	Dispatch(ctx context.Context, name string, inv commands.Invocation) (commands.Response, error)
	FallbackFor(name string, err error) string
}

// LiveChecker reports whether a channel is currently streaming.
type LiveChecker interface {
	IsLive(ctx context.Context, broadcasterID string) (bool, error)
}

// BridgeConfig tunes a Bridge.
type BridgeConfig struct {
	MaxConcurrent    int
	SuppressWhenLive bool
}

// Bridge is the per-event pipeline between the feed and the registry.
type Bridge struct {
	cfg    BridgeConfig
	logger Logger
	reg    Dispatcher
	sender Sender
	live   LiveChecker

	sem      chan struct{}
	wg       sync.WaitGroup
	stopping atomic.Bool

	// parent of every dispatch; outlives the feed, cancelled by Wait
	ctx    context.Context
	cancel context.CancelFunc
}

var _ eventsub.Handler = (*Bridge)(nil)

// NewBridge wires the pipeline. live may be nil.
func NewBridge(cfg BridgeConfig, logger Logger, reg Dispatcher, sender Sender, live LiveChecker) *Bridge {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:    cfg,
		logger: logger,
		reg:    reg,
		sender: sender,
		live:   live,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		ctx:    ctx,
		cancel: cancel,
	}
}

// HandleChatEvent logs ev and, for commands, starts a dispatch. It never
// blocks on generation or sending.
func (b *Bridge) HandleChatEvent(ctx context.Context, ev eventsub.ChatEvent) {
	rec := chatlog.Record{
		Channel:   ev.ChannelLogin,
		ChannelID: ev.ChannelID,
		SenderID:  ev.SenderID,
		Sender:    ev.SenderLogin,
		Text:      ev.Text,
		MessageID: ev.MessageID,
		Timestamp: ev.Timestamp,
	}
	if err := b.logger.Log(ctx, rec); err != nil {
		slog.Warn("chat log write failed", slog.String("channel", ev.ChannelLogin), slog.Any("err", err), slog.String("component", "chat"))
	}

	name, args, ok := b.reg.Parse(ev.Text)
	if !ok {
		return
	}
	if b.stopping.Load() {
		return
	}
	select {
	case b.sem <- struct{}{}:
	default:
		slog.Warn("dispatch pool full; dropping command", slog.String("channel", ev.ChannelLogin), slog.String("command", name), slog.String("component", "chat"))
		telemetry.RecordDispatch(name, "busy")
		return
	}
	b.wg.Add(1)
	telemetry.AddInFlight(1)
	go b.dispatch(name, args, ev)
}

func (b *Bridge) dispatch(name, args string, ev eventsub.ChatEvent) {
	corr := uuid.NewString()
	ctx := telemetry.WithCorrelation(b.ctx, corr)
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", ev.ChannelLogin), slog.String("command", name), slog.String("component", "chat"))
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panic", slog.Any("panic", r))
		}
		telemetry.AddInFlight(-1)
		<-b.sem
		b.wg.Done()
	}()

	if b.suppressed(ctx, name, ev) {
		return
	}

	inv := commands.Invocation{
		ChannelID:     ev.ChannelID,
		ChannelLogin:  ev.ChannelLogin,
		SenderID:      ev.SenderID,
		SenderLogin:   ev.SenderLogin,
		Args:          args,
		CorrelationID: corr,
	}
	resp, err := b.reg.Dispatch(ctx, name, inv)
	text := resp.Text
	switch {
	case errors.Is(err, commands.ErrUnknownCommand):
		log.Debug("unknown command", slog.String("sender", ev.SenderLogin))
		return
	case errors.Is(err, commands.ErrCooldownActive):
		log.Debug("command cooling down", slog.Any("err", err))
		return
	case generator.IsGenerationError(err):
		log.Warn("generation failed", slog.Any("err", err))
		text = b.reg.FallbackFor(name, err)
	case err != nil:
		log.Error("command failed", slog.Any("err", err))
		return
	}
	if text == "" {
		return
	}
	if err := b.sender.Send(ctx, Target{ID: ev.ChannelID, Login: ev.ChannelLogin}, text); err != nil {
		telemetry.Inc(telemetry.MessageSendFailures)
		log.Warn("reply not sent", slog.Any("err", err))
		return
	}
	telemetry.Inc(telemetry.MessagesSent)
	log.Info("reply sent", slog.String("sender", ev.SenderLogin))
}

// suppressed reports whether the channel is live and commands there should
// be dropped. A failed check lets the command run.
func (b *Bridge) suppressed(ctx context.Context, name string, ev eventsub.ChatEvent) bool {
	if !b.cfg.SuppressWhenLive || b.live == nil {
		return false
	}
	live, err := b.live.IsLive(ctx, ev.ChannelID)
	switch {
	case err != nil:
		slog.Warn("live check failed; allowing command", slog.String("channel", ev.ChannelLogin), slog.Any("err", err), slog.String("component", "chat"))
		return false
	case live:
		slog.Debug("channel live; command suppressed", slog.String("channel", ev.ChannelLogin), slog.String("command", name), slog.String("component", "chat"))
		telemetry.RecordDispatch(name, "suppressed_live")
		return true
	}
	return false
}

// Wait stops accepting new commands and waits for in-flight ones. When
// ctx expires first, the remaining dispatches are cancelled and Wait
// returns once they have unwound.
func (b *Bridge) Wait(ctx context.Context) error {
	b.stopping.Store(true)
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return fmt.Errorf("dispatch grace period: %w", ctx.Err())
	}
}
