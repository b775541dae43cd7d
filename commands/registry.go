// Package commands holds the table of chat commands and enforces their
// cooldowns.
package commands

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/onnwee/intermission-bot/generator"
	"github.com/onnwee/intermission-bot/telemetry"
)

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrCooldownActive   = errors.New("command on cooldown")
	ErrDuplicateCommand = errors.New("duplicate command")
)

// Invocation is the context a command runs with.
type Invocation struct {
	ChannelID     string
	ChannelLogin  string
	SenderID      string
	SenderLogin   string
	Args          string
	CorrelationID string
}

// Response is what a command wants posted back. An empty Text sends nothing.
type Response struct {
	Text      string
	ImageURL  string
	ImagePath string
}

// Command is one built-in behavior.
type Command interface {
	Execute(ctx context.Context, inv Invocation, gen generator.Generator) (Response, error)
}

// Fallback is implemented by commands that have a chat message to post
// when generation fails.
type Fallback interface {
	FallbackMessage(err error) string
}

// Scope decides whether cooldowns are tracked per channel or globally.
type Scope int

const (
	ScopeChannel Scope = iota
	ScopeGlobal
)

// ParseScope maps "channel" or "global" to a Scope.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "channel":
		return ScopeChannel, nil
	case "global":
		return ScopeGlobal, nil
	}
	return ScopeChannel, fmt.Errorf("unknown cooldown scope %q", s)
}

type definition struct {
	name     string
	cmd      Command
	cooldown time.Duration
}

type cooldownKey struct {
	command string
	scope   string
}

// Option configures a Registry.
type Option func(*Registry)

// WithPrefixes sets the accepted command prefixes (default "$").
func WithPrefixes(prefixes ...string) Option {
	return func(r *Registry) {
		var ps []string
		for _, p := range prefixes {
			if p = strings.TrimSpace(p); p != "" {
				ps = append(ps, p)
			}
		}
		if len(ps) > 0 {
			r.prefixes = ps
		}
	}
}

// WithScope sets the cooldown scope.
func WithScope(s Scope) Option {
	return func(r *Registry) { r.scope = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry maps names to commands. Registration happens at startup;
// Dispatch is safe for concurrent use.
type Registry struct {
	gen      generator.Generator
	prefixes []string
	scope    Scope
	now      func() time.Time

	mu       sync.Mutex
	defs     map[string]*definition
	aliases  map[string]string
	last     map[cooldownKey]time.Time
	inflight map[cooldownKey]struct{}
}

// NewRegistry creates an empty registry whose commands use gen.
func NewRegistry(gen generator.Generator, opts ...Option) *Registry {
	r := &Registry{
		gen:      gen,
		prefixes: []string{"$"},
		now:      time.Now,
		defs:     make(map[string]*definition),
		aliases:  make(map[string]string),
		last:     make(map[cooldownKey]time.Time),
		inflight: make(map[cooldownKey]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Register adds a command. Names are case-insensitive.
func (r *Registry) Register(name string, cmd Command, cooldown time.Duration) error {
	key := normalize(name)
	if key == "" {
		return errors.New("command name cannot be empty")
	}
	if cmd == nil {
		return fmt.Errorf("command %q has no handler", key)
	}
	if cooldown < 0 {
		return fmt.Errorf("command %q: negative cooldown", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exists(key) {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, key)
	}
	r.defs[key] = &definition{name: key, cmd: cmd, cooldown: cooldown}
	return nil
}

// Alias makes alias resolve to target. The alias shares target's cooldown.
func (r *Registry) Alias(alias, target string) error {
	a, t := normalize(alias), normalize(target)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[t]; !ok {
		return fmt.Errorf("alias %q: %w: %s", a, ErrUnknownCommand, t)
	}
	if a == "" || r.exists(a) {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, a)
	}
	r.aliases[a] = t
	return nil
}

// SetCooldown overrides the cooldown of a registered command or alias target.
func (r *Registry) SetCooldown(name string, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def := r.resolve(normalize(name))
	if def == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	def.cooldown = d
	return nil
}

func (r *Registry) exists(key string) bool {
	_, isDef := r.defs[key]
	_, isAlias := r.aliases[key]
	return isDef || isAlias
}

func (r *Registry) resolve(key string) *definition {
	if target, ok := r.aliases[key]; ok {
		key = target
	}
	return r.defs[key]
}

// Cooldown returns the cooldown for name (or its alias target).
func (r *Registry) Cooldown(name string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def := r.resolve(normalize(name))
	if def == nil {
		return 0, false
	}
	return def.cooldown, true
}

// Names lists every registered command and alias, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.defs)+len(r.aliases))
	for k := range r.defs {
		out = append(out, k)
	}
	for k := range r.aliases {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Prefixes returns the accepted command prefixes.
func (r *Registry) Prefixes() []string { return slices.Clone(r.prefixes) }

// Parse splits a chat message into a lower-cased command name and the
// argument remainder. ok is false when text does not start with a prefix
// or has nothing after it.
func (r *Registry) Parse(text string) (name, args string, ok bool) {
	for _, p := range r.prefixes {
		if !strings.HasPrefix(text, p) {
			continue
		}
		rest := strings.TrimSpace(text[len(p):])
		if rest == "" {
			return "", "", false
		}
		name = rest
		if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
			name, args = rest[:i], strings.TrimSpace(rest[i:])
		}
		return strings.ToLower(name), args, true
	}
	return "", "", false
}

// Dispatch runs the command called name. Unknown names fail with
// ErrUnknownCommand and never touch cooldown state. A command that is
// cooling down (or already running in the same scope) fails with
// ErrCooldownActive without running. The cooldown starts only when the
// handler succeeds.
func (r *Registry) Dispatch(ctx context.Context, name string, inv Invocation) (resp Response, err error) {
	key := normalize(name)
	r.mu.Lock()
	def := r.resolve(key)
	if def == nil {
		r.mu.Unlock()
		telemetry.RecordDispatch("unknown", "unknown")
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownCommand, key)
	}
	ck := cooldownKey{command: def.name}
	if r.scope == ScopeChannel {
		ck.scope = inv.ChannelID
	}
	if def.cooldown > 0 {
		if _, busy := r.inflight[ck]; busy {
			r.mu.Unlock()
			return Response{}, r.rejected(def.name, 0)
		}
		if last, ok := r.last[ck]; ok {
			if wait := def.cooldown - r.now().Sub(last); wait > 0 {
				r.mu.Unlock()
				return Response{}, r.rejected(def.name, wait)
			}
		}
		r.inflight[ck] = struct{}{}
	}
	r.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "commands.Dispatch", telemetry.CommandAttr(def.name), telemetry.ChannelAttr(inv.ChannelLogin))
	defer func() { telemetry.EndSpan(span, err) }()

	defer func() {
		p := recover()
		if p != nil {
			err = fmt.Errorf("command %s panicked: %v", def.name, p)
		}
		r.mu.Lock()
		delete(r.inflight, ck)
		if err == nil && def.cooldown > 0 {
			r.last[ck] = r.now()
		}
		r.mu.Unlock()
		switch {
		case err == nil:
			telemetry.RecordDispatch(def.name, "ok")
		case generator.IsGenerationError(err):
			telemetry.RecordDispatch(def.name, "generation_error")
		default:
			telemetry.RecordDispatch(def.name, "error")
		}
	}()

	telemetry.TimeFunc(telemetry.DispatchDuration, func() {
		resp, err = def.cmd.Execute(ctx, inv, r.gen)
	})
	return resp, err
}

func (r *Registry) rejected(name string, wait time.Duration) error {
	telemetry.Inc(telemetry.CooldownRejections)
	telemetry.RecordDispatch(name, "cooldown")
	if wait <= 0 {
		return fmt.Errorf("%w: %s is already running", ErrCooldownActive, name)
	}
	return fmt.Errorf("%w: %s ready in %s", ErrCooldownActive, name, wait.Round(time.Second))
}

// FallbackFor returns the fallback message name's command wants posted for
// err, or "" when it has none.
func (r *Registry) FallbackFor(name string, err error) string {
	r.mu.Lock()
	def := r.resolve(normalize(name))
	r.mu.Unlock()
	if def == nil {
		return ""
	}
	if fb, ok := def.cmd.(Fallback); ok {
		return fb.FallbackMessage(err)
	}
	return ""
}

// LastInvocation returns when name last completed successfully in the
// scope of channelID (ignored for global scope).
func (r *Registry) LastInvocation(name, channelID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def := r.resolve(normalize(name))
	if def == nil {
		return time.Time{}, false
	}
	ck := cooldownKey{command: def.name}
	if r.scope == ScopeChannel {
		ck.scope = channelID
	}
	t, ok := r.last[ck]
	return t, ok
}
