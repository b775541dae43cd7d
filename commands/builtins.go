package commands

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/intermission-bot/generator"
)

// Default cooldowns by command kind.
const (
	StaticCooldown = 5 * time.Second
	TextCooldown   = 15 * time.Second
	ImageCooldown  = 60 * time.Second
)

const historySize = 10

var triviaTopics = []string{
	"history", "internet", "culture", "movies", "Twitch", "science",
	"nature", "space", "technology", "music", "games",
}

// history is a bounded list of recent outputs fed back to the model as a
// ban-list.
type history struct {
	mu    sync.Mutex
	items []string
}

func (h *history) add(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, s)
	if len(h.items) > historySize {
		h.items = h.items[len(h.items)-historySize:]
	}
}

func (h *history) joined() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.items, "\n")
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// Static replies.

type aboutCommand struct{ prefix string }

func (c aboutCommand) Execute(context.Context, Invocation, generator.Generator) (Response, error) {
	p := c.prefix
	return Response{Text: fmt.Sprintf("HeyGuys 👋 I'm an AI-powered chatbot. I hang out in offline chat to keep things lively. "+
		"Ask me for %sjoke, %strivia, %sstory, %snickname, or %simage. ✨", p, p, p, p, p)}, nil
}

type inputsCommand struct{ prefix string }

func (c inputsCommand) Execute(context.Context, Invocation, generator.Generator) (Response, error) {
	names := []string{"about", "inputs", "joke", "nickname", "story", "touchgrass", "trivia", "image"}
	for i, n := range names {
		names[i] = c.prefix + n
	}
	return Response{Text: "📋 Commands: " + strings.Join(names, ", ")}, nil
}

type touchGrassCommand struct{}

func (touchGrassCommand) Execute(context.Context, Invocation, generator.Generator) (Response, error) {
	return Response{Text: "🌱 Touch grass break: breathe, stretch, and look at something far away. Your brain will thank you. 😎"}, nil
}

// Generated text.

type jokeCommand struct{ recent *history }

func (c jokeCommand) Execute(ctx context.Context, _ Invocation, gen generator.Generator) (Response, error) {
	prompt := "You are a stand-up comic performing for Twitch chat. " +
		"Deliver one fresh, original, Twitch-friendly joke (1-2 lines). " +
		"Avoid stock jokes and anything mean-spirited. " +
		"Do not repeat any of these recent jokes:\n" + c.recent.joined()
	joke, err := gen.Text(ctx, prompt)
	if err != nil {
		return Response{}, err
	}
	c.recent.add(joke)
	return Response{Text: joke}, nil
}

func (jokeCommand) FallbackMessage(error) string {
	return "😅 My joke writer is on break. Try again in a bit!"
}

type nicknameCommand struct{ recent *history }

func (c nicknameCommand) Execute(ctx context.Context, _ Invocation, gen generator.Generator) (Response, error) {
	prompt := "You are a playful nickname generator for Twitch chat. " +
		"Output ONE short, creative, positive nickname only, no extra text. " +
		"Avoid generic terms (buddy, pal) and anything rude. " +
		"Do not repeat any of these recent nicknames:\n" + c.recent.joined()
	name, err := gen.Text(ctx, prompt)
	if err != nil {
		return Response{}, err
	}
	c.recent.add(name)
	return Response{Text: "🎭 Your new nickname: " + name}, nil
}

func (nicknameCommand) FallbackMessage(error) string {
	return "🎭 Couldn't come up with a nickname right now. Try again soon!"
}

type storyCommand struct{ recent *history }

func (c storyCommand) Execute(ctx context.Context, _ Invocation, gen generator.Generator) (Response, error) {
	prompt := "Write an original micro-story under 150 characters. " +
		"Make it a complete moment (not advice or a quote). " +
		"Avoid clichés. " +
		"Do not repeat any of these recent stories:\n" + c.recent.joined()
	story, err := gen.Text(ctx, prompt)
	if err != nil {
		return Response{}, err
	}
	c.recent.add(story)
	return Response{Text: "📖 " + story}, nil
}

func (storyCommand) FallbackMessage(error) string {
	return "📖 The storyteller lost their place. Try again soon!"
}

type triviaCommand struct {
	recent *history
	pick   func(n int) int
}

func (c triviaCommand) Execute(ctx context.Context, inv Invocation, gen generator.Generator) (Response, error) {
	topic := strings.TrimSpace(inv.Args)
	if topic == "" {
		topic = triviaTopics[c.pick(len(triviaTopics))]
	}
	prompt := fmt.Sprintf("Give ONE surprising %s trivia fact in at most 150 characters. "+
		"Keep it Twitch-friendly and punchy. "+
		"Make chat say 'Whoa!'. "+
		"Do not repeat any of these:\n%s", topic, c.recent.joined())
	fact, err := gen.Text(ctx, prompt)
	if err != nil {
		return Response{}, err
	}
	c.recent.add(fact)
	return Response{Text: "🤓 " + fact}, nil
}

func (triviaCommand) FallbackMessage(error) string {
	return "🤓 Trivia machine is rebooting. Try again soon!"
}

// Generated image.

type imageCommand struct{ prefix string }

func (c imageCommand) Execute(ctx context.Context, inv Invocation, gen generator.Generator) (Response, error) {
	desc := strings.TrimSpace(inv.Args)
	if desc == "" {
		return Response{Text: fmt.Sprintf("🖼️ Please provide a description! Example: %simage a cyberpunk ramen shop at night", c.prefix)}, nil
	}
	img, err := gen.Image(ctx, desc)
	if err != nil {
		return Response{}, err
	}
	if img.URL != "" {
		return Response{Text: "🖼️ Here's your creation: " + img.URL, ImageURL: img.URL}, nil
	}
	return Response{Text: "🖼️ Image saved locally: " + img.Path, ImagePath: img.Path}, nil
}

func (imageCommand) FallbackMessage(err error) string {
	var ge *generator.GenerationError
	if errors.As(err, &ge) {
		switch ge.Kind {
		case generator.KindContentPolicy:
			return "⚠️ That image request was declined. Try a different description."
		case generator.KindRateLimited:
			return "⚠️ Too many images right now. Try again in a minute."
		}
	}
	return "⚠️ Image generation failed."
}

// Builtins carries the state shared by the built-in commands.
type Builtins struct {
	jokes, nicknames, stories, trivia *history
}

// RegisterBuiltins registers every built-in command on r, applying
// overrides (keyed by command or alias name) on top of the default
// cooldowns.
func RegisterBuiltins(r *Registry, overrides map[string]time.Duration) (*Builtins, error) {
	prefix := r.prefixes[0]
	b := &Builtins{jokes: &history{}, nicknames: &history{}, stories: &history{}, trivia: &history{}}

	defs := []struct {
		name     string
		cmd      Command
		cooldown time.Duration
	}{
		{"about", aboutCommand{prefix: prefix}, StaticCooldown},
		{"inputs", inputsCommand{prefix: prefix}, StaticCooldown},
		{"touchgrass", touchGrassCommand{}, StaticCooldown},
		{"joke", jokeCommand{recent: b.jokes}, TextCooldown},
		{"nickname", nicknameCommand{recent: b.nicknames}, TextCooldown},
		{"story", storyCommand{recent: b.stories}, TextCooldown},
		{"trivia", triviaCommand{recent: b.trivia, pick: rand.IntN}, TextCooldown},
		{"image", imageCommand{prefix: prefix}, ImageCooldown},
	}
	for _, d := range defs {
		if err := r.Register(d.name, d.cmd, d.cooldown); err != nil {
			return nil, err
		}
	}
	for _, alias := range []string{"help", "commands"} {
		if err := r.Alias(alias, "inputs"); err != nil {
			return nil, err
		}
	}
	for name, d := range overrides {
		if err := r.SetCooldown(name, d); err != nil {
			return nil, fmt.Errorf("cooldown override: %w", err)
		}
	}
	return b, nil
}
