package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type messengerStub struct {
	broadcaster, sender, text string
	err                       error
}

func (m *messengerStub) SendChatMessage(_ context.Context, broadcasterID, senderID, text string) error {
	m.broadcaster, m.sender, m.text = broadcasterID, senderID, text
	return m.err
}

func TestHelixSender(t *testing.T) {
	m := &messengerStub{}
	s := NewHelixSender(m, "99")
	if err := s.Send(context.Background(), Target{ID: "1001", Login: "riotgames"}, "hi"); err != nil {
		t.Fatal(err)
	}
	if m.broadcaster != "1001" || m.sender != "99" || m.text != "hi" {
		t.Fatalf("stub = %+v", m)
	}
	if err := s.Send(context.Background(), Target{Login: "riotgames"}, "hi"); err == nil {
		t.Fatal("missing broadcaster id accepted")
	}
}

func TestTruncate(t *testing.T) {
	short := strings.Repeat("é", MaxMessageLength)
	if truncate(short) != short {
		t.Fatal("message at the limit was altered")
	}
	long := truncate(strings.Repeat("x", MaxMessageLength+20))
	if n := len([]rune(long)); n != MaxMessageLength || !strings.HasSuffix(long, "…") {
		t.Fatalf("truncated to %d runes: %q", n, long[len(long)-5:])
	}
}

func TestRateLimitedSender(t *testing.T) {
	var n int
	next := SenderFunc(func(context.Context, Target, string) error { n++; return nil })
	s := NewRateLimitedSender(next, 2, time.Hour)

	for i := 0; i < 2; i++ {
		if err := s.Send(context.Background(), Target{ID: "1"}, "x"); err != nil {
			t.Fatalf("burst send %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, Target{ID: "1"}, "x"); err == nil {
		t.Fatal("send over the limit was not held back")
	}
	if n != 2 {
		t.Fatalf("forwarded %d sends", n)
	}
}

type ircStub struct {
	mu        sync.Mutex
	joined    []string
	said      []string
	onConnect func()
	stop      chan struct{}
}

func (c *ircStub) Join(channels ...string) { c.joined = append(c.joined, channels...) }
func (c *ircStub) Say(channel, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.said = append(c.said, channel+": "+text)
}
func (c *ircStub) OnConnect(fn func()) { c.onConnect = fn }
func (c *ircStub) Connect() error {
	c.onConnect()
	<-c.stop
	return errors.New("client called Disconnect()")
}
func (c *ircStub) Disconnect() error { close(c.stop); return nil }

func TestIRCSender(t *testing.T) {
	stub := &ircStub{stop: make(chan struct{})}
	s := newIRCSender(stub, []string{"riotgames"})

	if err := s.Send(context.Background(), Target{Login: "riotgames"}, "early"); err == nil {
		t.Fatal("send before connect should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := s.Send(context.Background(), Target{Login: "#riotgames"}, "hello"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sender never connected")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run after cancel = %v", err)
	}
	if len(stub.joined) != 1 || stub.joined[0] != "riotgames" {
		t.Fatalf("joined = %v", stub.joined)
	}
	if len(stub.said) != 1 || stub.said[0] != "riotgames: hello" {
		t.Fatalf("said = %v", stub.said)
	}
}
