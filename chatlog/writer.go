// Package chatlog appends chat messages to per-channel, per-day text files
// and optionally mirrors them to an archive.
package chatlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/intermission-bot/telemetry"
)

// Record is one chat line.
type Record struct {
	Channel   string
	ChannelID string
	SenderID  string
	Sender    string
	Text      string
	MessageID string
	Timestamp time.Time
}

// WriteError is a failed append. It never blocks command dispatch.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string { return fmt.Sprintf("chat log %s: %v", e.Path, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// Archive receives every record after the file write.
type Archive interface {
	Archive(ctx context.Context, rec Record) error
}

// Writer appends records under root as <channel>/<date>/<date>.txt.
type Writer struct {
	root string
	loc  *time.Location

	mu    sync.Mutex
	files map[string]*sync.Mutex

	archive Archive
}

// NewWriter creates a writer rooted at root. Dates are computed in loc
// (time.Local when nil).
func NewWriter(root string, loc *time.Location) *Writer {
	if loc == nil {
		loc = time.Local
	}
	return &Writer{root: root, loc: loc, files: make(map[string]*sync.Mutex)}
}

// WithArchive mirrors records to a. Archive failures are warnings only.
func (w *Writer) WithArchive(a Archive) *Writer {
	w.archive = a
	return w
}

// Root returns the log root directory.
func (w *Writer) Root() string { return w.root }

// Path returns the file rec is appended to.
func (w *Writer) Path(rec Record) string {
	date := rec.Timestamp.In(w.loc).Format(time.DateOnly)
	return filepath.Join(w.root, SanitizeChannel(rec.Channel), date, date+".txt")
}

// Line formats rec as "YYYY-MM-DD HH:MM:SS sender: text". Line breaks in
// the text are flattened so each record stays on one line.
func (w *Writer) Line(rec Record) string {
	text := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(rec.Text)
	return fmt.Sprintf("%s %s: %s\n", rec.Timestamp.In(w.loc).Format(time.DateTime), rec.Sender, text)
}

func (w *Writer) lockFor(path string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.files[path]
	if !ok {
		m = &sync.Mutex{}
		w.files[path] = m
	}
	return m
}

// LockFile holds the append lock for path until the returned func is
// called.
func (w *Writer) LockFile(path string) (unlock func()) {
	m := w.lockFor(path)
	m.Lock()
	return m.Unlock
}

// Write appends rec to its day file, creating directories as needed.
func (w *Writer) Write(rec Record) error {
	return w.Log(context.Background(), rec)
}

// Log appends rec and then mirrors it to the archive, if any.
func (w *Writer) Log(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	path := w.Path(rec)
	if err := w.append(path, w.Line(rec)); err != nil {
		telemetry.Inc(telemetry.LogWriteFailures)
		return &WriteError{Path: path, Err: err}
	}
	if w.archive != nil {
		if err := w.archive.Archive(ctx, rec); err != nil {
			telemetry.LoggerWithCorr(ctx).Warn("chat archive write failed", slog.String("channel", rec.Channel), slog.Any("err", err), slog.String("component", "chatlog"))
		}
	}
	return nil
}

func (w *Writer) append(path, line string) error {
	m := w.lockFor(path)
	m.Lock()
	defer m.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// SanitizeChannel maps a channel login to a safe single directory name.
func SanitizeChannel(channel string) string {
	c := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
	var b strings.Builder
	for _, r := range c {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_unknown"
	}
	return b.String()
}
