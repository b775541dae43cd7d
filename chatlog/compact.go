package chatlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/robfig/cron/v3"
)

// Compactor compresses day directories older than a cutoff into .zst files
// on a cron schedule.
type Compactor struct {
	root      string
	afterDays int
	schedule  string
	loc       *time.Location
	now       func() time.Time
	locker    interface{ LockFile(path string) func() }

	c *cron.Cron
}

// NewCompactor builds a compactor. afterDays must be positive; schedule is
// a standard five-field cron spec or a descriptor such as @daily.
func NewCompactor(root string, afterDays int, schedule string, loc *time.Location) (*Compactor, error) {
	if afterDays <= 0 {
		return nil, errors.New("compact: afterDays must be positive")
	}
	if loc == nil {
		loc = time.Local
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("compact: schedule %q: %w", schedule, err)
	}
	return &Compactor{
		root:      root,
		afterDays: afterDays,
		schedule:  schedule,
		loc:       loc,
		now:       time.Now,
		c:         cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
	}, nil
}

// WithWriter makes compaction take w's file locks so appends racing a
// compaction are not lost.
func (c *Compactor) WithWriter(w *Writer) *Compactor {
	c.locker = w
	return c
}

// Start runs the schedule until ctx is done.
func (c *Compactor) Start(ctx context.Context) error {
	if _, err := c.c.AddFunc(c.schedule, func() {
		n, err := c.RunOnce()
		if err != nil {
			slog.Warn("chat log compaction failed", slog.Any("err", err), slog.String("component", "chatlog"))
			return
		}
		if n > 0 {
			slog.Info("chat logs compacted", slog.Int("files", n), slog.String("component", "chatlog"))
		}
	}); err != nil {
		return err
	}
	c.c.Start()
	slog.Info("chat log compactor started", slog.String("schedule", c.schedule), slog.Int("after_days", c.afterDays), slog.String("component", "chatlog"))
	go func() {
		<-ctx.Done()
		<-c.c.Stop().Done()
	}()
	return nil
}

// RunOnce compresses every <date>.txt whose date is at least afterDays in
// the past into <date>.txt.zst and removes the text file. Lines that
// arrive for an already compacted day are appended to the archive as a
// further zstd frame on the next run. It returns the number of files
// compressed.
func (c *Compactor) RunOnce() (int, error) {
	today := c.now().In(c.loc)
	cutoff := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, c.loc).AddDate(0, 0, -c.afterDays)

	channels, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var errs []error
	n := 0
	for _, ch := range channels {
		if !ch.IsDir() {
			continue
		}
		days, err := os.ReadDir(filepath.Join(c.root, ch.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, d := range days {
			date, err := time.ParseInLocation(time.DateOnly, d.Name(), c.loc)
			if err != nil || !d.IsDir() || date.After(cutoff) {
				continue
			}
			src := filepath.Join(c.root, ch.Name(), d.Name(), d.Name()+".txt")
			if _, err := os.Stat(src); err != nil {
				continue
			}
			if err := c.compact(src); err != nil {
				errs = append(errs, err)
				continue
			}
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (c *Compactor) compact(src string) error {
	if c.locker != nil {
		unlock := c.locker.LockFile(src)
		defer unlock()
	}
	return compressFile(src, src+".zst")
}

// compressFile writes dst's existing frames followed by a new frame holding
// src to a temp file, swaps it in, then removes src.
func compressFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
		}
	}()

	if prev, err := os.Open(dst); err == nil {
		_, cerr := io.Copy(out, prev)
		_ = prev.Close()
		if cerr != nil {
			return fmt.Errorf("copy %s: %w", dst, cerr)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if _, err = io.Copy(enc, in); err != nil {
		_ = enc.Close()
		return fmt.Errorf("compress %s: %w", src, err)
	}
	if err = enc.Close(); err != nil {
		return err
	}
	if err = out.Sync(); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// ReadCompressed returns the contents of a compacted day file.
func ReadCompressed(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return "", err
	}
	defer dec.Close()
	var b strings.Builder
	if _, err := io.Copy(&b, dec); err != nil {
		return "", err
	}
	return b.String(), nil
}
