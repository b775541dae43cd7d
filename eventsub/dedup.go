package eventsub

import (
	"sync"
	"time"
)

const (
	dedupWindowSize = 1000
	dedupWindowTTL  = 10 * time.Minute
)

type dedupEntry struct {
	id   string
	seen time.Time
}

// dedupWindow remembers recent frame ids so redelivered notifications are
// dropped. It keeps up to dedupWindowSize ids or dedupWindowTTL, whichever
// is reached first.
type dedupWindow struct {
	mu      sync.Mutex
	entries []dedupEntry
	index   map[string]struct{}
}

func newDedupWindow() *dedupWindow {
	return &dedupWindow{
		entries: make([]dedupEntry, 0, dedupWindowSize),
		index:   make(map[string]struct{}, dedupWindowSize),
	}
}

// seen reports whether id was already recorded, recording it if not.
func (d *dedupWindow) seen(id string, now time.Time) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.Add(-dedupWindowTTL)
	start := 0
	for start < len(d.entries) && d.entries[start].seen.Before(cutoff) {
		delete(d.index, d.entries[start].id)
		start++
	}
	if start > 0 {
		d.entries = d.entries[start:]
	}

	if _, ok := d.index[id]; ok {
		return true
	}

	if len(d.entries) >= dedupWindowSize {
		delete(d.index, d.entries[0].id)
		d.entries = d.entries[1:]
	}
	d.entries = append(d.entries, dedupEntry{id: id, seen: now})
	d.index[id] = struct{}{}
	return false
}
