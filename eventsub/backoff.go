package eventsub

import (
	"math/rand"
	"time"
)

// backoff yields min*2^n with +/-20% jitter, capped at max.
type backoff struct {
	min, max time.Duration
	attempt  int
}

func (b *backoff) next() time.Duration {
	wait := b.min
	for i := 0; i < b.attempt && wait < b.max; i++ {
		wait *= 2
	}
	if wait > b.max {
		wait = b.max
	}
	b.attempt++

	// 20% jitter either way.
	if j := int64(wait) / 5; j > 0 {
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter
		wait += time.Duration(rand.Int63n(2*j+1) - j)
	}
	if wait > b.max {
		wait = b.max
	}
	return wait
}

func (b *backoff) reset() { b.attempt = 0 }
