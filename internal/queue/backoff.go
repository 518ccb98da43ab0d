package queue

import (
	"math/rand/v2"
	"time"
)

// Backoff is capped exponential backoff with full jitter: the delay for
// attempt n is uniform in [0, min(Max, Base*2^(n-1))).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	rand func() float64
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, rand: rand.Float64}
}

// Ceiling is the upper bound of the delay for attempt.
func (b *Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

func (b *Backoff) Delay(attempt int) time.Duration {
	return time.Duration(b.rand() * float64(b.Ceiling(attempt)))
}
