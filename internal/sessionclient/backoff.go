package sessionclient

import (
	"math/rand/v2"
	"time"
)

// Backoff yields BaseDelay*2^(n-1) plus a uniform jitter in [0, MaxJitter]
// for the n-th retry. It implements backoff.BackOff.
type Backoff struct {
	BaseDelay time.Duration
	MaxJitter time.Duration
	Rand      func() float64 // returns [0,1); defaults to math/rand/v2

	retries int
}

// Delay returns the wait before attempt+1, given that attempt (1-based)
// just failed.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.BaseDelay << (attempt - 1)

	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	if b.MaxJitter > 0 {
		d += time.Duration(rnd() * float64(b.MaxJitter))
	}
	return d
}

// NextBackOff returns the delay for the next retry.
func (b *Backoff) NextBackOff() time.Duration {
	b.retries++
	return b.Delay(b.retries)
}

// Reset restarts the sequence.
func (b *Backoff) Reset() {
	b.retries = 0
}
