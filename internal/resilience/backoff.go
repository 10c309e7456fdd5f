package resilience

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff is truncated exponential backoff with jitter: the delay for attempt n
// is drawn uniformly from [d/2, d] where d = min(2^(n+1) * Base, Cap).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	// rand returns a value in [0, 1); swapped in tests.
	rand func() float64
}

func NewBackoff(base, maxDelay time.Duration) Backoff {
	return Backoff{Base: base, Cap: maxDelay, rand: rand.Float64}
}

// Ceiling is the un-jittered delay for attempt.
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i <= attempt; i++ {
		d *= 2
		if d >= b.Cap || d <= 0 {
			return b.Cap
		}
	}
	return d
}

// Delay returns the jittered delay for attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	ceiling := b.Ceiling(attempt)
	half := ceiling / 2
	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	return half + time.Duration(r()*float64(ceiling-half))
}

// rateLimitBackOff is the backoff.BackOff of one model's retry sequence. A
// provider retry hint, when present, replaces the computed delay once.
type rateLimitBackOff struct {
	policy  Backoff
	attempt int
	hint    time.Duration
}

var _ backoff.BackOff = (*rateLimitBackOff)(nil)

func (b *rateLimitBackOff) NextBackOff() time.Duration {
	d := b.hint
	if d <= 0 {
		d = b.policy.Delay(b.attempt)
	}
	b.hint = 0
	b.attempt++
	return d
}

func (b *rateLimitBackOff) Reset() {
	b.attempt = 0
	b.hint = 0
}
