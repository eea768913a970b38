package delivery

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: min(cap, base*2^(n-1)) for the n-th
// completed attempt, plus up to JitterPct of that delay, never past Cap.
type Backoff struct {
	Base      time.Duration
	Cap       time.Duration
	JitterPct float64

	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 30 * time.Second, Cap: 30 * time.Minute, JitterPct: 0.2}
}

// Delay is the un-jittered delay after n attempts. It is non-decreasing in n.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Base
	for i := 1; i < n; i++ {
		if (b.Cap > 0 && d >= b.Cap) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}

// Next returns the jittered delay after n attempts.
func (b Backoff) Next(n int) time.Duration {
	d := b.Delay(n)
	if b.JitterPct <= 0 {
		return d
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	d += time.Duration(float64(d) * b.JitterPct * r())
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}
