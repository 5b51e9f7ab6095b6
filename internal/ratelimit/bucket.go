package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// bucket wraps a token bucket and remembers the parameters it was built
// with so that a tightened policy can be applied in place.
type bucket struct {
	lim   *rate.Limiter
	rps   float64
	burst int
	last  time.Time
}

func newBucket(now time.Time, rps float64, burst int) *bucket {
	return &bucket{lim: rate.NewLimiter(rate.Limit(rps), burst), rps: rps, burst: burst, last: now}
}

// tune moves the bucket to new parameters. Tokens already accrued are kept
// and clamped to the new burst by the limiter.
func (b *bucket) tune(now time.Time, rps float64, burst int) {
	if rps != b.rps {
		b.lim.SetLimitAt(now, rate.Limit(rps))
		b.rps = rps
	}
	if burst != b.burst {
		b.lim.SetBurstAt(now, burst)
		b.burst = burst
	}
}

func (b *bucket) allow(now time.Time) bool {
	if now.After(b.last) {
		b.last = now
	}
	return b.lim.AllowN(now, 1)
}

func (b *bucket) tokens(now time.Time) float64 {
	t := b.lim.TokensAt(now)
	if t < 0 {
		return 0
	}
	return t
}

func (b *bucket) remaining(now time.Time) int {
	return int(math.Floor(b.tokens(now)))
}

// retryAfter is the time until one whole token is available.
func (b *bucket) retryAfter(now time.Time) time.Duration {
	missing := 1 - b.tokens(now)
	if missing <= 0 || b.rps <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing / b.rps * float64(time.Second)))
}

// reset is the time until the bucket is full again.
func (b *bucket) reset(now time.Time) time.Duration {
	missing := float64(b.burst) - b.tokens(now)
	if missing <= 0 || b.rps <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing / b.rps * float64(time.Second)))
}

// full reports whether the bucket is back at capacity, so dropping it
// loses nothing.
func (b *bucket) full(now time.Time) bool {
	return b.tokens(now) >= float64(b.burst)
}
