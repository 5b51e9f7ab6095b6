package abuse

import (
	"math"
	"time"
)

type sample struct {
	at     time.Time
	target string
	weight float64
}

// pattern is a sliding window of recent events for one (detector, key).
type pattern struct {
	events []sample
	last   time.Time
}

func (p *pattern) add(s sample, window time.Duration) {
	p.trim(s.at, window)
	p.events = append(p.events, s)
	p.last = s.at
}

// trim drops events at or before now-window.
func (p *pattern) trim(now time.Time, window time.Duration) {
	cut := now.Add(-window)
	i := 0
	for i < len(p.events) && !p.events[i].at.After(cut) {
		i++
	}
	if i > 0 {
		p.events = append(p.events[:0], p.events[i:]...)
	}
}

func (p *pattern) count() int { return len(p.events) }

func (p *pattern) countWhere(fn func(sample) bool) int {
	n := 0
	for _, s := range p.events {
		if fn(s) {
			n++
		}
	}
	return n
}

func (p *pattern) distinctTargets() int {
	seen := make(map[string]struct{}, len(p.events))
	for _, s := range p.events {
		seen[s.target] = struct{}{}
	}
	return len(seen)
}

// targetEntropy is the Shannon entropy, in bits, of the target distribution.
func (p *pattern) targetEntropy() float64 {
	if len(p.events) == 0 {
		return 0
	}
	freq := make(map[string]int, len(p.events))
	for _, s := range p.events {
		freq[s.target]++
	}
	n := float64(len(p.events))
	h := 0.0
	for _, c := range freq {
		q := float64(c) / n
		h -= q * math.Log2(q)
	}
	return h
}

// jitter is the standard deviation of the gaps between the last n events.
func (p *pattern) jitter(n int) (time.Duration, bool) {
	if n < 3 || len(p.events) < n {
		return 0, false
	}
	tail := p.events[len(p.events)-n:]
	gaps := make([]float64, 0, n-1)
	mean := 0.0
	for i := 1; i < len(tail); i++ {
		g := float64(tail[i].at.Sub(tail[i-1].at))
		gaps = append(gaps, g)
		mean += g
	}
	mean /= float64(len(gaps))
	v := 0.0
	for _, g := range gaps {
		v += (g - mean) * (g - mean)
	}
	v /= float64(len(gaps))
	return time.Duration(math.Sqrt(v)), true
}

// cohort tracks fresh voters from one network on one target.
type cohort struct {
	voters map[string]time.Time
	fired  time.Time
	last   time.Time
}

func (c *cohort) add(actor string, now time.Time, window time.Duration) {
	if c.voters == nil {
		c.voters = make(map[string]time.Time)
	}
	cut := now.Add(-window)
	for id, at := range c.voters {
		if !at.After(cut) {
			delete(c.voters, id)
		}
	}
	c.voters[actor] = now
	c.last = now
}

func (c *cohort) active(now time.Time, window time.Duration) bool {
	return !c.fired.IsZero() && now.Sub(c.fired) < window
}
