package ratelimit

import "time"

// DefaultSubWindows is the ring length of a sliding window.
const DefaultSubWindows = 10

// window is a sliding counter over a ring of sub-windows. Slot i holds the
// events whose timestamp falls in sub-window index idx[i], where an index is
// the absolute time divided by the sub-window width. The window covers the
// last n indexes up to and including the current one.
type window struct {
	width time.Duration
	count []int
	idx   []int64
	total int
	last  time.Time
}

func newWindow(size time.Duration, n int) *window {
	if n < 1 {
		n = DefaultSubWindows
	}
	width := size / time.Duration(n)
	if width <= 0 {
		width = 1
	}
	w := &window{width: width, count: make([]int, n), idx: make([]int64, n)}
	for i := range w.idx {
		w.idx[i] = -1 << 62
	}
	return w
}

func (w *window) index(t time.Time) int64 { return t.UnixNano() / int64(w.width) }

func (w *window) n() int64 { return int64(len(w.count)) }

// advance drops sub-windows that fell out of the window at now.
func (w *window) advance(now time.Time) {
	cur := w.index(now)
	for i := range w.count {
		if w.count[i] != 0 && w.idx[i] <= cur-w.n() {
			w.total -= w.count[i]
			w.count[i] = 0
		}
	}
	if now.After(w.last) {
		w.last = now
	}
}

func (w *window) add(now time.Time, k int) {
	cur := w.index(now)
	slot := int(cur % w.n())
	if w.idx[slot] != cur {
		w.total -= w.count[slot]
		w.count[slot] = 0
		w.idx[slot] = cur
	}
	w.count[slot] += k
	w.total += k
}

// Count returns the number of events in the window ending at now.
func (w *window) Count(now time.Time) int {
	w.advance(now)
	return w.total
}

// allow admits one event when fewer than limit are in the window.
func (w *window) allow(now time.Time, limit int) bool {
	w.advance(now)
	if w.total >= limit {
		return false
	}
	w.add(now, 1)
	return true
}

// retryAfter returns how long until the window holds fewer than limit
// events, assuming no further admissions.
func (w *window) retryAfter(now time.Time, limit int) time.Duration {
	w.advance(now)
	if w.total < limit {
		return 0
	}
	excess := w.total - limit + 1
	for _, i := range w.order() {
		excess -= w.count[i]
		if excess <= 0 {
			return w.expiry(i, now)
		}
	}
	return w.width * time.Duration(w.n())
}

// reset returns how long until every counted event has left the window.
func (w *window) reset(now time.Time) time.Duration {
	w.advance(now)
	order := w.order()
	if len(order) == 0 {
		return 0
	}
	return w.expiry(order[len(order)-1], now)
}

func (w *window) expiry(slot int, now time.Time) time.Duration {
	at := time.Unix(0, (w.idx[slot]+w.n())*int64(w.width))
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}

// order lists non-empty slots from oldest to newest.
func (w *window) order() []int {
	out := make([]int, 0, len(w.count))
	for i := range w.count {
		if w.count[i] > 0 {
			out = append(out, i)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && w.idx[out[j]] < w.idx[out[j-1]]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (w *window) idleSince(now time.Time) time.Duration { return now.Sub(w.last) }
