// Package stripe shards in-memory state by key hash. Each stripe is guarded by
// a one-slot semaphore so that acquisition can give up after a budget, and the
// number of goroutines waiting on a stripe is exported as its queue depth.
package stripe

import (
	"sync/atomic"
	"time"

	"github.com/mlgclan/edgeguard/internal/guarderr"
)

// DefaultStripes is used when a non-positive count is requested.
const DefaultStripes = 64

type lock struct {
	sem     chan struct{}
	waiting atomic.Int64
}

func (l *lock) acquire(budget time.Duration) bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
	}

	l.waiting.Add(1)
	defer l.waiting.Add(-1)

	if budget <= 0 {
		l.sem <- struct{}{}
		return true
	}
	t := time.NewTimer(budget)
	defer t.Stop()
	select {
	case l.sem <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (l *lock) release() { <-l.sem }

type shard[V any] struct {
	lock
	items map[string]V
}

// Map is a key-hash sharded map. The zero value is not usable; call New.
type Map[V any] struct {
	name   string
	shards []shard[V]
	mask   uint64
	budget time.Duration
}

// New returns a Map with n stripes rounded up to a power of two. budget bounds
// how long an operation waits for its stripe; zero waits forever.
func New[V any](name string, n int, budget time.Duration) *Map[V] {
	if n <= 0 {
		n = DefaultStripes
	}
	size := 1
	for size < n {
		size <<= 1
	}
	m := &Map[V]{
		name:   name,
		shards: make([]shard[V], size),
		mask:   uint64(size - 1),
		budget: budget,
	}
	for i := range m.shards {
		m.shards[i].sem = make(chan struct{}, 1)
		m.shards[i].items = make(map[string]V)
	}
	return m
}

// Hash is FNV-1a over the key.
func Hash(key string) uint64 {
	h := uint64(14695981039346656037)
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return h
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	return &m.shards[Hash(key)&m.mask]
}

// Stripes returns the number of stripes.
func (m *Map[V]) Stripes() int { return len(m.shards) }

// With runs fn with exclusive access to the stripe owning key. fn may read,
// insert or delete any entry of that stripe.
func (m *Map[V]) With(key string, fn func(items map[string]V) error) error {
	s := m.shardFor(key)
	if !s.acquire(m.budget) {
		return guarderr.Newf(guarderr.KindStoreUnavailable, m.name, "stripe %d busy", Hash(key)&m.mask)
	}
	defer s.release()
	return fn(s.items)
}

// Get returns a copy of the value stored under key.
func (m *Map[V]) Get(key string) (V, bool, error) {
	var (
		v  V
		ok bool
	)
	err := m.With(key, func(items map[string]V) error {
		v, ok = items[key]
		return nil
	})
	return v, ok, err
}

// Range calls fn for every entry, one stripe at a time. fn runs under the
// stripe lock and must not call back into the Map.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.acquire(0)
		cont := true
		for k, v := range s.items {
			if !fn(k, v) {
				cont = false
				break
			}
		}
		s.release()
		if !cont {
			return
		}
	}
}

// Keys appends the keys held by stripe i to buf. The lock is held only for
// the copy; callers reuse buf across stripes.
func (m *Map[V]) Keys(i int, buf []string) []string {
	s := &m.shards[i]
	s.acquire(0)
	defer s.release()
	for k := range s.items {
		buf = append(buf, k)
	}
	return buf
}

// Sweep visits every entry and deletes those for which keep returns false.
// It returns the number of deleted entries.
func (m *Map[V]) Sweep(keep func(key string, v V) bool) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.acquire(0)
		for k, v := range s.items {
			if !keep(k, v) {
				delete(s.items, k)
				removed++
			}
		}
		s.release()
	}
	return removed
}

// Len counts entries across all stripes.
func (m *Map[V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.acquire(0)
		n += len(s.items)
		s.release()
	}
	return n
}

// Depth returns the largest number of goroutines waiting on any single stripe.
func (m *Map[V]) Depth() int64 {
	var max int64
	for i := range m.shards {
		if d := m.shards[i].waiting.Load(); d > max {
			max = d
		}
	}
	return max
}

// Depther is implemented by stores that expose a stripe queue depth.
type Depther interface {
	Depth() int64
}
