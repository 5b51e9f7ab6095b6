package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Store publishes the active Policy. Readers call Current once per request
// and keep the pointer; writers serialize on mu and swap a fresh Policy in.
type Store struct {
	cur atomic.Pointer[Policy]

	mu        sync.Mutex
	path      string
	listeners []func(old, cur *Policy)
	log       *zap.Logger
}

// NewStore returns a Store serving p.
func NewStore(p *Policy, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{log: log.With(zap.String("component", "config"))}
	s.cur.Store(p)
	return s
}

// OpenStore loads path and remembers it for Reload.
func OpenStore(path string, log *zap.Logger) (*Store, error) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	s := NewStore(p, log)
	s.path = path
	return s, nil
}

// Current returns the active policy. Callers must not mutate it.
func (s *Store) Current() *Policy { return s.cur.Load() }

// Path returns the file the store was opened from, if any.
func (s *Store) Path() string { return s.path }

// OnChange registers fn to run after every successful swap.
func (s *Store) OnChange(fn func(old, cur *Policy)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Load parses data and swaps it in. Identical content is a no-op and
// reports changed=false. On error the last known good policy stays active.
func (s *Store) Load(data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old := s.cur.Load(); old != nil && old.digest == digestOf(data) {
		return false, nil
	}
	p, err := Parse(data)
	if err != nil {
		s.log.Warn("config rejected, keeping last known good", zap.Error(err))
		return false, err
	}
	s.swapLocked(p)
	return true, nil
}

// Reload re-reads the file the store was opened from.
func (s *Store) Reload() (bool, error) {
	if s.path == "" {
		return false, fmt.Errorf("config store has no backing file")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("read config %s: %w", s.path, err)
	}
	return s.Load(data)
}

// Update applies fn to a copy of the current policy and publishes it.
func (s *Store) Update(fn func(*Policy) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.Load().Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := next.finalize(); err != nil {
		return err
	}
	s.swapLocked(next)
	return nil
}

func (s *Store) swapLocked(p *Policy) {
	old := s.cur.Swap(p)
	s.log.Info("config published", zap.Int("routes", len(p.routes)), zap.Int("trusted_proxies", len(p.trusted)))
	for _, fn := range s.listeners {
		fn(old, p)
	}
}
