package reputation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mlgclan/edgeguard/internal/config"
	"github.com/mlgclan/edgeguard/internal/models"
)

// Entry is one persisted allow/block/priority tag.
type Entry struct {
	Key     string     `json:"key"`
	Tag     models.Tag `json:"tag"`
	Expires time.Time  `json:"expires,omitempty"`
	Forced  bool       `json:"forced,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

func (e Entry) id() string { return e.Key + "|" + string(e.Tag) }

// SnapshotStore persists the allow/block lists across restarts. Save
// replaces the stored set.
type SnapshotStore interface {
	Save(ctx context.Context, entries []Entry) error
	Load(ctx context.Context) ([]Entry, error)
	Close() error
}

// OpenSnapshot builds the backend selected by cfg. It returns nil when
// snapshots are disabled.
func OpenSnapshot(ctx context.Context, cfg config.Snapshot) (SnapshotStore, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "bolt":
		b, err := OpenBolt(cfg.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "redis":
		r, err := OpenRedis(ctx, cfg.RedisURL, cfg.Key)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
}

// Entries collects the live persistent tags.
func (s *Store) Entries() []Entry {
	now := s.clock.Now()
	var out []Entry
	s.entries.Range(func(key string, e *entry) bool {
		for tag, st := range e.tags {
			if !tag.Persistent() || !st.live(now) {
				continue
			}
			out = append(out, Entry{Key: key, Tag: tag, Expires: st.Expires, Forced: st.Forced, Reason: st.Reason})
		}
		return true
	})
	return out
}

// SaveSnapshot writes the persistent tags to the snapshot backend.
func (s *Store) SaveSnapshot(ctx context.Context) error {
	if s.snapshot == nil {
		return nil
	}
	entries := s.Entries()
	if err := s.snapshot.Save(ctx, entries); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.log.Debug("snapshot saved", zap.Int("entries", len(entries)))
	return nil
}

// RestoreSnapshot reapplies persisted tags with their remaining TTL.
// Entries already expired are skipped.
func (s *Store) RestoreSnapshot(ctx context.Context) (int, error) {
	if s.snapshot == nil {
		return 0, nil
	}
	entries, err := s.snapshot.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	now := s.clock.Now()
	pol := s.policy.Current().Reputation
	n := 0
	for _, en := range entries {
		if !en.Expires.IsZero() && !now.Before(en.Expires) {
			continue
		}
		err := s.entries.With(en.Key, func(items map[string]*entry) error {
			e, ok := items[en.Key]
			if !ok {
				e = &entry{updated: now, expires: now.Add(pol.TTL)}
				items[en.Key] = e
			}
			if e.tags == nil {
				e.tags = make(map[models.Tag]TagState)
			}
			st := TagState{Set: now, Expires: en.Expires, Forced: en.Forced, Reason: en.Reason}
			if !en.Expires.IsZero() {
				st.TTL = en.Expires.Sub(now)
			}
			e.tags[en.Tag] = st
			return nil
		})
		if err != nil {
			return n, err
		}
		n++
	}
	s.log.Info("snapshot restored", zap.Int("entries", n))
	return n, nil
}
